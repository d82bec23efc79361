// Package provider defines the workload-provider abstraction the lifecycle
// engine dispatches to. Each runtime type (direct-daemon, the batch-sandbox
// CRD family, the agent-sandbox CRD family) implements Provider; the
// registry resolves one by its lowercase runtime-type string, mirroring a
// registry-dict factory pattern rather than a switch in the engine.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensandbox/sandboxd/pkg/types"
)

// Provider is the backend-specific half of sandbox lifecycle management.
// All methods are idempotent with respect to NotFound per the error
// taxonomy; the lifecycle engine, not the provider, absorbs NotFound on
// delete into a success response.
type Provider interface {
	// Create provisions the backend workload for id and returns its
	// initially observed status. Create is never retried by the caller;
	// a partial failure must be cleaned up before returning.
	Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error)

	// Get returns the current status of the sandbox identified by id.
	Get(ctx context.Context, id string) (types.SandboxStatus, error)

	// List returns every sandbox this provider currently knows about,
	// regardless of state.
	List(ctx context.Context) ([]types.SandboxInfo, error)

	// Delete removes the backend workload and any associated sidecar.
	// Deleting an already-absent id returns apierr.NotFound.
	Delete(ctx context.Context, id string) error
}

// PauseResumer is an optional capability interface. Only the direct-daemon
// provider implements it; cluster providers are resolved via a type
// assertion and, when it fails, the caller rejects the request with
// apierr.CodeInvalidParameter rather than exposing a boolean capability
// flag on Provider itself.
type PauseResumer interface {
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

// Renewer is an optional capability interface for providers that persist
// expiration on the backend resource itself (both cluster CRD families).
// The direct-daemon provider does not implement it: its expires-at container
// label is written once at create and is not rewritten on renew, so a renew
// there is engine-only bookkeeping in the lifecycle engine's index.
type Renewer interface {
	UpdateExpiration(ctx context.Context, id string, expiresAt time.Time) error
}

// Factory constructs a Provider from already-loaded configuration. Each
// runtime package registers its own constructor via Register.
type Factory func() (Provider, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register adds a factory under runtimeType (lower-cased). Each provider
// package wraps it in its own Register function, which cmd/sandboxd calls
// for the configured runtime at startup.
func Register(runtimeType string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[normalize(runtimeType)] = f
}

// New resolves and constructs the provider registered for runtimeType.
func New(runtimeType string) (Provider, error) {
	mu.RLock()
	f, ok := factories[normalize(runtimeType)]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider: no provider registered for runtime type %q", runtimeType)
	}
	return f()
}

func normalize(runtimeType string) string {
	out := make([]byte, len(runtimeType))
	for i := 0; i < len(runtimeType); i++ {
		c := runtimeType[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
