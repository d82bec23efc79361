// Package lifecycle owns the sandbox registry: it normalizes requests,
// drives async provisioning over a worker pool, maintains the expiration
// index, and translates provider errors into the engine's error taxonomy.
// Shutdown follows a stopCh-plus-WaitGroup pattern: stop accepting new
// work, signal every loop, wait, then release resources.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/config"
	"github.com/opensandbox/sandboxd/pkg/endpoint"
	"github.com/opensandbox/sandboxd/pkg/log"
	"github.com/opensandbox/sandboxd/pkg/metrics"
	"github.com/opensandbox/sandboxd/pkg/provider"
	"github.com/opensandbox/sandboxd/pkg/retry"
	"github.com/opensandbox/sandboxd/pkg/types"
	"github.com/opensandbox/sandboxd/pkg/validate"
)

// Config configures an Engine.
type Config struct {
	Provider            provider.Provider
	Runtime             types.RuntimeType
	AsyncWorkers        int
	CreateRetryAttempts int
	ExpirationInterval  time.Duration
	BackendCallTimeout  time.Duration
	AllowedHostPaths    []string
	EgressImage         string
	MaxExpireAttempts   int
	Router              config.RouterConfig
}

// Filter narrows a List call: states are OR-combined, metadata pairs are
// AND-combined, and pagination is clamped to [1, 200] page size.
type Filter struct {
	States   []types.SandboxState
	Metadata map[string]string
	Page     int
	PageSize int
}

type createJob struct {
	id  string
	req types.SandboxRequest
}

// Engine is the runtime-abstracted sandbox lifecycle manager. One Engine
// owns exactly one provider; the CLI wires a distinct Engine per configured
// runtime.
type Engine struct {
	cfg Config

	mu         sync.RWMutex
	pending    map[string]*types.PendingRecord
	expiration map[string]time.Time
	idLocks    map[string]*sync.Mutex

	jobs   chan createJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	expireAttempts map[string]int
}

// New constructs an Engine and starts its worker pool and expiration
// ticker. Call Shutdown to stop both.
func New(cfg Config) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("lifecycle: provider is required")
	}
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = 4
	}
	if cfg.CreateRetryAttempts <= 0 {
		cfg.CreateRetryAttempts = 3
	}
	if cfg.ExpirationInterval <= 0 {
		cfg.ExpirationInterval = 5 * time.Second
	}
	if cfg.BackendCallTimeout <= 0 {
		cfg.BackendCallTimeout = 60 * time.Second
	}
	if cfg.MaxExpireAttempts <= 0 {
		cfg.MaxExpireAttempts = 5
	}

	e := &Engine{
		cfg:            cfg,
		pending:        make(map[string]*types.PendingRecord),
		expiration:     make(map[string]time.Time),
		idLocks:        make(map[string]*sync.Mutex),
		jobs:           make(chan createJob, cfg.AsyncWorkers*4),
		stopCh:         make(chan struct{}),
		expireAttempts: make(map[string]int),
	}

	for i := 0; i < cfg.AsyncWorkers; i++ {
		e.wg.Add(1)
		go e.createWorker()
	}
	e.wg.Add(1)
	go e.expirationLoop()

	return e, nil
}

// Runtime returns the runtime type this Engine was configured for.
func (e *Engine) Runtime() types.RuntimeType {
	return e.cfg.Runtime
}

// Shutdown stops accepting new work, signals every background loop, and
// joins them before returning.
func (e *Engine) Shutdown() error {
	close(e.stopCh)
	close(e.jobs)
	e.wg.Wait()
	return nil
}

func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.idLocks[id]
	if !ok {
		l = &sync.Mutex{}
		e.idLocks[id] = l
	}
	return l
}

// Create validates req, reserves a sandbox id, and enqueues asynchronous
// provisioning; it returns as soon as the id is reserved, with state
// Pending.
func (e *Engine) Create(ctx context.Context, req types.SandboxRequest) (types.SandboxInfo, error) {
	if err := e.validate(req); err != nil {
		return types.SandboxInfo{}, err
	}

	id := e.reserveID()
	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(req.Timeout) * time.Second)

	record := &types.PendingRecord{
		ID:           id,
		Request:      req,
		Runtime:      e.cfg.Runtime,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		BackendState: types.StatePending,
	}

	e.mu.Lock()
	e.pending[id] = record
	e.mu.Unlock()
	metrics.PendingSandboxesTotal.Inc()

	select {
	case e.jobs <- createJob{id: id, req: req}:
	case <-e.stopCh:
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return types.SandboxInfo{}, apierr.Internal("engine is shutting down", nil)
	}

	return types.SandboxInfo{
		ID:         id,
		Runtime:    e.cfg.Runtime,
		Status:     types.SandboxStatus{State: types.StatePending, Reason: "SANDBOX_SCHEDULED"},
		Metadata:   req.Metadata,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
		Image:      req.Image,
		Entrypoint: req.Entrypoint,
	}, nil
}

func (e *Engine) reserveID() string {
	for {
		id := uuid.NewString()
		e.mu.RLock()
		_, pendingExists := e.pending[id]
		_, indexExists := e.expiration[id]
		e.mu.RUnlock()
		if !pendingExists && !indexExists {
			return id
		}
	}
}

func (e *Engine) validate(req types.SandboxRequest) error {
	if err := validate.Entrypoint(req.Entrypoint); err != nil {
		return err
	}
	if err := validate.MetadataLabels(req.Metadata); err != nil {
		return err
	}
	if err := validate.Volumes(req.Volumes, e.cfg.AllowedHostPaths); err != nil {
		return err
	}
	if err := validate.EgressConfigured(req.NetworkPolicy, e.cfg.EgressImage); err != nil {
		return err
	}
	if req.Timeout <= 0 {
		return apierr.Input(apierr.CodeInvalidExpiration, "timeout must be positive")
	}
	return nil
}

func (e *Engine) createWorker() {
	defer e.wg.Done()
	for job := range e.jobs {
		e.provision(job)
	}
}

func (e *Engine) provision(job createJob) {
	id := job.id
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BackendCallTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	// Create is never retried by the engine: a partial failure is torn
	// down and reported as Failed rather than reattempted against a
	// possibly half-provisioned backend.
	status, err := e.cfg.Provider.Create(ctx, id, job.req)
	timer.ObserveDurationVec(metrics.SandboxCreateDuration, string(e.cfg.Runtime))

	e.mu.Lock()
	record, ok := e.pending[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	if err != nil {
		record.LastError = err
		record.BackendState = types.StateFailed
		e.mu.Unlock()

		// The pending record is kept, marked Failed, so Get/List can still
		// report it; it is only removed when the caller deletes it. No
		// backend resource survives this failure.
		metrics.PendingSandboxesTotal.Dec()
		code := "UNKNOWN"
		if apiErr, ok := apierr.As(err); ok {
			code = string(apiErr.Code)
		}
		metrics.SandboxesCreateFailedTotal.WithLabelValues(string(e.cfg.Runtime), code).Inc()
		log.WithSandboxID(id).Error().Err(err).Msg("sandbox creation failed, cleaning up")

		cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), e.cfg.BackendCallTimeout)
		_ = e.cfg.Provider.Delete(cleanupCtx, id)
		cleanupCancel()
		return
	}

	record.BackendState = status.State
	e.expiration[id] = record.ExpiresAt
	delete(e.pending, id)
	e.mu.Unlock()

	metrics.PendingSandboxesTotal.Dec()
	metrics.SandboxesCreatedTotal.WithLabelValues(string(e.cfg.Runtime)).Inc()
	log.WithSandboxID(id).Info().Msg("sandbox provisioned")
}

// Get returns a backend-visible sandbox's status, falling back to its
// pending record if the backend has not materialized it yet.
func (e *Engine) Get(ctx context.Context, id string) (types.SandboxInfo, error) {
	e.mu.RLock()
	record, isPending := e.pending[id]
	_, isIndexed := e.expiration[id]
	e.mu.RUnlock()

	if isPending && !isIndexed {
		return e.infoFromPending(record), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendCallTimeout)
	defer cancel()
	var status types.SandboxStatus
	err := retry.Do(callCtx, retry.DefaultPolicy, isBackendTransient, func(int) error {
		var getErr error
		status, getErr = e.cfg.Provider.Get(callCtx, id)
		return getErr
	})
	if err != nil {
		return types.SandboxInfo{}, err
	}

	e.mu.RLock()
	expiresAt := e.expiration[id]
	e.mu.RUnlock()

	status.Endpoints = e.resolveEndpoints(id, status.Endpoints)
	return types.SandboxInfo{ID: id, Runtime: e.cfg.Runtime, Status: status, ExpiresAt: expiresAt}, nil
}

// resolveEndpoints rewrites provider-reported endpoints into externally
// reachable URLs per the configured router mode. A provider-reported
// endpoint with no port (host-only, e.g. a bare pod IP) carries no
// addressable port for the router's path/subdomain scheme and is passed
// through unchanged.
func (e *Engine) resolveEndpoints(id string, raw []types.Endpoint) []types.Endpoint {
	if len(raw) == 0 {
		return raw
	}
	resolved := make([]types.Endpoint, 0, len(raw))
	for _, ep := range raw {
		if ep.Port == 0 {
			resolved = append(resolved, ep)
			continue
		}
		resolved = append(resolved, endpoint.Build(e.cfg.Router, id, ep.Port, ep.URL))
	}
	return resolved
}

func (e *Engine) infoFromPending(record *types.PendingRecord) types.SandboxInfo {
	reason := "SANDBOX_SCHEDULED"
	state := types.StatePending
	if record.BackendState == types.StateFailed {
		state = types.StateFailed
		reason = "CREATE_FAILED"
	}
	return types.SandboxInfo{
		ID:         record.ID,
		Runtime:    record.Runtime,
		Status:     types.SandboxStatus{State: state, Reason: reason},
		Metadata:   record.Request.Metadata,
		CreatedAt:  record.CreatedAt,
		ExpiresAt:  record.ExpiresAt,
		Image:      record.Request.Image,
		Entrypoint: record.Request.Entrypoint,
	}
}

// List returns every sandbox known to the engine, backend entries shadowing
// pending entries for the same id, filtered and paginated per f.
func (e *Engine) List(ctx context.Context, f Filter) ([]types.SandboxInfo, error) {
	e.mu.RLock()
	pendingSnapshot := make([]*types.PendingRecord, 0, len(e.pending))
	for _, r := range e.pending {
		pendingSnapshot = append(pendingSnapshot, r)
	}
	e.mu.RUnlock()

	var backend []types.SandboxInfo
	err := retry.Do(ctx, retry.DefaultPolicy, isBackendTransient, func(int) error {
		var listErr error
		backend, listErr = e.cfg.Provider.List(ctx)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]types.SandboxInfo, len(backend)+len(pendingSnapshot))
	for _, info := range backend {
		info.Status.Endpoints = e.resolveEndpoints(info.ID, info.Status.Endpoints)
		byID[info.ID] = info
	}
	for _, record := range pendingSnapshot {
		if _, exists := byID[record.ID]; exists {
			continue
		}
		byID[record.ID] = e.infoFromPending(record)
	}

	all := make([]types.SandboxInfo, 0, len(byID))
	for _, info := range byID {
		if matchesFilter(info, f) {
			all = append(all, info)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})

	return paginate(all, f.Page, f.PageSize), nil
}

func isBackendTransient(err error) bool {
	apiErr, ok := apierr.As(err)
	return ok && apiErr.Class == apierr.ClassBackendTransient
}

func matchesFilter(info types.SandboxInfo, f Filter) bool {
	if len(f.States) > 0 {
		matched := false
		for _, s := range f.States {
			if info.Status.State == s {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for k, v := range f.Metadata {
		if info.Metadata[k] != v {
			return false
		}
	}
	return true
}

func paginate(all []types.SandboxInfo, page, pageSize int) []types.SandboxInfo {
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	if page < 0 {
		page = 0
	}
	start := page * pageSize
	if start >= len(all) {
		return []types.SandboxInfo{}
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

// Renew extends a sandbox's expiration, rejecting non-future timestamps.
// The in-memory index is updated only after the provider call (when the
// provider implements Renewer) succeeds.
func (e *Engine) Renew(ctx context.Context, id string, expiresAt time.Time) error {
	if err := validate.FutureExpiration(expiresAt, time.Now()); err != nil {
		return err
	}

	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if renewer, ok := e.cfg.Provider.(provider.Renewer); ok {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendCallTimeout)
		defer cancel()
		err := retry.Do(callCtx, retry.DefaultPolicy, isBackendTransient, func(int) error {
			return renewer.UpdateExpiration(callCtx, id, expiresAt)
		})
		if err != nil {
			return err
		}
	} else {
		if _, err := e.cfg.Provider.Get(ctx, id); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if _, exists := e.expiration[id]; exists {
		e.expiration[id] = expiresAt
	}
	e.mu.Unlock()
	return nil
}

// Delete removes a sandbox. NotFound is absorbed into a success response
// here, matching the engine-level idempotency contract: repeating a delete
// on a missing id is a no-op.
func (e *Engine) Delete(ctx context.Context, id string) error {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendCallTimeout)
	defer cancel()
	err := retry.Do(callCtx, retry.DefaultPolicy, isBackendTransient, func(int) error {
		return e.cfg.Provider.Delete(callCtx, id)
	})

	e.mu.Lock()
	delete(e.expiration, id)
	delete(e.pending, id)
	e.mu.Unlock()

	if err != nil && !apierr.IsNotFound(err) {
		return err
	}
	return nil
}

// Pause freezes a sandbox. Rejected with INVALID_PARAMETER on providers
// that do not support it, resolved by type assertion rather than a
// capability flag.
func (e *Engine) Pause(ctx context.Context, id string) error {
	pauser, ok := e.cfg.Provider.(provider.PauseResumer)
	if !ok {
		return apierr.Input(apierr.CodeInvalidParameter, "pause/resume is not supported by this runtime")
	}
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendCallTimeout)
	defer cancel()
	return pauser.Pause(callCtx, id)
}

// Resume unfreezes a previously paused sandbox.
func (e *Engine) Resume(ctx context.Context, id string) error {
	pauser, ok := e.cfg.Provider.(provider.PauseResumer)
	if !ok {
		return apierr.Input(apierr.CodeInvalidParameter, "pause/resume is not supported by this runtime")
	}
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.BackendCallTimeout)
	defer cancel()
	return pauser.Resume(callCtx, id)
}

// Restore re-populates the expiration index from every workload the
// provider currently reports, called once at startup.
func (e *Engine) Restore(ctx context.Context) error {
	infos, err := e.cfg.Provider.List(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, info := range infos {
		if !info.ExpiresAt.IsZero() {
			e.expiration[info.ID] = info.ExpiresAt
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) expirationLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ExpirationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.runExpirationCycle()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) runExpirationCycle() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ExpirationCycleDuration)
		metrics.ExpirationCyclesTotal.Inc()
	}()

	now := time.Now().UTC()
	e.mu.RLock()
	due := make([]types.ExpirationEntry, 0)
	for id, expiresAt := range e.expiration {
		if !expiresAt.After(now) {
			due = append(due, types.ExpirationEntry{ID: id, ExpiresAt: expiresAt})
		}
	}
	e.mu.RUnlock()

	for _, entry := range due {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BackendCallTimeout)
		err := e.cfg.Provider.Delete(ctx, entry.ID)
		cancel()

		if err == nil || apierr.IsNotFound(err) {
			e.mu.Lock()
			delete(e.expiration, entry.ID)
			delete(e.expireAttempts, entry.ID)
			e.mu.Unlock()
			metrics.SandboxesExpiredTotal.Inc()
			continue
		}

		e.mu.Lock()
		e.expireAttempts[entry.ID]++
		attempts := e.expireAttempts[entry.ID]
		e.mu.Unlock()

		if attempts >= e.cfg.MaxExpireAttempts {
			log.WithSandboxID(entry.ID).Warn().Err(err).Msg("dropping sandbox from expiration index after exhausting retries")
			e.mu.Lock()
			delete(e.expiration, entry.ID)
			delete(e.expireAttempts, entry.ID)
			e.mu.Unlock()
			continue
		}
		log.WithSandboxID(entry.ID).Warn().Err(err).Int("attempt", attempts).Msg("expiration delete failed, will retry")
	}
}
