package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/sandboxd/pkg/types"
)

type stubProvider struct{}

func (stubProvider) Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	return types.SandboxStatus{State: types.StateRunning}, nil
}
func (stubProvider) Get(ctx context.Context, id string) (types.SandboxStatus, error) {
	return types.SandboxStatus{}, nil
}
func (stubProvider) List(ctx context.Context) ([]types.SandboxInfo, error) { return nil, nil }
func (stubProvider) Delete(ctx context.Context, id string) error           { return nil }

func TestRegisterAndNewIsCaseInsensitive(t *testing.T) {
	Register("TestRuntime", func() (Provider, error) { return stubProvider{}, nil })

	p, err := New("testruntime")
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = New("TESTRUNTIME")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestNewUnknownRuntimeErrors(t *testing.T) {
	_, err := New("does-not-exist-runtime")
	assert.Error(t, err)
}
