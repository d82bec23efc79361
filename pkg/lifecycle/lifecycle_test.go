package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/provider"
	"github.com/opensandbox/sandboxd/pkg/types"
)

// fakeProvider is an in-memory Provider double driven entirely by test
// setup; it never touches a real container daemon or cluster API.
type fakeProvider struct {
	mu        sync.Mutex
	sandboxes map[string]types.SandboxStatus
	createErr error
	deleteErr error
	paused    map[string]bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sandboxes: make(map[string]types.SandboxStatus),
		paused:    make(map[string]bool),
	}
}

func (f *fakeProvider) Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return types.SandboxStatus{}, f.createErr
	}
	status := types.SandboxStatus{State: types.StateRunning}
	f.sandboxes[id] = status
	return status, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (types.SandboxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.sandboxes[id]
	if !ok {
		return types.SandboxStatus{}, apierr.NotFound("sandbox " + id + " not found")
	}
	return status, nil
}

func (f *fakeProvider) List(ctx context.Context) ([]types.SandboxInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	infos := make([]types.SandboxInfo, 0, len(f.sandboxes))
	for id, status := range f.sandboxes {
		infos = append(infos, types.SandboxInfo{ID: id, Status: status})
	}
	return infos, nil
}

func (f *fakeProvider) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.sandboxes[id]; !ok {
		return apierr.NotFound("sandbox " + id + " not found")
	}
	delete(f.sandboxes, id)
	return nil
}

func (f *fakeProvider) Pause(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[id] = true
	return nil
}

func (f *fakeProvider) Resume(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[id] = false
	return nil
}

func newTestEngine(t *testing.T, p provider.Provider) *Engine {
	t.Helper()
	e, err := New(Config{
		Provider:           p,
		Runtime:            types.RuntimeType("docker"),
		ExpirationInterval: time.Hour,
		BackendCallTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Shutdown() })
	return e
}

func validRequest() types.SandboxRequest {
	return types.SandboxRequest{
		Image:      types.ImageSpec{URI: "alpine:latest"},
		Entrypoint: []string{"sleep", "60"},
		Timeout:    60,
	}
}

func waitForState(t *testing.T, e *Engine, id string, want types.SandboxState) types.SandboxInfo {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		info, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		if info.Status.State == want {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sandbox %s did not reach state %s", id, want)
	return types.SandboxInfo{}
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	e := newTestEngine(t, newFakeProvider())
	_, err := e.Create(context.Background(), types.SandboxRequest{})
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidEntrypoint, apiErr.Code)
}

func TestCreateTransitionsPendingToRunning(t *testing.T) {
	e := newTestEngine(t, newFakeProvider())
	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, info.Status.State)

	waitForState(t, e, info.ID, types.StateRunning)
}

func TestCreateFailureLeavesNoResidualSandboxButReportsFailed(t *testing.T) {
	p := newFakeProvider()
	p.createErr = apierr.Wrap(apierr.ClassBackendPermanent, apierr.CodeUnexpectedResponse, "pull failed", nil)
	e := newTestEngine(t, p)

	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)

	failedInfo := waitForState(t, e, info.ID, types.StateFailed)
	assert.Equal(t, "CREATE_FAILED", failedInfo.Status.Reason)

	p.mu.Lock()
	_, exists := p.sandboxes[info.ID]
	p.mu.Unlock()
	assert.False(t, exists, "a failed create must leave no residual backend sandbox")
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	e := newTestEngine(t, newFakeProvider())
	_, err := e.Get(context.Background(), "does-not-exist")
	assert.True(t, apierr.IsNotFound(err))
}

func TestDeleteIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newFakeProvider())
	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)
	waitForState(t, e, info.ID, types.StateRunning)

	require.NoError(t, e.Delete(context.Background(), info.ID))
	// Deleting again must still succeed: NotFound is absorbed.
	assert.NoError(t, e.Delete(context.Background(), info.ID))
}

func TestRenewRejectsNonFutureExpiration(t *testing.T) {
	e := newTestEngine(t, newFakeProvider())
	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)
	waitForState(t, e, info.ID, types.StateRunning)

	err = e.Renew(context.Background(), info.ID, time.Now().Add(-time.Minute))
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidExpiration, apiErr.Code)
}

func TestPauseResumeUnsupportedProviderRejected(t *testing.T) {
	e := newTestEngine(t, &unpausableProvider{inner: newFakeProvider()})
	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)
	waitForState(t, e, info.ID, types.StateRunning)

	err = e.Pause(context.Background(), info.ID)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidParameter, apiErr.Code)
}

func TestPauseResumeSupportedProvider(t *testing.T) {
	p := newFakeProvider()
	e := newTestEngine(t, p)
	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)
	waitForState(t, e, info.ID, types.StateRunning)

	require.NoError(t, e.Pause(context.Background(), info.ID))
	p.mu.Lock()
	assert.True(t, p.paused[info.ID])
	p.mu.Unlock()

	require.NoError(t, e.Resume(context.Background(), info.ID))
	p.mu.Lock()
	assert.False(t, p.paused[info.ID])
	p.mu.Unlock()
}

func TestListFiltersByState(t *testing.T) {
	p := newFakeProvider()
	e := newTestEngine(t, p)
	info, err := e.Create(context.Background(), validRequest())
	require.NoError(t, err)
	waitForState(t, e, info.ID, types.StateRunning)

	running, err := e.List(context.Background(), Filter{States: []types.SandboxState{types.StateRunning}})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	paused, err := e.List(context.Background(), Filter{States: []types.SandboxState{types.StatePaused}})
	require.NoError(t, err)
	assert.Len(t, paused, 0)
}

func TestPaginateClampsPageSize(t *testing.T) {
	all := make([]types.SandboxInfo, 250)
	for i := range all {
		all[i] = types.SandboxInfo{ID: string(rune('a' + i%26))}
	}
	page := paginate(all, 0, 1000)
	assert.Len(t, page, 200)
}

// unpausableProvider forwards only the four Provider methods, deliberately
// not exposing Pause/Resume, so it does not satisfy provider.PauseResumer —
// exercising the capability-rejection path.
type unpausableProvider struct {
	inner *fakeProvider
}

func (u *unpausableProvider) Create(ctx context.Context, id string, req types.SandboxRequest) (types.SandboxStatus, error) {
	return u.inner.Create(ctx, id, req)
}

func (u *unpausableProvider) Get(ctx context.Context, id string) (types.SandboxStatus, error) {
	return u.inner.Get(ctx, id)
}

func (u *unpausableProvider) List(ctx context.Context) ([]types.SandboxInfo, error) {
	return u.inner.List(ctx)
}

func (u *unpausableProvider) Delete(ctx context.Context, id string) error {
	return u.inner.Delete(ctx, id)
}
