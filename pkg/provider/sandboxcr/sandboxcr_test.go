package sandboxcr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apimachineryRuntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic/fake"
	corefake "k8s.io/client-go/kubernetes/fake"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/types"
)

func newFakeProvider(t *testing.T) *Provider {
	t.Helper()
	scheme := apimachineryRuntime.NewScheme()
	listKinds := map[schema.GroupVersionResource]string{
		gvr: "SandboxList",
	}
	dynClient := fake.NewSimpleDynamicClientWithCustomListKinds(scheme, listKinds)
	coreClient := corefake.NewSimpleClientset()
	return New(dynClient, coreClient, Config{Namespace: "sandboxes", ExecdImage: "execd:latest"})
}

func validRequest() types.SandboxRequest {
	return types.SandboxRequest{
		Image:      types.ImageSpec{URI: "alpine:latest"},
		Entrypoint: []string{"sleep", "60"},
		Timeout:    60,
	}
}

func TestCreateThenGetReportsPendingWithoutReadyCondition(t *testing.T) {
	p := newFakeProvider(t)
	status, err := p.Create(context.Background(), "sbx-1", validRequest())
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, status.State)

	got, err := p.Get(context.Background(), "sbx-1")
	require.NoError(t, err)
	assert.Equal(t, "SANDBOX_PENDING", got.Reason)
}

func TestCreateRejectsHostPathVolume(t *testing.T) {
	p := newFakeProvider(t)
	req := validRequest()
	req.Volumes = []types.Volume{{Name: "data", MountPath: "/data", Host: &types.HostVolumeSource{Path: "/srv"}}}

	_, err := p.Create(context.Background(), "sbx-2", req)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeUnsupportedVolume, apiErr.Code)
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	p := newFakeProvider(t)
	_, err := p.Get(context.Background(), "does-not-exist")
	assert.True(t, apierr.IsNotFound(err))
}

func TestDeleteIsIdempotentViaNotFound(t *testing.T) {
	p := newFakeProvider(t)
	_, err := p.Create(context.Background(), "sbx-3", validRequest())
	require.NoError(t, err)

	require.NoError(t, p.Delete(context.Background(), "sbx-3"))
	err = p.Delete(context.Background(), "sbx-3")
	assert.True(t, apierr.IsNotFound(err))
}

func TestListReturnsCreatedSandboxes(t *testing.T) {
	p := newFakeProvider(t)
	_, err := p.Create(context.Background(), "sbx-4", validRequest())
	require.NoError(t, err)

	infos, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "sbx-4", infos[0].ID)
}

func TestUpdateExpirationPatchesSpec(t *testing.T) {
	p := newFakeProvider(t)
	_, err := p.Create(context.Background(), "sbx-5", validRequest())
	require.NoError(t, err)

	err = p.UpdateExpiration(context.Background(), "sbx-5", time.Now().Add(time.Hour))
	assert.NoError(t, err)
}
