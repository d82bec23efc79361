package validate

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opensandbox/sandboxd/pkg/apierr"
	"github.com/opensandbox/sandboxd/pkg/types"
)

func TestEntrypoint(t *testing.T) {
	assert.NoError(t, Entrypoint([]string{"echo", "hi"}))

	err := Entrypoint(nil)
	apiErr, ok := apierr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apierr.CodeInvalidEntrypoint, apiErr.Code)
}

func TestMetadataLabels(t *testing.T) {
	tests := []struct {
		name    string
		labels  map[string]string
		wantErr bool
	}{
		{"empty is valid", nil, false},
		{"simple key/value", map[string]string{"team": "infra"}, false},
		{"prefixed key", map[string]string{"example.com/team": "infra"}, false},
		{"invalid key chars", map[string]string{"team!": "infra"}, true},
		{"value too long", map[string]string{"team": string(make([]byte, 64))}, true},
		{"empty prefix", map[string]string{"/team": "infra"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MetadataLabels(tt.labels)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFutureExpiration(t *testing.T) {
	now := time.Now()
	assert.NoError(t, FutureExpiration(now.Add(time.Minute), now))
	assert.Error(t, FutureExpiration(now.Add(-time.Minute), now))
	assert.Error(t, FutureExpiration(now, now))
}

func TestHostPath(t *testing.T) {
	tmpDir := t.TempDir()
	cacheDir := filepath.Join(tmpDir, "cache")
	if err := os.Mkdir(cacheDir, 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		path    string
		allowed []string
		wantErr bool
	}{
		{"absolute ok, no allowlist", cacheDir, nil, false},
		{"relative rejected", "data/cache", nil, true},
		{"traversal rejected", "/data/../etc", nil, true},
		{"double slash rejected", "/data//cache", nil, true},
		{"trailing slash rejected", "/data/cache/", nil, true},
		{"within allowlist", cacheDir, []string{tmpDir}, false},
		{"outside allowlist", "/etc/passwd", []string{tmpDir}, true},
		{"nonexistent path rejected", filepath.Join(tmpDir, "missing"), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := HostPath(tt.path, tt.allowed)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubPath(t *testing.T) {
	assert.NoError(t, SubPath(""))
	assert.NoError(t, SubPath("logs/app.log"))
	assert.Error(t, SubPath("/logs"))
	assert.Error(t, SubPath("../etc"))
}

func TestVolumesDuplicateNames(t *testing.T) {
	volumes := []types.Volume{
		{Name: "cache", MountPath: "/cache", Host: &types.HostVolumeSource{Path: "/data"}},
		{Name: "cache", MountPath: "/cache2", Host: &types.HostVolumeSource{Path: "/data2"}},
	}
	err := Volumes(volumes, nil)
	apiErr, ok := apierr.As(err)
	assert.True(t, ok)
	assert.Equal(t, apierr.CodeDuplicateVolumeName, apiErr.Code)
}

func TestVolumesExactlyOneBackend(t *testing.T) {
	none := []types.Volume{{Name: "v", MountPath: "/v"}}
	assert.Error(t, Volumes(none, nil))

	both := []types.Volume{{
		Name:      "v",
		MountPath: "/v",
		Host:      &types.HostVolumeSource{Path: "/data"},
		PVC:       &types.PVCVolumeSource{ClaimName: "claim"},
	}}
	assert.Error(t, Volumes(both, nil))

	ok := []types.Volume{{Name: "v", MountPath: "/v", PVC: &types.PVCVolumeSource{ClaimName: "claim"}}}
	assert.NoError(t, Volumes(ok, nil))
}

func TestEgressConfigured(t *testing.T) {
	assert.NoError(t, EgressConfigured(nil, ""))
	assert.Error(t, EgressConfigured(&types.NetworkPolicy{}, ""))
	assert.NoError(t, EgressConfigured(&types.NetworkPolicy{}, "egress:latest"))
}
