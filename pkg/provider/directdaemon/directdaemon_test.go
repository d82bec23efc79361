package directdaemon

import (
	"testing"

	"github.com/containerd/containerd"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensandbox/sandboxd/pkg/types"
)

func TestMapState(t *testing.T) {
	assert.Equal(t, types.StateRunning, mapState(containerd.Running, 0))
	assert.Equal(t, types.StatePaused, mapState(containerd.Paused, 0))
	assert.Equal(t, types.StateTerminated, mapState(containerd.Stopped, 0))
	assert.Equal(t, types.StateFailed, mapState(containerd.Stopped, 1))
	assert.Equal(t, types.StatePending, mapState(containerd.Created, 0))
}

func TestEnvSlice(t *testing.T) {
	out := envSlice(map[string]string{"FOO": "bar"})
	require.Len(t, out, 1)
	assert.Equal(t, "FOO=bar", out[0])
}

func TestVolumeMountsSkipsNonHostVolumes(t *testing.T) {
	volumes := []types.Volume{
		{Name: "pvc", MountPath: "/pvc", PVC: &types.PVCVolumeSource{ClaimName: "claim-a"}},
		{Name: "host", MountPath: "/data", Host: &types.HostVolumeSource{Path: "/srv/data"}},
	}
	mounts, err := volumeMounts(volumes)
	require.NoError(t, err)
	require.Len(t, mounts, 1)
	assert.Equal(t, "/srv/data", mounts[0].Source)
	assert.Equal(t, "/data", mounts[0].Destination)
	assert.Equal(t, "bind", mounts[0].Type)
}

func TestParseCPU(t *testing.T) {
	val, ok := parseCPU("1.5")
	require.True(t, ok)
	assert.InDelta(t, 1.5, val, 0.0001)

	_, ok = parseCPU("")
	assert.False(t, ok)
}

func TestParseMemory(t *testing.T) {
	val, ok := parseMemory("512Mi")
	require.True(t, ok)
	assert.Equal(t, uint64(512*1024*1024), val)

	val, ok = parseMemory("2Gi")
	require.True(t, ok)
	assert.Equal(t, uint64(2*1024*1024*1024), val)

	_, ok = parseMemory("")
	assert.False(t, ok)
}

func TestWithDroppedCapabilitiesFiltersBoundingSet(t *testing.T) {
	spec := &specs.Spec{
		Process: &specs.Process{
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  []string{"CAP_NET_ADMIN", "CAP_SYS_ADMIN"},
				Effective: []string{"CAP_NET_ADMIN", "CAP_SYS_ADMIN"},
				Permitted: []string{"CAP_NET_ADMIN", "CAP_SYS_ADMIN"},
			},
		},
	}
	opt := withDroppedCapabilities([]string{"CAP_SYS_ADMIN"})
	require.NoError(t, opt(nil, nil, nil, spec))
	assert.Equal(t, []string{"CAP_NET_ADMIN"}, spec.Process.Capabilities.Bounding)
	assert.Equal(t, []string{"CAP_NET_ADMIN"}, spec.Process.Capabilities.Effective)
	assert.Equal(t, []string{"CAP_NET_ADMIN"}, spec.Process.Capabilities.Permitted)
}

func TestWithDroppedCapabilitiesNoopWithoutCapabilities(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	opt := withDroppedCapabilities([]string{"CAP_SYS_ADMIN"})
	assert.NoError(t, opt(nil, nil, nil, spec))
}
