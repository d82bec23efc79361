package egress

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensandbox/sandboxd/pkg/types"
)

func TestShouldInject(t *testing.T) {
	assert.False(t, ShouldInject(nil))
	assert.True(t, ShouldInject(&types.NetworkPolicy{}))
}

func TestBuildSidecarNilPolicy(t *testing.T) {
	sidecar, err := BuildSidecar(nil, "egress:latest")
	assert.NoError(t, err)
	assert.Nil(t, sidecar)
}

func TestBuildSidecarSerializesPolicy(t *testing.T) {
	policy := &types.NetworkPolicy{
		DefaultAction: types.ActionDeny,
		Egress: []types.NetworkRule{
			{Action: types.ActionAllow, Target: "api.example.com"},
		},
	}
	sidecar, err := BuildSidecar(policy, "egress:latest")
	assert.NoError(t, err)
	assert.Equal(t, sidecarContainerName, sidecar.Name)
	assert.Equal(t, "egress:latest", sidecar.Image)
	assert.Contains(t, sidecar.SecurityContext.AddCapabilities, netAdminCapability)

	var found bool
	for _, env := range sidecar.Env {
		if env.Name == egressRulesEnvVar {
			found = true
			assert.Contains(t, env.Value, "api.example.com")
		}
	}
	assert.True(t, found)
}

func TestMainContainerSecurityContext(t *testing.T) {
	assert.Equal(t, SecurityContext{}, MainContainerSecurityContext(nil))
	sc := MainContainerSecurityContext(&types.NetworkPolicy{})
	assert.Contains(t, sc.DropCapabilities, netAdminCapability)
}

func TestPodSysctlsNilPolicyPassesThrough(t *testing.T) {
	existing := []Sysctl{{Name: "net.core.somaxconn", Value: "1024"}}
	assert.Equal(t, existing, PodSysctls(existing, nil))
}

func TestPodSysctlsMergesByNameLastWriteWins(t *testing.T) {
	existing := []Sysctl{{Name: "net.ipv6.conf.all.disable_ipv6", Value: "0"}}
	merged := PodSysctls(existing, &types.NetworkPolicy{})

	byName := make(map[string]string, len(merged))
	for _, s := range merged {
		byName[s.Name] = s.Value
	}
	assert.Equal(t, "1", byName["net.ipv6.conf.all.disable_ipv6"])
	assert.Equal(t, "1", byName["net.ipv6.conf.default.disable_ipv6"])
	assert.Equal(t, "1", byName["net.ipv6.conf.lo.disable_ipv6"])
	assert.Len(t, merged, 3)
}
