// Package egress composes the sidecar container and pod-level settings that
// enforce a sandbox's NetworkPolicy when the backend cannot enforce it
// natively.
package egress

import (
	"encoding/json"
	"fmt"

	"github.com/opensandbox/sandboxd/pkg/types"
)

// EnvVar is a minimal container env entry, independent of any particular
// backend's pod-spec types.
type EnvVar struct {
	Name  string
	Value string
}

// SecurityContext mirrors the handful of pod/container security knobs the
// egress sidecar and main container negotiate between them.
type SecurityContext struct {
	AddCapabilities  []string
	DropCapabilities []string
}

// Sidecar is the composed egress sidecar container description, backend
// agnostic so both the direct-daemon and cluster providers can render it
// into their own pod/task spec shape.
type Sidecar struct {
	Name            string
	Image           string
	Env             []EnvVar
	SecurityContext SecurityContext
}

// Sysctl is one pod-level sysctl setting.
type Sysctl struct {
	Name  string
	Value string
}

const (
	sidecarContainerName = "egress"
	egressRulesEnvVar     = "OPENSANDBOX_EGRESS_RULES"
	netAdminCapability    = "NET_ADMIN"
)

// disableIPv6Sysctls is the fixed set of pod-level sysctls applied whenever
// an egress sidecar is injected, disabling IPv6 so egress rules cannot be
// bypassed over a path the sidecar does not intercept.
var disableIPv6Sysctls = []Sysctl{
	{Name: "net.ipv6.conf.all.disable_ipv6", Value: "1"},
	{Name: "net.ipv6.conf.default.disable_ipv6", Value: "1"},
	{Name: "net.ipv6.conf.lo.disable_ipv6", Value: "1"},
}

// BuildSidecar serializes policy into the sidecar's rules env var and
// returns the sidecar container description. egressImage must already be
// validated non-empty by the caller (see pkg/validate.EgressConfigured).
func BuildSidecar(policy *types.NetworkPolicy, egressImage string) (*Sidecar, error) {
	if policy == nil {
		return nil, nil
	}
	rules, err := json.Marshal(policy)
	if err != nil {
		return nil, fmt.Errorf("egress: marshal network policy: %w", err)
	}
	return &Sidecar{
		Name:  sidecarContainerName,
		Image: egressImage,
		Env: []EnvVar{
			{Name: egressRulesEnvVar, Value: string(rules)},
		},
		SecurityContext: SecurityContext{
			AddCapabilities: []string{netAdminCapability},
		},
	}, nil
}

// MainContainerSecurityContext returns the capability adjustment applied to
// the sandbox's main container when an egress sidecar is present: NET_ADMIN
// moves to the sidecar and is explicitly dropped here.
func MainContainerSecurityContext(policy *types.NetworkPolicy) SecurityContext {
	if policy == nil {
		return SecurityContext{}
	}
	return SecurityContext{DropCapabilities: []string{netAdminCapability}}
}

// PodSysctls returns the pod-level sysctls to merge in when policy is
// non-nil, merged by name with any existing sysctls (last write wins).
func PodSysctls(existing []Sysctl, policy *types.NetworkPolicy) []Sysctl {
	if policy == nil {
		return existing
	}
	byName := make(map[string]string, len(existing)+len(disableIPv6Sysctls))
	order := make([]string, 0, len(existing)+len(disableIPv6Sysctls))
	for _, s := range existing {
		if _, ok := byName[s.Name]; !ok {
			order = append(order, s.Name)
		}
		byName[s.Name] = s.Value
	}
	for _, s := range disableIPv6Sysctls {
		if _, ok := byName[s.Name]; !ok {
			order = append(order, s.Name)
		}
		byName[s.Name] = s.Value
	}
	merged := make([]Sysctl, 0, len(order))
	for _, name := range order {
		merged = append(merged, Sysctl{Name: name, Value: byName[name]})
	}
	return merged
}

// ShouldInject reports whether a sandbox request requires an egress
// sidecar.
func ShouldInject(policy *types.NetworkPolicy) bool {
	return policy != nil
}
