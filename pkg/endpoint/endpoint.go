// Package endpoint formats the external URL a sandbox's exposed port is
// reached through, given the router configuration resolved at startup.
// Deliberately stdlib-only: fmt already expresses the full formatting rule,
// so a templating or URL-building dependency adds nothing here.
package endpoint

import (
	"fmt"

	"github.com/opensandbox/sandboxd/pkg/config"
	"github.com/opensandbox/sandboxd/pkg/types"
)

// Build resolves the external Endpoint for one backend-exposed "host:port",
// per the router's configured mode. Exactly one of router.Domain or
// router.WildcardDomain is set (enforced by config.validate), so the branch
// below is total.
func Build(router config.RouterConfig, sandboxID string, port int, host string) types.Endpoint {
	if router.Domain != "" {
		return types.Endpoint{
			Port:        port,
			Protocol:    "https",
			URL:         fmt.Sprintf("https://%s/sandboxes/%s/port/%d", router.Domain, sandboxID, port),
			Header:      "X-Sandbox-Endpoint",
			HeaderValue: fmt.Sprintf("%s:%d", host, port),
		}
	}
	return types.Endpoint{
		Port:     port,
		Protocol: "https",
		URL:      fmt.Sprintf("https://%s-%d.%s", sandboxID, port, wildcardBase(router.WildcardDomain)),
	}
}

// BuildAll resolves one Endpoint per port via Build, in the order given.
func BuildAll(router config.RouterConfig, sandboxID string, ports []int, host string) []types.Endpoint {
	out := make([]types.Endpoint, 0, len(ports))
	for _, port := range ports {
		out = append(out, Build(router, sandboxID, port, host))
	}
	return out
}

// wildcardBase strips a leading "*." from a pattern like "*.example.io",
// leaving the base domain the per-sandbox subdomain is prefixed onto.
func wildcardBase(pattern string) string {
	if len(pattern) > 2 && pattern[0] == '*' && pattern[1] == '.' {
		return pattern[2:]
	}
	return pattern
}
