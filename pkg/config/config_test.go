package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sandbox.toml")
	assert.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
[runtime]
type = "docker"
execd_image = "opensandbox/execd:latest"

[router]
domain = "gateway.example.io"
`)
	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, defaultHost, cfg.Server.Host)
	assert.Equal(t, defaultPort, cfg.Server.Port)
	assert.Equal(t, defaultAsyncWorkers, cfg.Runtime.AsyncWorkers)
	assert.Equal(t, defaultCreateRetryAttempts, cfg.Runtime.CreateRetryAttempts)
}

func TestLoadRejectsBadPort(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 99999

[runtime]
type = "docker"
execd_image = "opensandbox/execd:latest"

[router]
domain = "gateway.example.io"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsUnknownRuntimeType(t *testing.T) {
	path := writeConfig(t, `
[runtime]
type = "podman"
execd_image = "opensandbox/execd:latest"

[router]
domain = "gateway.example.io"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresKubernetesNamespaceForKubernetesRuntime(t *testing.T) {
	path := writeConfig(t, `
[runtime]
type = "kubernetes"
execd_image = "opensandbox/execd:latest"

[router]
domain = "gateway.example.io"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsKubernetesSectionForDockerRuntime(t *testing.T) {
	path := writeConfig(t, `
[runtime]
type = "docker"
execd_image = "opensandbox/execd:latest"

[kubernetes]
namespace = "sandboxes"

[router]
domain = "gateway.example.io"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresExactlyOneRouterMode(t *testing.T) {
	both := writeConfig(t, `
[runtime]
type = "docker"
execd_image = "opensandbox/execd:latest"

[router]
domain = "gateway.example.io"
wildcard-domain = "*.example.io"
`)
	_, err := Load(both)
	assert.Error(t, err)

	neither := writeConfig(t, `
[runtime]
type = "docker"
execd_image = "opensandbox/execd:latest"
`)
	_, err = Load(neither)
	assert.Error(t, err)
}

func TestResolvePathPrefersFlagThenEnv(t *testing.T) {
	path, err := ResolvePath("/explicit/path.toml")
	assert.NoError(t, err)
	assert.Equal(t, "/explicit/path.toml", path)

	t.Setenv("SANDBOX_CONFIG_PATH", "/env/path.toml")
	path, err = ResolvePath("")
	assert.NoError(t, err)
	assert.Equal(t, "/env/path.toml", path)
}
