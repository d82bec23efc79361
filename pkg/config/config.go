// Package config loads and validates the engine's TOML configuration file.
// Decoding uses github.com/BurntSushi/toml directly rather than a config
// framework: the section shapes below are plain structs with a handful of
// cross-field rules, not a tree deep enough to need a layered loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ServerConfig is the `[server]` section.
type ServerConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	LogLevel string `toml:"log_level"`
	APIKey   string `toml:"api_key"`
}

// RuntimeConfig is the `[runtime]` section.
type RuntimeConfig struct {
	Type                string `toml:"type"`
	ExecdImage          string `toml:"execd_image"`
	AsyncWorkers        int    `toml:"async_workers"`
	CreateRetryAttempts int    `toml:"create_retry_attempts"`
}

// DockerConfig is the `[docker]` section, consulted only when
// runtime.type == "docker".
type DockerConfig struct {
	NetworkMode       string   `toml:"network_mode"`
	CapDrop           []string `toml:"cap_drop"`
	AppArmorProfile   string   `toml:"apparmor_profile"`
	SeccompProfile    string   `toml:"seccomp_profile"`
	PidsLimit         int64    `toml:"pids_limit"`
	NoNewPrivileges   bool     `toml:"no_new_privileges"`
}

// KubernetesConfig is the `[kubernetes]` section, consulted only when
// runtime.type == "kubernetes".
type KubernetesConfig struct {
	KubeconfigPath   string `toml:"kubeconfig_path"`
	Namespace        string `toml:"namespace"`
	ServiceAccount   string `toml:"service_account"`
	WorkloadProvider string `toml:"workload_provider"`
	TemplateFile     string `toml:"template_file"`
}

// RouterConfig is the `[router]` section. Exactly one of Domain or
// WildcardDomain must be set.
type RouterConfig struct {
	Domain         string `toml:"domain"`
	WildcardDomain string `toml:"wildcard-domain"`
}

// StorageConfig is the `[storage]` section.
type StorageConfig struct {
	AllowedHostPaths []string `toml:"allowed_host_paths"`
}

// EgressConfig is the `[egress]` section.
type EgressConfig struct {
	Image string `toml:"image"`
}

// Config is the fully decoded and validated configuration tree.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Runtime    RuntimeConfig    `toml:"runtime"`
	Docker     DockerConfig     `toml:"docker"`
	Kubernetes KubernetesConfig `toml:"kubernetes"`
	Router     RouterConfig     `toml:"router"`
	Storage    StorageConfig    `toml:"storage"`
	Egress     EgressConfig     `toml:"egress"`
}

const (
	defaultHost                = "0.0.0.0"
	defaultPort                = 8080
	defaultAsyncWorkers        = 4
	defaultCreateRetryAttempts = 3
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:     defaultHost,
			Port:     defaultPort,
			LogLevel: "info",
		},
		Runtime: RuntimeConfig{
			AsyncWorkers:        defaultAsyncWorkers,
			CreateRetryAttempts: defaultCreateRetryAttempts,
		},
	}
}

// Load reads and validates the config file at path, applying defaults for
// any field the file omits.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath returns the config path to use, honoring --config, then
// $SANDBOX_CONFIG_PATH, then ~/.sandbox.toml.
func ResolvePath(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if env := os.Getenv("SANDBOX_CONFIG_PATH"); env != "" {
		return env, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve default path: %w", err)
	}
	return filepath.Join(home, ".sandbox.toml"), nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range 1-65535", cfg.Server.Port)
	}
	switch cfg.Runtime.Type {
	case "docker", "kubernetes":
	default:
		return fmt.Errorf("config: runtime.type must be 'docker' or 'kubernetes', got %q", cfg.Runtime.Type)
	}
	if cfg.Runtime.ExecdImage == "" {
		return fmt.Errorf("config: runtime.execd_image must not be empty")
	}
	if cfg.Runtime.Type == "kubernetes" {
		if cfg.Kubernetes.Namespace == "" {
			return fmt.Errorf("config: kubernetes.namespace is required when runtime.type = kubernetes")
		}
	} else if hasKubernetesSection(cfg.Kubernetes) {
		return fmt.Errorf("config: [kubernetes] section must be absent when runtime.type = docker")
	}

	hasDomain := cfg.Router.Domain != ""
	hasWildcard := cfg.Router.WildcardDomain != ""
	if hasDomain == hasWildcard {
		return fmt.Errorf("config: router requires exactly one of domain or wildcard-domain")
	}
	return nil
}

func hasKubernetesSection(k KubernetesConfig) bool {
	return k.KubeconfigPath != "" || k.Namespace != "" || k.ServiceAccount != "" ||
		k.WorkloadProvider != "" || k.TemplateFile != ""
}
