package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	sandboxconfig "github.com/opensandbox/sandboxd/pkg/config"
	"github.com/opensandbox/sandboxd/pkg/httpapi"
	"github.com/opensandbox/sandboxd/pkg/lifecycle"
	"github.com/opensandbox/sandboxd/pkg/log"
	"github.com/opensandbox/sandboxd/pkg/metrics"
	"github.com/opensandbox/sandboxd/pkg/provider"
	"github.com/opensandbox/sandboxd/pkg/provider/batchsandbox"
	"github.com/opensandbox/sandboxd/pkg/provider/directdaemon"
	"github.com/opensandbox/sandboxd/pkg/provider/sandboxcr"
	"github.com/opensandbox/sandboxd/pkg/types"
)

// serverProcess wires one runtime's Provider into a lifecycle.Engine and
// serves the HTTP adapter over it.
type serverProcess struct {
	cfg       *sandboxconfig.Config
	engine    *lifecycle.Engine
	collector *metrics.Collector
	http      *http.Server
}

func newServerProcess(cfg *sandboxconfig.Config) (*serverProcess, error) {
	runtimeType := types.RuntimeType(strings.ToLower(cfg.Runtime.Type))

	if err := registerProvider(cfg); err != nil {
		return nil, err
	}

	backend, err := provider.New(cfg.Runtime.Type)
	if err != nil {
		return nil, err
	}

	engine, err := lifecycle.New(lifecycle.Config{
		Provider:            backend,
		Runtime:             runtimeType,
		AsyncWorkers:        cfg.Runtime.AsyncWorkers,
		CreateRetryAttempts: cfg.Runtime.CreateRetryAttempts,
		AllowedHostPaths:    cfg.Storage.AllowedHostPaths,
		EgressImage:         cfg.Egress.Image,
		Router:              cfg.Router,
	})
	if err != nil {
		return nil, fmt.Errorf("start lifecycle engine: %w", err)
	}

	if err := engine.Restore(context.Background()); err != nil {
		log.WithComponent("cmd").Warn().Err(err).Msg("failed to restore expiration index from backend")
	}

	engines := map[types.RuntimeType]*lifecycle.Engine{runtimeType: engine}
	adapter := httpapi.NewServer(engines, runtimeType, cfg.Server.APIKey)

	collector := metrics.NewCollector(engines)
	collector.Start()

	return &serverProcess{
		cfg:       cfg,
		engine:    engine,
		collector: collector,
		http: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			Handler: adapter,
		},
	}, nil
}

func (s *serverProcess) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *serverProcess) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.collector.Stop()
	if err := s.http.Shutdown(ctx); err != nil {
		return err
	}
	return s.engine.Shutdown()
}

// registerProvider installs the Provider factory selected by runtime.type
// (and, for kubernetes, kubernetes.workload_provider) into the provider
// registry, exactly as each provider package's own Register documents.
func registerProvider(cfg *sandboxconfig.Config) error {
	switch strings.ToLower(cfg.Runtime.Type) {
	case "docker":
		directdaemon.Register(directdaemon.Config{
			NetworkMode:     cfg.Docker.NetworkMode,
			CapDrop:         cfg.Docker.CapDrop,
			AppArmorProfile: cfg.Docker.AppArmorProfile,
			SeccompProfile:  cfg.Docker.SeccompProfile,
			PidsLimit:       cfg.Docker.PidsLimit,
			NoNewPrivileges: cfg.Docker.NoNewPrivileges,
			EgressImage:     cfg.Egress.Image,
		})
		return nil
	case "kubernetes":
		return registerKubernetesProvider(cfg)
	default:
		return fmt.Errorf("unsupported runtime type %q", cfg.Runtime.Type)
	}
}

func registerKubernetesProvider(cfg *sandboxconfig.Config) error {
	restCfg, err := clientcmd.BuildConfigFromFlags("", cfg.Kubernetes.KubeconfigPath)
	if err != nil {
		return fmt.Errorf("load kubeconfig: %w", err)
	}

	dynClient, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return fmt.Errorf("build dynamic client: %w", err)
	}

	baseTemplate, err := loadTemplateFile(cfg.Kubernetes.TemplateFile)
	if err != nil {
		return err
	}

	switch strings.ToLower(cfg.Kubernetes.WorkloadProvider) {
	case "", "batchsandbox":
		batchsandbox.Register(dynClient, batchsandbox.Config{
			Namespace:    cfg.Kubernetes.Namespace,
			ExecdImage:   cfg.Runtime.ExecdImage,
			EgressImage:  cfg.Egress.Image,
			BaseTemplate: baseTemplate,
		})
		return nil
	case "sandboxcr":
		coreClient, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return fmt.Errorf("build core client: %w", err)
		}
		sandboxcr.Register(dynClient, coreClient, sandboxcr.Config{
			Namespace:      cfg.Kubernetes.Namespace,
			ExecdImage:     cfg.Runtime.ExecdImage,
			EgressImage:    cfg.Egress.Image,
			ServiceAccount: cfg.Kubernetes.ServiceAccount,
		})
		return nil
	default:
		return fmt.Errorf("unsupported kubernetes.workload_provider %q", cfg.Kubernetes.WorkloadProvider)
	}
}

func loadTemplateFile(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CR template file: %w", err)
	}
	var tmpl map[string]any
	if err := yaml.Unmarshal(data, &tmpl); err != nil {
		return nil, fmt.Errorf("parse CR template file: %w", err)
	}
	return tmpl, nil
}
