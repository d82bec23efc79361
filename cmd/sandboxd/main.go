package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opensandbox/sandboxd/pkg/config"
	"github.com/opensandbox/sandboxd/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	reload     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "sandboxd runs the sandbox lifecycle control plane",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"sandboxd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the TOML config file (overrides SANDBOX_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&reload, "reload", false, "accepted but has no effect: the config file is read once at startup")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the sandbox control plane server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("sandboxd version %s (%s, built %s)\n", Version, Commit, BuildTime)
		return nil
	},
}

// configError and runtimeError distinguish exit code 1 (config error) from
// exit code 2 (provider/server init error) per the CLI's documented
// contract; cobra's own flag-parsing failures fall through to exit 1.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type runtimeError struct{ err error }

func (e *runtimeError) Error() string { return e.err.Error() }
func (e *runtimeError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var cfgErr *configError
	var rtErr *runtimeError
	switch {
	case asErr(err, &cfgErr):
		return 1
	case asErr(err, &rtErr):
		return 2
	default:
		return 1
	}
}

func asErr(err error, target any) bool {
	switch t := target.(type) {
	case **configError:
		e, ok := err.(*configError)
		if ok {
			*t = e
		}
		return ok
	case **runtimeError:
		e, ok := err.(*runtimeError)
		if ok {
			*t = e
		}
		return ok
	}
	return false
}

func runServe(ctx context.Context) error {
	path, err := config.ResolvePath(configPath)
	if err != nil {
		return &configError{err}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return &configError{err}
	}

	log.Init(log.Config{Level: log.Level(cfg.Server.LogLevel), JSONOutput: true})
	logger := log.WithComponent("cmd")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := newServerProcess(cfg)
	if err != nil {
		return &runtimeError{err}
	}

	logger.Info().Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Msg("starting sandboxd")
	errCh := make(chan error, 1)
	go func() { errCh <- srv.run(sigCtx) }()

	select {
	case <-sigCtx.Done():
		logger.Info().Msg("shutdown signal received")
		return srv.shutdown()
	case err := <-errCh:
		if err != nil {
			return &runtimeError{err}
		}
		return nil
	}
}
