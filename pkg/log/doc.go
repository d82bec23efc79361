/*
Package log provides structured logging for sandboxd using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. Logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all sandboxd packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithSandboxID: Add sandbox ID context
  - WithRuntime: Add runtime backend context

# Usage

Initializing the Logger:

	import "github.com/opensandbox/sandboxd/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple Logging:

	log.Info("sandboxd starting")
	log.Debug("checking provider health")
	log.Warn("expiration cycle took longer than expected")
	log.Error("failed to connect to containerd")

Structured Logging:

	log.Logger.Info().
		Str("sandbox_id", "sbx-123").
		Str("runtime", "direct-daemon").
		Msg("sandbox created")

Component Loggers:

	apiLog := log.WithComponent("httpapi")
	apiLog.Info().Msg("listening")

	sbxLog := log.WithSandboxID("sbx-123").
		With().Str("runtime", "kubernetes").Logger()
	sbxLog.Info().Msg("sandbox provisioned")

# Integration Points

This package integrates with:

  - pkg/lifecycle: logs create/get/delete/renew/pause/resume operations
  - pkg/provider: logs backend-specific provisioning and teardown
  - pkg/httpapi: logs request handling and error responses
  - cmd/sandboxd: initializes the logger from pkg/config at startup

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Include context (sandbox ID, runtime)

Don't:
  - Log sensitive data (secrets, credentials, tokens)
  - Use Debug level in production
  - Concatenate strings (use .Str, .Int)
*/
package log
