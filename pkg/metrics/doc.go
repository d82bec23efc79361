/*
Package metrics provides Prometheus metrics collection and exposition for sandboxd.

The metrics package defines and registers all sandboxd metrics using the
Prometheus client library, giving observability into sandbox population,
lifecycle operation latency, and API request volume. Metrics are exposed via
an HTTP endpoint for scraping by Prometheus servers.

# Core Components

Metric Registry:
  - Global Prometheus DefaultRegistry
  - All metrics registered at package init
  - Thread-safe for concurrent updates

Timer Helper:
  - Convenience wrapper for timing operations
  - Start timer, observe duration to a histogram
  - Supports label values for histogram vectors

# Metrics Catalog

Sandbox Population:

sandboxd_sandboxes_total{runtime, state}:
  - Type: Gauge
  - Description: Total sandboxes by runtime backend and lifecycle state
  - Populated by the periodic Collector, not inline on every request

sandboxd_pending_sandboxes_total:
  - Type: Gauge
  - Description: Sandboxes awaiting asynchronous provisioning

API Metrics:

sandboxd_api_requests_total{method, status}:
  - Type: Counter
  - Description: Total API requests by method and status

sandboxd_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds

Lifecycle Operation Metrics:

sandboxd_sandbox_create_duration_seconds{runtime}:
  - Type: Histogram
  - Description: Time taken to create a sandbox

sandboxd_sandbox_delete_duration_seconds{runtime}:
  - Type: Histogram
  - Description: Time taken to delete a sandbox

sandboxd_sandboxes_created_total{runtime}:
  - Type: Counter
  - Description: Total sandboxes successfully created

sandboxd_sandboxes_create_failed_total{runtime, code}:
  - Type: Counter
  - Description: Total create attempts that failed, by error code

sandboxd_sandboxes_expired_total:
  - Type: Counter
  - Description: Total sandboxes reaped by the expiration ticker

Expiration Ticker Metrics:

sandboxd_expiration_cycle_duration_seconds:
  - Type: Histogram
  - Description: Time taken for one expiration ticker pass

sandboxd_expiration_cycles_total:
  - Type: Counter
  - Description: Total expiration ticker passes completed

Egress Sidecar Metrics:

sandboxd_egress_sidecars_total:
  - Type: Gauge
  - Description: Active egress sidecars across all sandboxes

Backend Retry Metrics:

sandboxd_backend_retries_total{operation}:
  - Type: Counter
  - Description: Backend operation retries by operation name

# Usage

Updating Gauge Metrics:

	import "github.com/opensandbox/sandboxd/pkg/metrics"

	metrics.PendingSandboxesTotal.Inc()
	metrics.EgressSidecarsTotal.Dec()

Updating Counter Metrics:

	metrics.APIRequestsTotal.WithLabelValues("CreateSandbox", "200").Add(1)
	metrics.SandboxesCreatedTotal.WithLabelValues("direct-daemon").Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.SandboxCreateDuration, "kubernetes")

Exposing the Endpoint:

	http.Handle("/metrics", metrics.Handler())

# Integration Points

This package integrates with:

  - pkg/lifecycle: records create duration, the created/failed/expired
    counters, the pending gauge, and expiration cycle metrics
  - pkg/httpapi: instruments request count and duration per method
  - Collector (collector.go): polls pkg/lifecycle.Engine per runtime and
    republishes sandboxd_sandboxes_total independent of request volume

SandboxDeleteDuration, EgressSidecarsTotal and BackendRetriesTotal are
registered and exported, but no package updates them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init() via MustRegister
  - Ensures metrics are available before main() runs

Label Discipline:
  - Use WithLabelValues for cardinality-bounded labels (runtime, state, method)
  - Avoid high-cardinality labels (sandbox IDs, timestamps)

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
