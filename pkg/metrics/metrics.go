package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandbox population metrics
	SandboxesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandboxd_sandboxes_total",
			Help: "Total number of sandboxes by runtime and state",
		},
		[]string{"runtime", "state"},
	)

	PendingSandboxesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_pending_sandboxes_total",
			Help: "Total number of sandboxes awaiting asynchronous provisioning",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Lifecycle operation metrics
	SandboxCreateDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_sandbox_create_duration_seconds",
			Help:    "Time taken to create a sandbox in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	SandboxDeleteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_sandbox_delete_duration_seconds",
			Help:    "Time taken to delete a sandbox in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runtime"},
	)

	SandboxesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_sandboxes_created_total",
			Help: "Total number of sandboxes successfully created",
		},
		[]string{"runtime"},
	)

	SandboxesCreateFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_sandboxes_create_failed_total",
			Help: "Total number of sandbox create attempts that failed",
		},
		[]string{"runtime", "code"},
	)

	SandboxesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_sandboxes_expired_total",
			Help: "Total number of sandboxes reaped by the expiration ticker",
		},
	)

	// Expiration ticker metrics
	ExpirationCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_expiration_cycle_duration_seconds",
			Help:    "Time taken for an expiration ticker pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExpirationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_expiration_cycles_total",
			Help: "Total number of expiration ticker passes completed",
		},
	)

	// Egress sidecar metrics
	EgressSidecarsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_egress_sidecars_total",
			Help: "Total number of active egress sidecars",
		},
	)

	// Backend retry metrics
	BackendRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_backend_retries_total",
			Help: "Total number of backend operation retries by operation",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(SandboxesTotal)
	prometheus.MustRegister(PendingSandboxesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(SandboxCreateDuration)
	prometheus.MustRegister(SandboxDeleteDuration)
	prometheus.MustRegister(SandboxesCreatedTotal)
	prometheus.MustRegister(SandboxesCreateFailedTotal)
	prometheus.MustRegister(SandboxesExpiredTotal)
	prometheus.MustRegister(ExpirationCycleDuration)
	prometheus.MustRegister(ExpirationCyclesTotal)
	prometheus.MustRegister(EgressSidecarsTotal)
	prometheus.MustRegister(BackendRetriesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
