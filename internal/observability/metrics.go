package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the sandbox core.
// Uses a custom registry, no global state. The collector is recorded
// into by the executor and validator paths; exposing the registry over
// HTTP is the host's job, never this subsystem's.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec

	// Validation metrics.
	SecurityChecksTotal *prometheus.CounterVec

	// Resource bookkeeping.
	ActiveResources prometheus.Gauge
	CleanupsTotal   *prometheus.CounterVec

	// HTTP host metrics (serve mode).
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions by backend and outcome.",
		}, []string{"backend", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"backend"}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total command validations by result.",
		}, []string{"result"}),

		ActiveResources: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "active_resources",
			Help:      "Backend resources registered and awaiting cleanup.",
		}),

		CleanupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "sandbox",
			Name:      "cleanups_total",
			Help:      "Total resource cleanups by backend.",
		}, []string{"backend"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests to the host API.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ngome",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SecurityChecksTotal,
		m.ActiveResources,
		m.CleanupsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
