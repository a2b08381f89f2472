// Package observability provides Prometheus metrics and OpenTelemetry tracing
// around the execution engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for pybox.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Execution metrics.
	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    *prometheus.HistogramVec
	ActiveExecutions     prometheus.Gauge
	ProvisioningFailures *prometheus.CounterVec
	TeardownAnomalies    prometheus.Counter
	OutputTruncations    *prometheus.CounterVec

	// Tool admission.
	AdmissionWaitDuration prometheus.Histogram

	// HTTP API metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Name:      "executions_total",
			Help:      "Total executions by outcome kind.",
		}, []string{"kind"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pybox",
			Name:      "execution_duration_seconds",
			Help:      "Execution time from acceptance to teardown start.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"kind"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pybox",
			Name:      "active_executions",
			Help:      "Executions currently in flight.",
		}),

		ProvisioningFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Name:      "provisioning_failures_total",
			Help:      "Environments that could not be provisioned, by reason.",
		}, []string{"reason"}),

		TeardownAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pybox",
			Name:      "teardown_anomalies_total",
			Help:      "Cleanup steps that failed during teardown.",
		}),

		OutputTruncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Name:      "output_truncations_total",
			Help:      "Captured streams cut at the output cap.",
		}, []string{"stream"}),

		AdmissionWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pybox",
			Subsystem: "tool",
			Name:      "admission_wait_seconds",
			Help:      "Time a tool call waited for an execution slot.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pybox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pybox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.ProvisioningFailures,
		m.TeardownAnomalies,
		m.OutputTruncations,
		m.AdmissionWaitDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}
