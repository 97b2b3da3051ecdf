// Package monitor provides the Prometheus metrics surface and OpenTelemetry
// tracer wiring. Metrics live on a dedicated registry so tests and embedded
// engines never collide with a process-global one.
package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine exports.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveExecutions  prometheus.Gauge

	CASOpsTotal        *prometheus.CounterVec
	IntegrityFailures  prometheus.Counter
	BlobSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram

	DriftRunsTotal    *prometheus.CounterVec
	ReplayChecksTotal *prometheus.CounterVec

	RequestsInFlight prometheus.Gauge
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reprorun",
				Name:      "executions_total",
				Help:      "Completed executions by scheduler mode and status.",
			},
			[]string{"scheduler", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "reprorun",
				Name:      "execution_duration_seconds",
				Help:      "End-to-end pipeline duration in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"scheduler"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reprorun",
				Name:      "active_executions",
				Help:      "Executions currently in flight.",
			},
		),

		CASOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reprorun",
				Subsystem: "cas",
				Name:      "operations_total",
				Help:      "CAS operations by type.",
			},
			[]string{"op"},
		),

		IntegrityFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "reprorun",
				Subsystem: "cas",
				Name:      "integrity_failures_total",
				Help:      "Objects that failed digest verification on read.",
			},
		),

		BlobSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "reprorun",
				Subsystem: "cas",
				Name:      "blob_size_bytes",
				Help:      "Original size of committed blobs.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "reprorun",
				Name:      "output_size_bytes",
				Help:      "Captured stdout+stderr size per execution.",
				Buckets:   prometheus.ExponentialBuckets(16, 4, 10),
			},
		),

		DriftRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reprorun",
				Name:      "drift_runs_total",
				Help:      "Drift gate runs by outcome.",
			},
			[]string{"outcome"},
		),

		ReplayChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "reprorun",
				Name:      "replay_checks_total",
				Help:      "Replay validations by outcome.",
			},
			[]string{"outcome"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "reprorun",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "HTTP requests currently being processed.",
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveExecutions,
		m.CASOpsTotal,
		m.IntegrityFailures,
		m.BlobSizeBytes,
		m.OutputSizeBytes,
		m.DriftRunsTotal,
		m.ReplayChecksTotal,
		m.RequestsInFlight,
	)

	return m
}

// ObserveExecution records one completed pipeline pass.
func (m *Metrics) ObserveExecution(scheduler, status string, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(scheduler, status).Inc()
	m.ExecutionDuration.WithLabelValues(scheduler).Observe(d.Seconds())
}

// IncCASOp counts one CAS operation.
func (m *Metrics) IncCASOp(op string) {
	m.CASOpsTotal.WithLabelValues(op).Inc()
}

// IncIntegrityFailure counts one failed object verification.
func (m *Metrics) IncIntegrityFailure() {
	m.IntegrityFailures.Inc()
}

// ObserveDriftRun records one drift gate pass or failure.
func (m *Metrics) ObserveDriftRun(ok bool) {
	outcome := "clean"
	if !ok {
		outcome = "drift"
	}
	m.DriftRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveReplay records one replay validation outcome.
func (m *Metrics) ObserveReplay(ok bool) {
	outcome := "match"
	if !ok {
		outcome = "mismatch"
	}
	m.ReplayChecksTotal.WithLabelValues(outcome).Inc()
}
