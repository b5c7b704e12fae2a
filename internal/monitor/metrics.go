package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sketch sandbox.
type Metrics struct {
	Registry *prometheus.Registry

	ValidationsTotal  *prometheus.CounterVec
	ValidationFails   *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ActiveSessions    prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	StatePoolSize     prometheus.Gauge
	BreakerState      prometheus.Gauge
	RequestsInFlight  prometheus.Gauge
	SketchSizeBytes   prometheus.Histogram
	DisplayListBytes  prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbox",
				Name:      "validations_total",
				Help:      "Validation stage outcomes by stage and verdict.",
			},
			[]string{"stage", "verdict"},
		),

		ValidationFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbox",
				Name:      "validation_failures_total",
				Help:      "Rejected candidates by the stage that stopped them.",
			},
			[]string{"stage"},
		),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbox",
				Name:      "executions_total",
				Help:      "Total sandbox sessions by security level and outcome.",
			},
			[]string{"level", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sketchbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox sessions in seconds.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"level"},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbox",
				Name:      "active_sessions",
				Help:      "Number of currently running sandbox sessions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sketchbox",
				Name:      "security_events_total",
				Help:      "Classified security events by type and severity.",
			},
			[]string{"type", "severity"},
		),

		StatePoolSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbox",
				Name:      "interpreter_pool_size",
				Help:      "Number of pre-warmed interpreter states in the pool.",
			},
		),

		BreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbox",
				Name:      "generation_breaker_state",
				Help:      "Generation circuit breaker position (0=closed, 1=open, 2=half_open).",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sketchbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SketchSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sketchbox",
				Name:      "sketch_size_bytes",
				Help:      "Size of submitted sketch source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		DisplayListBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sketchbox",
				Name:      "display_list_bytes",
				Help:      "Size of the produced display list in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ValidationsTotal,
		m.ValidationFails,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ActiveSessions,
		m.SecurityEvents,
		m.StatePoolSize,
		m.BreakerState,
		m.RequestsInFlight,
		m.SketchSizeBytes,
		m.DisplayListBytes,
	)

	return m
}

// RecordValidation records one stage result.
func (m *Metrics) RecordValidation(stage, verdict string) {
	m.ValidationsTotal.WithLabelValues(stage, verdict).Inc()
	if verdict == "fail" {
		m.ValidationFails.WithLabelValues(stage).Inc()
	}
}

// RecordExecution records a finished session.
func (m *Metrics) RecordExecution(level, outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(level, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(level).Observe(durationSec)
}

// RecordSecurityEvent counts a classified event.
func (m *Metrics) RecordSecurityEvent(eventType, severity string) {
	m.SecurityEvents.WithLabelValues(eventType, severity).Inc()
}

// SetBreakerState mirrors the generation breaker position.
func (m *Metrics) SetBreakerState(state int) {
	m.BreakerState.Set(float64(state))
}

// SetPoolSize mirrors the pre-warmed interpreter count.
func (m *Metrics) SetPoolSize(n int) {
	m.StatePoolSize.Set(float64(n))
}
