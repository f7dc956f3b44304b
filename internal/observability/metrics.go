// Package observability provides metrics and tracing for the sandbox
// subsystem. Everything lives on injected instances — no globals.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the sandbox.
// Uses a custom registry — no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Sandbox run metrics.
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	// External function metrics.
	ExternalCallsTotal   *prometheus.CounterVec
	ExternalCallDuration *prometheus.HistogramVec

	// Output gating.
	TruncationsTotal prometheus.Counter

	// Session metrics.
	ActiveSessions prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics
// registered on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readlens",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Total sandbox runs.",
		}, []string{"status"}),

		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "readlens",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Sandbox run duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		ExternalCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readlens",
			Subsystem: "sandbox",
			Name:      "external_calls_total",
			Help:      "Total external function invocations.",
		}, []string{"function", "status"}),

		ExternalCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "readlens",
			Subsystem: "sandbox",
			Name:      "external_call_duration_seconds",
			Help:      "External function duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),

		TruncationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "readlens",
			Subsystem: "sandbox",
			Name:      "output_truncations_total",
			Help:      "Results truncated by the output size gate.",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "readlens",
			Subsystem: "session",
			Name:      "active",
			Help:      "Chat sessions currently open.",
		}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ExternalCallsTotal,
		m.ExternalCallDuration,
		m.TruncationsTotal,
		m.ActiveSessions,
	)
	return m
}
