// Package metrics provides the Prometheus registry and collectors for the
// session manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles all collectors behind one registry.
type Metrics struct {
	registry *prometheus.Registry

	InvocationsTotal  *prometheus.CounterVec
	InvocationsActive prometheus.Gauge

	InferenceRequests *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	CompletionTokens  prometheus.Counter

	SandboxExecs     prometheus.Counter
	ConnectedSockets prometheus.Gauge
	AdmissionRefused prometheus.Counter
}

// New creates the metrics set with its own registry, including Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentica_invocations_total",
			Help: "Invocations finished, by outcome (success, error, cancelled).",
		}, []string{"outcome"}),
		InvocationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentica_invocations_active",
			Help: "Invocation tasks currently running.",
		}),

		InferenceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentica_inference_requests_total",
			Help: "Inference calls issued, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentica_inference_duration_seconds",
			Help:    "Wall time of inference calls.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		CompletionTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentica_completion_tokens_total",
			Help: "Provider-reported completion tokens consumed.",
		}),

		SandboxExecs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentica_sandbox_executions_total",
			Help: "Code blocks executed in sandboxes.",
		}),
		ConnectedSockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentica_connected_sockets",
			Help: "Open multiplexed client sockets.",
		}),
		AdmissionRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentica_admission_refused_total",
			Help: "Invocations refused by the concurrency cap.",
		}),
	}

	m.registry.MustRegister(
		m.InvocationsTotal,
		m.InvocationsActive,
		m.InferenceRequests,
		m.InferenceDuration,
		m.CompletionTokens,
		m.SandboxExecs,
		m.ConnectedSockets,
		m.AdmissionRefused,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
