package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates the gateway's prometheus collectors. A single
// instance is created at startup and shared by the dispatcher.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	Tokens         *prometheus.CounterVec
	StreamChunks   *prometheus.CounterVec
	PluginFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics builds the collector set on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "requests_total",
			Help:      "Completion requests by adapter, model, provider and status.",
		}, []string{"adapter", "model", "provider", "status"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter", "model"}),
		Tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "tokens_total",
			Help:      "Prompt and completion tokens by model.",
		}, []string{"model", "direction"}),
		StreamChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "stream_chunks_total",
			Help:      "Streaming chunks emitted to clients by adapter.",
		}, []string{"adapter"}),
		PluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "plugin_failures_total",
			Help:      "Plugin results with success=false by plugin and phase.",
		}, []string{"plugin", "phase"}),
		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.Requests, m.Duration, m.Tokens, m.StreamChunks, m.PluginFailures)
	return m
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordUsage adds token counts for a completed request.
func (m *Metrics) RecordUsage(model string, prompt, completion int) {
	if prompt > 0 {
		m.Tokens.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		m.Tokens.WithLabelValues(model, "completion").Add(float64(completion))
	}
}
