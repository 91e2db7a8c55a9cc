// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom collectors. A nil *Metrics is valid and records
// nothing, which keeps tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	LLMAttempts     *prometheus.CounterVec
	LLMExhausted    *prometheus.CounterVec
	LLMLatency      *prometheus.HistogramVec
	ToolCalls       *prometheus.CounterVec
	ChatRequests    prometheus.Counter
	ChatLatency     prometheus.Histogram
	ChatErrors      *prometheus.CounterVec
	ActiveStreams   prometheus.Gauge
	SessionLogDrops *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		LLMAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_llm_attempts_total",
			Help: "LLM API attempts by call purpose and outcome (ok, retryable, fatal)",
		}, []string{"purpose", "outcome"}),

		LLMExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_llm_keys_exhausted_total",
			Help: "LLM calls that failed on every key in the pool",
		}, []string{"purpose"}),

		LLMLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcproxy_llm_request_duration_seconds",
			Help:    "LLM call latency across all key attempts",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"purpose"}),

		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_mcp_tool_calls_total",
			Help: "MCP tool invocations by tool and status",
		}, []string{"tool", "status"}),

		ChatRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "mcproxy_chat_requests_total",
			Help: "Chat stream requests accepted",
		}),

		ChatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "mcproxy_chat_duration_seconds",
			Help:    "Wall time of a chat turn from first to terminal event",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		ChatErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_chat_errors_total",
			Help: "Chat turn errors by type",
		}, []string{"error_type"}),

		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "mcproxy_chat_streams_active",
			Help: "Chat SSE streams currently open",
		}),

		SessionLogDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mcproxy_session_log_sink_errors_total",
			Help: "Session log entries a sink failed to accept",
		}, []string{"sink"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// LLMAttempt counts one key attempt.
func (m *Metrics) LLMAttempt(purpose, outcome string) {
	if m == nil {
		return
	}
	m.LLMAttempts.WithLabelValues(purpose, outcome).Inc()
}

// LLMCall records a finished rotated call.
func (m *Metrics) LLMCall(purpose string, elapsed time.Duration, exhausted bool) {
	if m == nil {
		return
	}
	m.LLMLatency.WithLabelValues(purpose).Observe(elapsed.Seconds())
	if exhausted {
		m.LLMExhausted.WithLabelValues(purpose).Inc()
	}
}

// ToolCall counts one MCP tool invocation.
func (m *Metrics) ToolCall(tool, status string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, status).Inc()
}

// ChatStarted marks a stream as open and returns a func that closes it.
func (m *Metrics) ChatStarted() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	m.ChatRequests.Inc()
	m.ActiveStreams.Inc()
	return func() {
		m.ActiveStreams.Dec()
		m.ChatLatency.Observe(time.Since(start).Seconds())
	}
}

// ChatError counts a chat turn error.
func (m *Metrics) ChatError(errorType string) {
	if m == nil {
		return
	}
	m.ChatErrors.WithLabelValues(errorType).Inc()
}

// SinkError counts a session log entry a sink rejected.
func (m *Metrics) SinkError(sink string) {
	if m == nil {
		return
	}
	m.SessionLogDrops.WithLabelValues(sink).Inc()
}
