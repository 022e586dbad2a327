// Package telemetry holds the Prometheus metrics and OpenTelemetry tracing
// setup used by the agent runtime.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the runtime's metric set. A nil *Metrics records nothing, so
// callers never need to guard on it.
type Metrics struct {
	ModelCalls        *prometheus.CounterVec
	ModelCallDuration *prometheus.HistogramVec
	ToolExecutions    *prometheus.CounterVec
	ToolDuration      *prometheus.HistogramVec
	Interrupts        *prometheus.CounterVec
	Tokens            *prometheus.CounterVec
	StreamEvents      *prometheus.CounterVec
	UsageIngestErrors prometheus.Counter
}

// NewMetrics creates the metric set and registers it with reg. A nil reg
// registers with the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModelCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_model_calls_total",
				Help: "Model backend calls by model and status (success, error)",
			},
			[]string{"model", "status"},
		),
		ModelCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_model_call_duration_seconds",
				Help:    "Model backend call latency including retries",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"model"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_tool_executions_total",
				Help: "Tool executions by tool and status (success, error, rejected, invalid)",
			},
			[]string{"tool", "status"},
		),
		ToolDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentrt_tool_duration_seconds",
				Help:    "Tool handler latency",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"tool"},
		),
		Interrupts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_interrupts_total",
				Help: "Interrupts raised and decisions applied (raised, approve, edit, reject)",
			},
			[]string{"outcome"},
		),
		Tokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_tokens_total",
				Help: "Tokens consumed by model and type (input, output)",
			},
			[]string{"model", "type"},
		),
		StreamEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrt_stream_events_total",
				Help: "Stream events delivered by mode",
			},
			[]string{"mode"},
		),
		UsageIngestErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrt_usage_ingest_errors_total",
				Help: "Usage records rejected because counters were inconsistent",
			},
		),
	}
}

// RecordModelCall records one model call, retries included.
func (m *Metrics) RecordModelCall(model, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(model, status).Inc()
	m.ModelCallDuration.WithLabelValues(model).Observe(d.Seconds())
}

// RecordToolExecution records one tool call outcome.
func (m *Metrics) RecordToolExecution(tool, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	if d > 0 {
		m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
	}
}

// RecordInterrupt counts an interrupt lifecycle outcome.
func (m *Metrics) RecordInterrupt(outcome string) {
	if m == nil {
		return
	}
	m.Interrupts.WithLabelValues(outcome).Inc()
}

// RecordTokens adds token counts for model.
func (m *Metrics) RecordTokens(model string, input, output int) {
	if m == nil {
		return
	}
	m.Tokens.WithLabelValues(model, "input").Add(float64(input))
	m.Tokens.WithLabelValues(model, "output").Add(float64(output))
}

// RecordStreamEvent counts a delivered stream event.
func (m *Metrics) RecordStreamEvent(mode string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(mode).Inc()
}

// RecordUsageIngestError counts a rejected usage record.
func (m *Metrics) RecordUsageIngestError() {
	if m == nil {
		return
	}
	m.UsageIngestErrors.Inc()
}
