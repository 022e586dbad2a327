package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordModelCall("gpt", "success", 200*time.Millisecond)
	m.RecordModelCall("gpt", "success", time.Second)
	m.RecordModelCall("gpt", "error", time.Second)
	m.RecordToolExecution("get_weather", "success", 10*time.Millisecond)
	m.RecordToolExecution("get_weather", "rejected", 0)
	m.RecordInterrupt("raised")
	m.RecordTokens("gpt", 12, 30)
	m.RecordStreamEvent("messages")
	m.RecordUsageIngestError()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ModelCalls.WithLabelValues("gpt", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCalls.WithLabelValues("gpt", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.ToolExecutions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interrupts.WithLabelValues("raised")))
	assert.Equal(t, 12.0, testutil.ToFloat64(m.Tokens.WithLabelValues("gpt", "input")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.Tokens.WithLabelValues("gpt", "output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamEvents.WithLabelValues("messages")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UsageIngestErrors))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordModelCall("m", "success", time.Second)
		m.RecordToolExecution("t", "error", time.Second)
		m.RecordInterrupt("raised")
		m.RecordTokens("m", 1, 1)
		m.RecordStreamEvent("custom")
		m.RecordUsageIngestError()
	})
}

func TestNewTracerProviderWithoutEndpoint(t *testing.T) {
	tp, shutdown, err := NewTracerProvider(context.Background(), TraceConfig{})
	require.NoError(t, err)
	require.NotNil(t, tp)
	_, span := tp.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestRecordError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	RecordError(span, nil)
	RecordError(span, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), Sampler(1).Description())
	assert.Equal(t, sdktrace.NeverSample().Description(), Sampler(0).Description())
	assert.Contains(t, Sampler(0.5).Description(), "TraceIDRatioBased")
}
