package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledWithInjectedExporters(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	spans := tracetest.NewInMemoryExporter()
	cfg := enabledConfig()
	cfg.Metrics.Enabled = false
	tel, err := New(context.Background(), cfg, WithTraceExporter(spans))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	_, span := tel.Tracer("planhub.test").Start(context.Background(), "UpdateTask")
	span.SetAttributes(attribute.String("task.id", "EDGAR"))
	span.End()
	require.NoError(t, tel.ForceFlush(context.Background()))

	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "UpdateTask", got[0].Name)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.Health().Healthy)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.False(t, tel.IsEnabled())
	assert.True(t, tel.Health().Degraded)
	tel.SetLoggerProvider(noop.NewLoggerProvider())
}

func TestTelemetry_SetLoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	lp := noop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}

func TestTelemetry_ShutdownHonoursDeadline(t *testing.T) {
	tt := NewTestTelemetry()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	assert.NoError(t, tt.Shutdown(ctx))
}

func TestTelemetry_Degraded(t *testing.T) {
	tel := &Telemetry{config: enabledConfig()}
	tel.healthy.Store(true)
	tel.setDegraded("tracer provider failed: %v", "boom")

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.True(t, h.Degraded)
	assert.Equal(t, "tracer provider failed: boom", h.Reason)
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer("test")

	_, span := tracer.Start(context.Background(), "GetState")
	span.SetAttributes(
		attribute.String("plan.key", "k"),
		attribute.Int64("attempts", 2),
		attribute.Bool("published", true),
		attribute.Float64("ratio", 0.5),
	)
	span.End()

	tt.AssertSpanExists(t, "GetState")
	tt.AssertSpanAttribute(t, "GetState", "plan.key", "k")
	tt.AssertSpanAttribute(t, "GetState", "attempts", int64(2))
	tt.AssertSpanAttribute(t, "GetState", "published", true)
	tt.AssertSpanAttribute(t, "GetState", "ratio", 0.5)
	assert.Nil(t, tt.SpanByName("missing"))
	assert.Equal(t, []string{"GetState"}, tt.spanNames())
}

func TestTestTelemetry_Metrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	counter, err := tt.Meter("test").Int64Counter("planhub.test.count")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	require.NoError(t, tt.MetricReader.ForceFlush(ctx))
	collected := tt.MetricReader.Metrics()
	require.Len(t, collected, 1)
	require.NotEmpty(t, collected[0].ScopeMetrics)
	assert.Equal(t, "planhub.test.count", collected[0].ScopeMetrics[0].Metrics[0].Name)

	assert.NoError(t, tt.MetricReader.Shutdown(ctx))
}
