package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Enabled = true
	require.NoError(t, cfg.Validate())

	cfg.SampleRate = 1.5
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Enabled = true
	cfg.OTLPEndpoint = ""
	require.Error(t, cfg.Validate())
}

func TestDisabledProvider(t *testing.T) {
	t.Parallel()

	p, err := NewProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, p.HealthCheck())
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

// Installs a global tracer provider, so it does not run in parallel.
func TestCeremonySpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartCeremonySpan(context.Background(), "accept", "battle-2026", attribute.Int64("round", 3))
	AddSpanEvent(span, "verified")
	RecordError(span, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "ceremony.accept", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Contains(t, spans[0].Attributes(), attribute.String("ceremony.id", "battle-2026"))
	require.Contains(t, spans[0].Attributes(), attribute.Int64("round", 3))
	require.Len(t, spans[0].Events(), 2)
}

// Installs a global meter provider, so it does not run in parallel.
func TestRecordOperation(t *testing.T) {
	reader := metricsdk.NewManualReader()
	mp := metricsdk.NewMeterProvider(metricsdk.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(mp)
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	start := time.Now().Add(-2 * time.Second)
	RecordOperation(context.Background(), "accept", "battle-2026", start, nil)
	RecordOperation(context.Background(), "accept", "battle-2026", start, errors.New("chain mismatch"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, m := range rm.ScopeMetrics[0].Metrics {
		byName[m.Name] = m
	}

	total, ok := byName["ceremony.operation.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, total.DataPoints, 2)
	for _, dp := range total.DataPoints {
		require.Equal(t, int64(1), dp.Value)
		op, _ := dp.Attributes.Value("operation")
		require.Equal(t, "accept", op.AsString())
	}

	duration, ok := byName["ceremony.operation.duration"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 2)
	for _, dp := range duration.DataPoints {
		require.GreaterOrEqual(t, dp.Sum, 2.0)
	}
}

func TestMeterFallsBackToGlobal(t *testing.T) {
	t.Parallel()
	var p *Provider
	require.NotNil(t, p.Meter())
	require.NoError(t, p.Shutdown(context.Background()))
}
