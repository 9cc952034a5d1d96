package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// operationInstruments are created once against the global meter, which
// delegates to whatever provider is installed later.
type operationInstruments struct {
	duration metric.Float64Histogram
	total    metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	instruments     *operationInstruments
)

func operationMetrics() *operationInstruments {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(serviceName)
		duration, err := meter.Float64Histogram("ceremony.operation.duration",
			metric.WithDescription("Duration of ceremony operations"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300),
		)
		if err != nil {
			otel.Handle(err)
		}
		total, err := meter.Int64Counter("ceremony.operation.total",
			metric.WithDescription("Ceremony operations by result"),
		)
		if err != nil {
			otel.Handle(err)
		}
		instruments = &operationInstruments{duration: duration, total: total}
	})
	return instruments
}

// RecordOperation records the duration and outcome of a ceremony operation
// that started at start.
func RecordOperation(ctx context.Context, operation, ceremonyID string, start time.Time, err error) {
	m := operationMetrics()
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("ceremony.id", ceremonyID),
		attribute.String("result", result),
	)
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	if m.total != nil {
		m.total.Add(ctx, 1, attrs)
	}
}

// initMetrics exports OpenTelemetry instruments through the default
// Prometheus registry served on /metrics.
func (p *Provider) initMetrics(res *resource.Resource) error {
	exporter, err := prometheus.New()
	if err != nil {
		return fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}
	mp := metricsdk.NewMeterProvider(
		metricsdk.WithResource(res),
		metricsdk.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	p.meterProvider = mp
	p.meter = mp.Meter(serviceName)
	return nil
}

// Meter returns the configured meter, or the global one.
func (p *Provider) Meter() metric.Meter {
	if p == nil || p.meter == nil {
		return otel.Meter(serviceName)
	}
	return p.meter
}
