// Package telemetry configures OpenTelemetry tracing and metrics for the
// ceremony coordinator and provides span helpers for ceremony operations.
package telemetry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const (
	serviceName    = "bitcell-ceremony"
	serviceVersion = "1.0.0"
)

// Config holds the tracing configuration.
type Config struct {
	Enabled      bool    `json:"enabled" mapstructure:"enabled" toml:"enabled"`
	OTLPEndpoint string  `json:"otlp-endpoint" mapstructure:"otlp-endpoint" toml:"otlp-endpoint"`
	Insecure     bool    `json:"insecure" mapstructure:"insecure" toml:"insecure"`
	SampleRate   float64 `json:"sample-rate" mapstructure:"sample-rate" toml:"sample-rate"`
	Environment  string  `json:"environment" mapstructure:"environment" toml:"environment"`
}

// DefaultConfig returns tracing disabled with a local collector endpoint.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		OTLPEndpoint: "localhost:4318",
		Insecure:     true,
		SampleRate:   1.0,
		Environment:  "development",
	}
}

// Validate checks the configuration when tracing is enabled.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.OTLPEndpoint == "" {
		return fmt.Errorf("otlp endpoint is required")
	}
	if _, err := url.Parse(c.OTLPEndpoint); err != nil {
		return fmt.Errorf("invalid otlp endpoint: %w", err)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be between 0 and 1")
	}
	return nil
}

// Provider owns the tracer and meter providers installed as the global ones.
type Provider struct {
	tracerProvider *tracesdk.TracerProvider
	meterProvider  *metricsdk.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	config         Config
}

// NewProvider initializes tracing. A disabled config yields a provider whose
// spans go to the global no-op tracer.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg}, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	endpoint := strings.TrimPrefix(cfg.OTLPEndpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithURLPath("/v1/traces"),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter,
			tracesdk.WithMaxExportBatchSize(512),
			tracesdk.WithMaxQueueSize(2048),
			tracesdk.WithBatchTimeout(5*time.Second),
		),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	p := &Provider{
		tracerProvider: tp,
		tracer:         tp.Tracer(serviceName),
		config:         cfg,
	}
	if err := p.initMetrics(res); err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	return p, nil
}

// Shutdown flushes pending spans and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	if p.tracerProvider != nil {
		if shutdownErr := p.tracerProvider.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shutdown tracer provider: %w", shutdownErr)
		}
	}
	if p.meterProvider != nil {
		if shutdownErr := p.meterProvider.Shutdown(ctx); shutdownErr != nil {
			if err != nil {
				err = fmt.Errorf("%w; failed to shutdown meter provider: %w", err, shutdownErr)
			} else {
				err = fmt.Errorf("failed to shutdown meter provider: %w", shutdownErr)
			}
		}
	}
	return err
}

// Tracer returns the configured tracer, or the global one.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(serviceName)
	}
	return p.tracer
}

// HealthCheck reports whether an enabled provider was fully initialized.
func (p *Provider) HealthCheck() error {
	if !p.config.Enabled {
		return nil
	}
	if p.tracerProvider == nil || p.tracer == nil {
		return fmt.Errorf("tracer provider not initialized")
	}
	if p.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}
	return nil
}

// StartCeremonySpan starts a span for a ceremony operation.
func StartCeremonySpan(ctx context.Context, operation, ceremonyID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append([]attribute.KeyValue{
		attribute.String("ceremony.id", ceremonyID),
		attribute.String("ceremony.operation", operation),
	}, attrs...)
	return otel.Tracer(serviceName).Start(ctx, "ceremony."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// RecordError records err on the span and marks it failed.
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddSpanEvent adds an event to a span.
func AddSpanEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span != nil {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
