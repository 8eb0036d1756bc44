package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/petal-labs/petalquery"

// Config selects where telemetry goes.
type Config struct {
	ServiceName string
	// Endpoint is an OTLP/HTTP traces URL such as
	// "http://localhost:4318/v1/traces". Empty disables export.
	Endpoint string
	// SpanExporter overrides Endpoint. Spans are exported synchronously.
	SpanExporter sdktrace.SpanExporter
	// MetricReader is attached to the meter provider when set.
	MetricReader sdkmetric.Reader
}

// Providers owns the SDK providers built by Setup.
type Providers struct {
	Meter  metric.Meter
	Tracer trace.Tracer

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Setup builds meter and tracer providers for cfg. Tracer is nil when
// neither an endpoint nor an exporter is configured.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "petalquery"
	}
	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))

	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)
	p := &Providers{
		Meter:         mp.Meter(instrumentationName),
		meterProvider: mp,
	}

	var traceOpt sdktrace.TracerProviderOption
	switch {
	case cfg.SpanExporter != nil:
		traceOpt = sdktrace.WithSyncer(cfg.SpanExporter)
	case cfg.Endpoint != "":
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.Endpoint))
		if err != nil {
			_ = mp.Shutdown(ctx)
			return nil, fmt.Errorf("otel: otlp exporter: %w", err)
		}
		traceOpt = sdktrace.WithBatcher(exporter)
	default:
		return p, nil
	}
	p.tracerProvider = sdktrace.NewTracerProvider(traceOpt, sdktrace.WithResource(res))
	p.Tracer = p.tracerProvider.Tracer(instrumentationName)
	return p, nil
}

// Observer returns an Observer bound to the providers.
func (p *Providers) Observer() (*Observer, error) {
	return NewObserver(p.Meter, p.Tracer)
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tracerProvider != nil {
		errs = append(errs, p.tracerProvider.Shutdown(ctx))
	}
	errs = append(errs, p.meterProvider.Shutdown(ctx))
	return errors.Join(errs...)
}
