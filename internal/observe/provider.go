package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config selects what the OTel SDK exports for this process.
type Config struct {
	// ServiceName is the service name reported in telemetry.
	// Default: "kephra".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter receives the spans started by [Middleware] and
	// [StartSpan]. When nil, spans are recorded in-process only (trace IDs
	// still flow into logs via [Logger]) — useful for tests and for
	// deployments that scrape metrics but ship no traces.
	TraceExporter sdktrace.SpanExporter
}

// Provider owns the process-wide OTel SDK state: the Prometheus-bridged
// meter provider behind [Metrics] and the tracer provider behind
// [Middleware]. Create one per process with [Setup] and call
// [Provider.Shutdown] on exit.
type Provider struct {
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

// Setup initialises the OTel SDK for kephra and registers both providers
// globally, so [DefaultMetrics], [Tracer] and [Middleware] pick them up.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "kephra"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	p := &Provider{}
	if p.meters, err = setupMeters(res); err != nil {
		return nil, err
	}
	p.traces = setupTraces(res, cfg.TraceExporter)
	return p, nil
}

// setupMeters bridges the meter provider to Prometheus so kephra's counters
// and histograms are scrapeable from the /metrics endpoint.
func setupMeters(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	promExp, err := promexporter.New()
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}

// setupTraces wires the tracer provider consumed by the service-endpoint
// middleware. Without an exporter, spans stay in-process.
func setupTraces(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp
}

// Shutdown flushes and closes both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.meters != nil {
		errs = append(errs, p.meters.Shutdown(ctx))
	}
	if p.traces != nil {
		errs = append(errs, p.traces.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
