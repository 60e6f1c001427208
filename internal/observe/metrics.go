// Package observe provides observability primitives for kephra:
// OpenTelemetry metrics for the keyphrase detection pipeline and an SDK
// provider with a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all kephra metrics.
const meterName = "github.com/ferralune/kephra"

// Metrics holds all OpenTelemetry metric instruments for the stream core.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// Detections counts engine verdicts. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("stage", ...)
	Detections metric.Int64Counter

	// StateTransitions counts FSM transitions. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// Notifications counts detection events delivered to the client.
	Notifications metric.Int64Counter

	// DeferredStops counts deferred-stop outcomes. Use with attribute:
	//   attribute.String("outcome", "armed"|"fired"|"cancelled")
	DeferredStops metric.Int64Counter

	// BufferReadBytes accumulates bytes handed to the client read path.
	BufferReadBytes metric.Int64Counter

	// LoadDuration tracks model load latency in seconds.
	LoadDuration metric.Float64Histogram

	// ActiveStreams tracks streams currently in a recognition-armed state.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks service-endpoint request time (health,
	// readiness, metrics scrapes). Recorded by [Middleware].
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a [Metrics] using the given meter provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.Detections, err = meter.Int64Counter("kephra.detections",
		metric.WithDescription("Engine detection verdicts by kind and stage")); err != nil {
		return nil, err
	}
	if m.StateTransitions, err = meter.Int64Counter("kephra.state_transitions",
		metric.WithDescription("Stream state machine transitions")); err != nil {
		return nil, err
	}
	if m.Notifications, err = meter.Int64Counter("kephra.notifications",
		metric.WithDescription("Detection events delivered to the client")); err != nil {
		return nil, err
	}
	if m.DeferredStops, err = meter.Int64Counter("kephra.deferred_stops",
		metric.WithDescription("Deferred-stop timer outcomes")); err != nil {
		return nil, err
	}
	if m.BufferReadBytes, err = meter.Int64Counter("kephra.buffer_read_bytes",
		metric.WithDescription("Bytes read from the keyword ring buffer by clients"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.LoadDuration, err = meter.Float64Histogram("kephra.load_duration",
		metric.WithDescription("Sound-model load latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.ActiveStreams, err = meter.Int64UpDownCounter("kephra.active_streams",
		metric.WithDescription("Streams currently armed for recognition")); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("kephra.http_request_duration",
		metric.WithDescription("Service endpoint request processing time"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns the process-wide [Metrics] backed by the global
// meter provider. Instruments are created on first use; if creation fails
// an empty [Metrics] is returned, whose helpers record nothing.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			m = &Metrics{}
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordDetection records one engine verdict.
func (m *Metrics) RecordDetection(ctx context.Context, kind, stage string) {
	if m == nil || m.Detections == nil {
		return
	}
	m.Detections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("stage", stage),
	))
}

// RecordTransition records one FSM transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil || m.StateTransitions == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordNotification records one detection event delivered to the client.
func (m *Metrics) RecordNotification(ctx context.Context) {
	if m == nil || m.Notifications == nil {
		return
	}
	m.Notifications.Add(ctx, 1)
}

// AddBufferReadBytes accumulates client ring-buffer reads.
func (m *Metrics) AddBufferReadBytes(ctx context.Context, n int64) {
	if m == nil || m.BufferReadBytes == nil {
		return
	}
	m.BufferReadBytes.Add(ctx, n)
}

// AddActiveStreams moves the armed-stream gauge.
func (m *Metrics) AddActiveStreams(ctx context.Context, delta int64) {
	if m == nil || m.ActiveStreams == nil {
		return
	}
	m.ActiveStreams.Add(ctx, delta)
}

// RecordLoadDuration records one model-load latency sample.
func (m *Metrics) RecordLoadDuration(ctx context.Context, seconds float64) {
	if m == nil || m.LoadDuration == nil {
		return
	}
	m.LoadDuration.Record(ctx, seconds)
}

// RecordHTTPRequest records one service-endpoint request duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, seconds float64, method, path string) {
	if m == nil || m.HTTPRequestDuration == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", path),
		),
	)
}

// RecordDeferredStop records a deferred-stop outcome.
func (m *Metrics) RecordDeferredStop(ctx context.Context, outcome string) {
	if m == nil || m.DeferredStops == nil {
		return
	}
	m.DeferredStops.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}
