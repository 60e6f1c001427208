package observe_test

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ferralune/kephra/internal/observe"
)

func TestNewMetrics_RecordsThroughProvider(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	ctx := context.Background()
	m.RecordDetection(ctx, "gmm-detected", "gmm")
	m.RecordTransition(ctx, "active", "buffering")
	m.RecordDeferredStop(ctx, "armed")
	m.RecordNotification(ctx)
	m.AddBufferReadBytes(ctx, 512)
	m.AddActiveStreams(ctx, 1)
	m.RecordLoadDuration(ctx, 0.02)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	found := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			found[metric.Name] = true
		}
	}
	for _, name := range []string{
		"kephra.detections",
		"kephra.state_transitions",
		"kephra.deferred_stops",
		"kephra.notifications",
		"kephra.buffer_read_bytes",
		"kephra.active_streams",
		"kephra.load_duration",
	} {
		if !found[name] {
			t.Errorf("metric %q not collected", name)
		}
	}
}

func TestMetricsHelpers_NilSafe(t *testing.T) {
	t.Parallel()

	var m *observe.Metrics
	ctx := context.Background()
	// Must not panic on a nil receiver or empty instruments.
	m.RecordDetection(ctx, "x", "y")
	m.RecordNotification(ctx)
	(&observe.Metrics{}).AddActiveStreams(ctx, 1)
}
