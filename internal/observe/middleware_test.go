package observe_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"github.com/ferralune/kephra/internal/observe"
)

func TestMiddleware_ServesAndRecordsDuration(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics() error: %v", err)
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := observe.Middleware(m)(inner)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want 418 passthrough", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name == "kephra.http_request_duration" {
				found = true
			}
		}
	}
	if !found {
		t.Error("kephra.http_request_duration not recorded by middleware")
	}
}

func TestMiddleware_ContinuesIncomingTraceContext(t *testing.T) {
	t.Parallel()

	m := &observe.Metrics{}
	var gotTraceID string
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		// With no tracer provider installed the span does not record, but it
		// still carries the trace ID extracted from the traceparent header.
		gotTraceID = trace.SpanContextFromContext(r.Context()).TraceID().String()
	})
	h := observe.Middleware(m)(inner)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotTraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("inner handler trace ID = %q, want the incoming 4bf92f3577b34da6a3ce929d0e0e4736", gotTraceID)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
