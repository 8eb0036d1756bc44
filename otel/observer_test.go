package otel_test

import (
	"context"
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/petalquery/host"
	"github.com/petal-labs/petalquery/mcp"
	petalotel "github.com/petal-labs/petalquery/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestObserverRecordsMetrics(t *testing.T) {
	reader, mp := newTestMeter()
	observer, err := petalotel.NewObserver(mp.Meter("test"), nil)
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}

	start := time.Now()
	observer.ObserveInvoke(host.InvokeObservation{ToolName: "execute-query", SessionID: "s1", Start: start, Duration: 120 * time.Millisecond, Success: true})
	observer.ObserveInvoke(host.InvokeObservation{ToolName: "describe-table", SessionID: "s1", Start: start, Duration: 5 * time.Millisecond, ErrorCode: host.ErrorCodeToolFailure})
	observer.ObserveSession(host.SessionObservation{SessionID: "s1", From: mcp.StateHandshaking, To: mcp.StateReady})
	observer.ObserveProbe(host.ProbeObservation{SessionID: "s1", Healthy: false, ErrorCode: host.ErrorCodeTimeout})

	rm := collectMetrics(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{name: "petalquery.tool.invocations", want: 2},
		{name: "petalquery.session.events", want: 1},
		{name: "petalquery.session.probes", want: 1},
	}
	for _, tt := range tests {
		m := findMetric(rm, tt.name)
		if m == nil {
			t.Fatalf("%s metric not found", tt.name)
		}
		if got := sumOf(t, m); got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, got, tt.want)
		}
	}

	latency := findMetric(rm, "petalquery.tool.latency")
	if latency == nil {
		t.Fatal("petalquery.tool.latency metric not found")
	}
	if _, ok := latency.Data.(metricdata.Histogram[float64]); !ok {
		t.Fatalf("petalquery.tool.latency type = %T, want Histogram[float64]", latency.Data)
	}
}

func TestObserverSessionAndToolSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	_, mp := newTestMeter()
	observer, err := petalotel.NewObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewObserver() error = %v", err)
	}

	observer.ObserveSession(host.SessionObservation{SessionID: "s1", From: mcp.StateUnstarted, To: mcp.StateHandshaking})
	observer.ObserveSession(host.SessionObservation{SessionID: "s1", From: mcp.StateHandshaking, To: mcp.StateReady})
	if !observer.ActiveSessionSpan("s1").IsValid() {
		t.Fatal("expected an open session span")
	}

	start := time.Now()
	observer.ObserveInvoke(host.InvokeObservation{ToolName: "list-tables", SessionID: "s1", Start: start, Duration: 10 * time.Millisecond, Success: true})
	observer.ObserveInvoke(host.InvokeObservation{ToolName: "execute-query", SessionID: "s1", Start: start, Duration: time.Second, ErrorCode: host.ErrorCodeTimeout})
	observer.ObserveSession(host.SessionObservation{SessionID: "s1", From: mcp.StateReady, To: mcp.StateFailed})

	if observer.ActiveSessionSpan("s1").IsValid() {
		t.Fatal("session span still open after the session failed")
	}

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(spans))
	}
	byName := make(map[string]tracetest.SpanStub, len(spans))
	for _, span := range spans {
		byName[span.Name] = span
	}

	session, ok := byName["session:s1"]
	if !ok {
		t.Fatalf("session span missing; got %v", byName)
	}
	if session.Status.Code != otelcodes.Error {
		t.Errorf("session status = %v, want Error", session.Status.Code)
	}
	if len(session.Events) != 3 {
		t.Errorf("session events = %d, want 3", len(session.Events))
	}

	listSpan := byName["tool:list-tables"]
	if listSpan.Parent.SpanID() != session.SpanContext.SpanID() {
		t.Errorf("tool span parent = %v, want session span", listSpan.Parent.SpanID())
	}
	if listSpan.Status.Code != otelcodes.Ok {
		t.Errorf("list-tables status = %v, want Ok", listSpan.Status.Code)
	}
	if !listSpan.StartTime.Equal(start) {
		t.Errorf("list-tables start = %v, want %v", listSpan.StartTime, start)
	}

	querySpan := byName["tool:execute-query"]
	if querySpan.Status.Code != otelcodes.Error || querySpan.Status.Description != host.ErrorCodeTimeout {
		t.Errorf("execute-query status = %+v", querySpan.Status)
	}
	if got := querySpan.EndTime.Sub(querySpan.StartTime); got != time.Second {
		t.Errorf("execute-query duration = %v, want 1s", got)
	}
}

func TestNilObserverIsSafe(t *testing.T) {
	var observer *petalotel.Observer
	observer.ObserveInvoke(host.InvokeObservation{})
	observer.ObserveSession(host.SessionObservation{})
	observer.ObserveProbe(host.ProbeObservation{})
	if observer.ActiveSessionSpan("x").IsValid() {
		t.Fatal("nil observer returned a valid span context")
	}
}
