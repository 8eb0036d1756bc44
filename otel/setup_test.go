package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/petalquery/host"
	petalotel "github.com/petal-labs/petalquery/otel"
)

func TestSetupWithoutExporterDisablesTracing(t *testing.T) {
	providers, err := petalotel.Setup(context.Background(), petalotel.Config{})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if providers.Tracer != nil {
		t.Fatal("expected nil tracer without an endpoint")
	}
	if providers.Meter == nil {
		t.Fatal("expected a meter")
	}
	if err := providers.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestSetupExportsSpansAndMetrics(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	reader := metric.NewManualReader()
	providers, err := petalotel.Setup(context.Background(), petalotel.Config{
		ServiceName:  "petalquery-test",
		SpanExporter: exporter,
		MetricReader: reader,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() { _ = providers.Shutdown(context.Background()) }()

	observer, err := providers.Observer()
	if err != nil {
		t.Fatalf("Observer() error = %v", err)
	}
	observer.ObserveInvoke(host.InvokeObservation{ToolName: "list-tables", Start: time.Now(), Success: true})

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "tool:list-tables" {
		t.Fatalf("spans = %+v", spans)
	}
	found := false
	for _, kv := range spans[0].Resource.Attributes() {
		if string(kv.Key) == "service.name" && kv.Value.AsString() == "petalquery-test" {
			found = true
		}
	}
	if !found {
		t.Fatal("service.name resource attribute missing")
	}

	rm := collectMetrics(t, reader)
	if findMetric(rm, "petalquery.tool.invocations") == nil {
		t.Fatal("petalquery.tool.invocations metric not found")
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	providers, err := petalotel.Setup(context.Background(), petalotel.Config{Endpoint: "http://127.0.0.1:4318/v1/traces"})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if providers.Tracer == nil {
		t.Fatal("expected a tracer with an endpoint")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = providers.Shutdown(ctx)
}
