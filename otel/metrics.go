package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// instruments are the metric instruments recorded by Observer.
type instruments struct {
	invocations   metric.Int64Counter
	latency       metric.Float64Histogram
	sessionEvents metric.Int64Counter
	probes        metric.Int64Counter
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	invocations, err := meter.Int64Counter("petalquery.tool.invocations",
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("petalquery.tool.latency",
		metric.WithDescription("Tool invocation latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	sessionEvents, err := meter.Int64Counter("petalquery.session.events",
		metric.WithDescription("Number of worker session state transitions"),
	)
	if err != nil {
		return nil, err
	}

	probes, err := meter.Int64Counter("petalquery.session.probes",
		metric.WithDescription("Number of worker liveness probes"),
	)
	if err != nil {
		return nil, err
	}

	return &instruments{
		invocations:   invocations,
		latency:       latency,
		sessionEvents: sessionEvents,
		probes:        probes,
	}, nil
}
