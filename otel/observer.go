package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalquery/host"
)

// Observer records host pool signals into OpenTelemetry.
type Observer struct {
	instruments *instruments
	sessions    *sessionSpans
	tracer      trace.Tracer
	now         func() time.Time
}

// NewObserver creates an observer bound to the provided meter and tracer.
// A nil tracer disables spans.
func NewObserver(meter metric.Meter, tracer trace.Tracer) (*Observer, error) {
	inst, err := newInstruments(meter)
	if err != nil {
		return nil, err
	}
	o := &Observer{instruments: inst, tracer: tracer, now: time.Now}
	if tracer != nil {
		o.sessions = newSessionSpans(tracer)
	}
	return o, nil
}

// ObserveInvoke records one invocation result.
func (o *Observer) ObserveInvoke(observation host.InvokeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tool_name", observation.ToolName),
		attribute.Bool("success", observation.Success),
	}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}

	ctx := context.Background()
	options := metric.WithAttributes(attrs...)
	o.instruments.invocations.Add(ctx, 1, options)
	o.instruments.latency.Record(ctx, observation.Duration.Seconds(), options)

	if o.sessions == nil {
		return
	}
	if observation.SessionID != "" {
		attrs = append(attrs, attribute.String("petalquery.session_id", observation.SessionID))
	}
	_, span := o.tracer.Start(o.sessions.parent(observation.SessionID), "tool:"+observation.ToolName,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(observation.Start),
	)
	if observation.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, observation.ErrorCode)
	}
	span.End(trace.WithTimestamp(observation.Start.Add(observation.Duration)))
}

// ObserveSession records one session state transition.
func (o *Observer) ObserveSession(observation host.SessionObservation) {
	if o == nil {
		return
	}

	o.instruments.sessionEvents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", observation.From.String()),
		attribute.String("to", observation.To.String()),
	))
	if o.sessions != nil {
		o.sessions.transition(observation.SessionID, observation.From, observation.To, o.now())
	}
}

// ObserveProbe records one liveness probe.
func (o *Observer) ObserveProbe(observation host.ProbeObservation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{attribute.Bool("healthy", observation.Healthy)}
	if observation.ErrorCode != "" {
		attrs = append(attrs, attribute.String("error_code", observation.ErrorCode))
	}
	o.instruments.probes.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ActiveSessionSpan returns the SpanContext of the open span for a session.
func (o *Observer) ActiveSessionSpan(sessionID string) trace.SpanContext {
	if o == nil || o.sessions == nil {
		return trace.SpanContext{}
	}
	return o.sessions.active(sessionID)
}

var _ host.Observer = (*Observer)(nil)
