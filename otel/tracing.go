// Package otel records worker session and tool invocation signals into
// OpenTelemetry.
package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalquery/mcp"
)

// sessionSpans keeps one span open per live worker session. Invocation
// spans are parented under the span of the session that served them.
type sessionSpans struct {
	tracer trace.Tracer

	mu    sync.RWMutex
	spans map[string]trace.Span
	ctxs  map[string]context.Context
}

func newSessionSpans(tracer trace.Tracer) *sessionSpans {
	return &sessionSpans{
		tracer: tracer,
		spans:  make(map[string]trace.Span),
		ctxs:   make(map[string]context.Context),
	}
}

// transition opens the session span on the first transition, adds an event
// for each later one and ends the span once the session is terminal.
func (s *sessionSpans) transition(sessionID string, from, to mcp.State, at time.Time) {
	s.mu.Lock()
	span, ok := s.spans[sessionID]
	if !ok {
		var ctx context.Context
		ctx, span = s.tracer.Start(context.Background(), "session:"+sessionID,
			trace.WithAttributes(attribute.String("petalquery.session_id", sessionID)),
			trace.WithTimestamp(at),
		)
		s.spans[sessionID] = span
		s.ctxs[sessionID] = ctx
	}
	if to.Terminal() {
		delete(s.spans, sessionID)
		delete(s.ctxs, sessionID)
	}
	s.mu.Unlock()

	span.AddEvent("state."+to.String(),
		trace.WithTimestamp(at),
		trace.WithAttributes(
			attribute.String("petalquery.from", from.String()),
			attribute.String("petalquery.to", to.String()),
		),
	)
	if !to.Terminal() {
		return
	}

	span.SetAttributes(attribute.String("petalquery.final_state", to.String()))
	if to == mcp.StateFailed {
		span.SetStatus(codes.Error, "session failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(at))
}

// parent returns the context of the session's span, or a background
// context when the session is unknown.
func (s *sessionSpans) parent(sessionID string) context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if ctx, ok := s.ctxs[sessionID]; ok {
		return ctx
	}
	return context.Background()
}

// active returns the SpanContext of the open span for sessionID. It is empty
// when the session has no open span.
func (s *sessionSpans) active(sessionID string) trace.SpanContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	span, ok := s.spans[sessionID]
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}
