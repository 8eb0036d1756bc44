package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the session's default call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func (s *Session) callOptions(opts []CallOption) callOptions {
	resolved := callOptions{timeout: s.opts.CallTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}

func (s *Session) checkReady(method string) error {
	switch state := s.State(); state {
	case StateReady:
		return nil
	case StateClosed, StateFailed:
		return &RequestError{Method: method, Err: s.Err()}
	default:
		return &RequestError{Method: method, Err: fmt.Errorf("%w (%s)", ErrNotReady, state)}
	}
}

// Invoke calls a tool and returns its outcome. A failed outcome is returned
// together with a *ToolExecutionError; transport problems return only an
// error matching ErrTimeout, ErrCancelled, ErrConnectionLost, ErrNotReady or
// ErrSessionClosed.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any, opts ...CallOption) (Outcome, error) {
	result, err := s.CallTool(ctx, name, args, opts...)
	if err != nil {
		return Outcome{}, err
	}
	outcome := OutcomeOf(result)
	return outcome, outcome.Err(name)
}

// CallTool issues tools/call and returns the raw result.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, opts ...CallOption) (ToolsCallResult, error) {
	if err := s.checkReady(MethodToolsCall); err != nil {
		return ToolsCallResult{}, err
	}
	if args == nil {
		args = map[string]any{}
	}
	resolved := s.callOptions(opts)
	raw, err := s.roundTrip(ctx, MethodToolsCall, ToolsCallParams{Name: name, Arguments: args}, resolved.timeout)
	if err != nil {
		return ToolsCallResult{}, err
	}
	var result ToolsCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolsCallResult{}, &RequestError{Method: MethodToolsCall, Err: fmt.Errorf("decode result: %w", err)}
	}
	return result, nil
}

// ListTools returns the worker's tool catalog.
func (s *Session) ListTools(ctx context.Context, opts ...CallOption) ([]Tool, error) {
	if err := s.checkReady(MethodToolsList); err != nil {
		return nil, err
	}
	resolved := s.callOptions(opts)
	raw, err := s.roundTrip(ctx, MethodToolsList, map[string]any{}, resolved.timeout)
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &RequestError{Method: MethodToolsList, Err: fmt.Errorf("decode result: %w", err)}
	}
	return result.Tools, nil
}

// Ping checks that the worker still answers.
func (s *Session) Ping(ctx context.Context, opts ...CallOption) error {
	if err := s.checkReady(MethodPing); err != nil {
		return err
	}
	resolved := s.callOptions(opts)
	_, err := s.roundTrip(ctx, MethodPing, nil, resolved.timeout)
	return err
}
