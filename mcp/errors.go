package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a call is attempted before the handshake completed.
	ErrNotReady = errors.New("mcp: session not ready")
	// ErrConnectionLost is returned once the worker exited or its streams failed.
	ErrConnectionLost = errors.New("mcp: connection lost")
	// ErrTimeout is returned when a call exceeds its deadline.
	ErrTimeout = errors.New("mcp: call timed out")
	// ErrCancelled is returned when the caller abandoned a call.
	ErrCancelled = errors.New("mcp: call cancelled")
	// ErrSessionClosed is returned after Close.
	ErrSessionClosed = errors.New("mcp: session closed")
	// ErrToolsUnsupported is returned when the worker does not declare tool calling.
	ErrToolsUnsupported = errors.New("mcp: worker does not support tools")
)

// FramingError reports a malformed or truncated frame on the stream.
type FramingError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("mcp: framing error at byte %d: %s: %v", e.Offset, e.Reason, e.Err)
	}
	return fmt.Sprintf("mcp: framing error at byte %d: %s", e.Offset, e.Reason)
}

func (e *FramingError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ToolExecutionError carries the failure message a worker returned for a call.
type ToolExecutionError struct {
	Tool    string
	Message string
}

func (e *ToolExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp: tool %q failed: %s", e.Tool, e.Message)
}

func connectionLost(cause error) error {
	switch {
	case cause == nil:
		return ErrConnectionLost
	case errors.Is(cause, ErrConnectionLost):
		return cause
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, cause)
}
