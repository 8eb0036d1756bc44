package tool

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ToolErrorCodeUnknownTool is returned when the requested name is not registered.
	ToolErrorCodeUnknownTool = "UNKNOWN_TOOL"
	// ToolErrorCodeMissingArgument is returned when a required argument is absent.
	ToolErrorCodeMissingArgument = "MISSING_ARGUMENT"
	// ToolErrorCodeInvalidArguments is returned when arguments do not match the input schema.
	ToolErrorCodeInvalidArguments = "INVALID_ARGUMENTS"
	// ToolErrorCodeExecutionFailed is returned when the tool implementation fails.
	ToolErrorCodeExecutionFailed = "EXECUTION_FAILED"
	// ToolErrorCodePanic is returned when the tool implementation panics.
	ToolErrorCodePanic = "PANIC"
	// ToolErrorCodeEncodeFailure is returned when a result cannot be serialized.
	ToolErrorCodeEncodeFailure = "ENCODE_FAILURE"
)

// ToolError is a structured execution failure. Its Message is what the host
// receives as the failure outcome; Code is kept for logs and metrics.
type ToolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return ToolErrorCodeExecutionFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newToolError(code, message string, cause error) *ToolError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = ToolErrorCodeExecutionFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &ToolError{
		Code:    cleanCode,
		Message: cleanMsg,
		Cause:   cause,
	}
}

func withToolErrorDetails(err *ToolError, details map[string]any) *ToolError {
	if err == nil || len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

// asToolError returns err as a *ToolError, wrapping foreign errors with the
// execution-failed code and their own message.
func asToolError(err error) *ToolError {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr
	}
	return newToolError(ToolErrorCodeExecutionFailed, "", err)
}
