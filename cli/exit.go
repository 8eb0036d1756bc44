package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/petalquery/config"
	"github.com/petal-labs/petalquery/host"
	"github.com/petal-labs/petalquery/mcp"
)

// Process exit codes.
const (
	exitValidation  = 1
	exitRuntime     = 2
	exitInputParse  = 4
	exitToolFailure = 7
	exitWorker      = 8
	exitTimeout     = 10
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// invokeExitError maps a failed invocation to an exit code.
func invokeExitError(outcome mcp.Outcome, err error) *ExitError {
	var execErr *mcp.ToolExecutionError
	switch {
	case errors.As(err, &execErr):
		return exitError(exitToolFailure, "%s", outcome.Text)
	case errors.Is(err, mcp.ErrTimeout):
		return exitError(exitTimeout, "%v", err)
	case errors.Is(err, config.ErrInvalid):
		return exitError(exitValidation, "%v", err)
	case errors.Is(err, host.ErrSpawn), errors.Is(err, mcp.ErrConnectionLost):
		return exitError(exitWorker, "%v", err)
	default:
		return exitError(exitRuntime, "%v", err)
	}
}
