package host

import (
	"errors"
	"time"

	"github.com/petal-labs/petalquery/mcp"
)

// Error codes attached to observations and gateway error responses.
const (
	ErrorCodeToolFailure    = "TOOL_FAILURE"
	ErrorCodeTimeout        = "TIMEOUT"
	ErrorCodeCancelled      = "CANCELLED"
	ErrorCodeConnectionLost = "CONNECTION_LOST"
	ErrorCodeNotReady       = "NOT_READY"
	ErrorCodeSessionClosed  = "SESSION_CLOSED"
	ErrorCodeRPCError       = "RPC_ERROR"
	ErrorCodeSpawnFailed    = "SPAWN_FAILED"
	ErrorCodeInternal       = "INTERNAL"
)

// InvokeObservation captures one tool invocation through the pool.
type InvokeObservation struct {
	ToolName  string
	SessionID string
	Start     time.Time
	Duration  time.Duration
	Success   bool
	ErrorCode string
}

// SessionObservation captures one session lifecycle transition.
type SessionObservation struct {
	SessionID string
	From      mcp.State
	To        mcp.State
}

// ProbeObservation captures one background liveness probe.
type ProbeObservation struct {
	SessionID string
	Duration  time.Duration
	Healthy   bool
	ErrorCode string
}

// Observer receives host-side observability events.
type Observer interface {
	ObserveInvoke(observation InvokeObservation)
	ObserveSession(observation SessionObservation)
	ObserveProbe(observation ProbeObservation)
}

type noopObserver struct{}

func (noopObserver) ObserveInvoke(InvokeObservation)   {}
func (noopObserver) ObserveSession(SessionObservation) {}
func (noopObserver) ObserveProbe(ProbeObservation)     {}

// ErrorCode classifies err into one of the ErrorCode constants. It returns
// an empty string for nil.
func ErrorCode(err error) string {
	var (
		execErr *mcp.ToolExecutionError
		rpcErr  *mcp.RPCError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &execErr):
		return ErrorCodeToolFailure
	case errors.Is(err, ErrSpawn):
		return ErrorCodeSpawnFailed
	case errors.Is(err, mcp.ErrTimeout):
		return ErrorCodeTimeout
	case errors.Is(err, mcp.ErrCancelled):
		return ErrorCodeCancelled
	case errors.Is(err, mcp.ErrConnectionLost):
		return ErrorCodeConnectionLost
	case errors.Is(err, mcp.ErrNotReady):
		return ErrorCodeNotReady
	case errors.Is(err, mcp.ErrSessionClosed), errors.Is(err, ErrPoolClosed):
		return ErrorCodeSessionClosed
	case errors.As(err, &rpcErr):
		return ErrorCodeRPCError
	default:
		return ErrorCodeInternal
	}
}
