package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petalquery/mcp"
)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	Registry *Registry
	Logger   *slog.Logger
}

// Executor runs calls against a Registry on the worker side. It never lets a
// tool failure escape as a Go error or panic: every problem becomes a failed
// outcome so one bad call cannot take down the session.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

var _ mcp.Handler = (*Executor)(nil)

// NewExecutor returns an executor for cfg.Registry.
func NewExecutor(cfg ExecutorConfig) *Executor {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{registry: cfg.Registry, logger: cfg.Logger}
}

// Execute validates and runs one call.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) mcp.Outcome {
	start := time.Now()
	outcome, toolErr := e.execute(ctx, name, Arguments(args))

	attrs := []any{"tool", name, "duration_ms", time.Since(start).Milliseconds()}
	if toolErr != nil {
		attrs = append(attrs, "code", toolErr.Code, "error", toolErr.Message)
		if len(toolErr.Details) > 0 {
			attrs = append(attrs, "details", toolErr.Details)
		}
		e.logger.Warn("tool call failed", attrs...)
	} else {
		e.logger.Debug("tool call completed", attrs...)
	}
	return outcome
}

func (e *Executor) execute(ctx context.Context, name string, args Arguments) (mcp.Outcome, *ToolError) {
	entry, ok := e.registry.lookup(name)
	if !ok {
		toolErr := newToolError(ToolErrorCodeUnknownTool, "Unknown tool: "+name, nil)
		return mcp.Failure(toolErr.Message), toolErr
	}
	if args == nil {
		args = Arguments{}
	}
	if toolErr := entry.validate(args); toolErr != nil {
		return mcp.Failure(toolErr.Message), toolErr
	}

	value, err := invokeHandler(ctx, name, entry.handler, args)
	if err != nil {
		toolErr := asToolError(err)
		return mcp.Failure(toolErr.Message), toolErr
	}

	text, err := encodeResult(value)
	if err != nil {
		toolErr := newToolError(ToolErrorCodeEncodeFailure, fmt.Sprintf("encode result of %s: %v", name, err), err)
		return mcp.Failure(toolErr.Message), toolErr
	}
	return mcp.Success(text), nil
}

func invokeHandler(ctx context.Context, name string, handler HandlerFunc, args Arguments) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newToolError(ToolErrorCodePanic, fmt.Sprintf("tool %s panicked: %v", name, r), nil)
		}
	}()
	return handler(ctx, args)
}

func encodeResult(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "null", nil
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ListTools implements mcp.Handler.
func (e *Executor) ListTools(context.Context) []mcp.Tool {
	return e.registry.Catalog()
}

// CallTool implements mcp.Handler.
func (e *Executor) CallTool(ctx context.Context, name string, args map[string]any) mcp.ToolsCallResult {
	return e.Execute(ctx, name, args).Result()
}
