package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

var errRemoteCancelled = errors.New("mcp: cancelled by host")

// Handler serves the tool surface of a worker.
type Handler interface {
	ListTools(ctx context.Context) []Tool
	CallTool(ctx context.Context, name string, args map[string]any) ToolsCallResult
}

// ServerConfig configures a worker-side Server.
type ServerConfig struct {
	Info         ServerInfo
	MaxFrameSize int
	Logger       *slog.Logger
}

// Server answers host requests on a single stream. Tool calls run
// concurrently and may complete out of order.
type Server struct {
	handler Handler
	info    ServerInfo
	max     int
	logger  *slog.Logger
}

// NewServer returns a server dispatching tool traffic to handler.
func NewServer(handler Handler, cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		handler: handler,
		info:    cfg.Info,
		max:     cfg.MaxFrameSize,
		logger:  cfg.Logger,
	}
}

type serveState struct {
	enc         *Encoder
	initialized atomic.Bool
	calls       sync.WaitGroup

	mu       sync.Mutex
	inflight map[int64]context.CancelCauseFunc
}

// Serve reads requests from r and writes replies to w until the stream ends
// or the host sends close. It waits for in-flight calls before returning.
// A clean end of stream returns nil.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	state := &serveState{
		enc:      NewEncoder(w),
		inflight: make(map[int64]context.CancelCauseFunc),
	}
	defer state.calls.Wait()

	for message, err := range NewDecoder(r, s.max).Messages() {
		if err != nil {
			s.logger.Error("reading request stream", "error", err)
			return err
		}
		switch message.Kind() {
		case KindRequest:
			s.handleRequest(ctx, state, message)
		case KindNotification:
			if message.Method == MethodClose {
				s.logger.Debug("host closed session")
				return nil
			}
			s.handleNotification(state, message)
		case KindResponse:
			s.logger.Debug("ignoring response from host", "request_id", message.ID)
		default:
			s.logger.Warn("ignoring invalid message")
		}
	}
	return nil
}

func (s *Server) handleNotification(state *serveState, message Message) {
	switch message.Method {
	case MethodInitialized:
		s.logger.Debug("host initialized")
	case MethodCancelled:
		var params CancelledParams
		if err := json.Unmarshal(message.Params, &params); err != nil {
			s.logger.Warn("malformed cancel notification", "error", err)
			return
		}
		state.mu.Lock()
		cancel, ok := state.inflight[params.RequestID]
		state.mu.Unlock()
		if ok {
			s.logger.Debug("cancelling call", "request_id", params.RequestID, "reason", params.Reason)
			cancel(errRemoteCancelled)
		}
	default:
		s.logger.Debug("ignoring notification", "method", message.Method)
	}
}

func (s *Server) handleRequest(ctx context.Context, state *serveState, message Message) {
	switch message.Method {
	case MethodInitialize:
		var params InitializeParams
		if err := json.Unmarshal(message.Params, &params); err != nil {
			s.replyError(state, message.ID, CodeInvalidParams, "invalid initialize params: "+err.Error())
			return
		}
		version := params.ProtocolVersion
		if version == "" {
			version = DefaultProtocolVersion
		}
		state.initialized.Store(true)
		s.logger.Info("host connected", "client", params.ClientInfo.Name, "client_version", params.ClientInfo.Version)
		s.reply(state, message.ID, InitializeResult{
			ProtocolVersion: version,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      s.info,
		})
	case MethodPing:
		s.reply(state, message.ID, map[string]any{})
	case MethodToolsList:
		if !state.initialized.Load() {
			s.replyError(state, message.ID, CodeNotInitialized, "server not initialized")
			return
		}
		tools := s.handler.ListTools(ctx)
		if tools == nil {
			tools = []Tool{}
		}
		s.reply(state, message.ID, ToolsListResult{Tools: tools})
	case MethodToolsCall:
		if !state.initialized.Load() {
			s.replyError(state, message.ID, CodeNotInitialized, "server not initialized")
			return
		}
		var params ToolsCallParams
		if err := json.Unmarshal(message.Params, &params); err != nil || params.Name == "" {
			detail := "tool name is required"
			if err != nil {
				detail = err.Error()
			}
			s.replyError(state, message.ID, CodeInvalidParams, "invalid tools/call params: "+detail)
			return
		}
		s.startCall(ctx, state, message.ID, params)
	default:
		s.replyError(state, message.ID, CodeMethodNotFound, "method not found: "+message.Method)
	}
}

func (s *Server) startCall(ctx context.Context, state *serveState, id int64, params ToolsCallParams) {
	callCtx, cancel := context.WithCancelCause(ctx)
	state.mu.Lock()
	state.inflight[id] = cancel
	state.mu.Unlock()

	state.calls.Add(1)
	go func() {
		defer state.calls.Done()
		defer func() {
			state.mu.Lock()
			delete(state.inflight, id)
			state.mu.Unlock()
			cancel(nil)
		}()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("tool handler panicked", "tool", params.Name, "panic", r)
				s.replyError(state, id, CodeInternalError, fmt.Sprintf("tool %s panicked", params.Name))
			}
		}()

		result := s.handler.CallTool(callCtx, params.Name, params.Arguments)
		if errors.Is(context.Cause(callCtx), errRemoteCancelled) {
			s.logger.Debug("dropping reply for cancelled call", "request_id", id, "tool", params.Name)
			return
		}
		s.reply(state, id, result)
	}()
}

func (s *Server) reply(state *serveState, id int64, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.replyError(state, id, CodeInternalError, "encode result: "+err.Error())
		return
	}
	s.write(state, Message{ID: id, Result: raw})
}

func (s *Server) replyError(state *serveState, id int64, code int, message string) {
	s.write(state, Message{ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) write(state *serveState, message Message) {
	if err := state.enc.Encode(message); err != nil {
		s.logger.Error("writing reply", "request_id", message.ID, "error", err)
	}
}
