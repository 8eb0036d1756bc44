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
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultHandshakeTimeout bounds the initialize exchange.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultCallTimeout bounds a single call unless overridden.
	DefaultCallTimeout = 30 * time.Second

	defaultClientName    = "petalquery"
	defaultClientVersion = "dev"
)

var errOutputClosed = fmt.Errorf("mcp: worker closed its output: %w", io.EOF)

// Conn is the bidirectional byte stream a session runs over. Close must
// release both halves and any process behind them.
type Conn interface {
	io.Reader
	io.Writer
	Close(ctx context.Context) error
}

// State is a session lifecycle state.
type State int32

const (
	StateUnstarted State = iota
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// SessionOptions configures client identity, timeouts and hooks.
type SessionOptions struct {
	ID               string
	ProtocolVersion  string
	ClientInfo       ClientInfo
	Capabilities     map[string]any
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	MaxFrameSize     int
	Logger           *slog.Logger
	// OnStateChange is invoked synchronously after every transition.
	OnStateChange func(id string, from, to State)
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = DefaultProtocolVersion
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo.Name = defaultClientName
	}
	if o.ClientInfo.Version == "" {
		o.ClientInfo.Version = defaultClientVersion
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = DefaultCallTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is one live worker connection: its stream, handshake state and
// pending calls. Calls may be issued concurrently once the session is Ready.
type Session struct {
	id     string
	conn   Conn
	enc    *Encoder
	dec    *Decoder
	opts   SessionOptions
	logger *slog.Logger

	state   atomic.Int32
	nextID  atomic.Int64
	reading atomic.Bool

	mu         sync.Mutex
	pending    map[int64]*pendingCall
	err        error
	initResult InitializeResult

	done       chan struct{}
	readerDone chan struct{}

	releaseOnce sync.Once
	releaseErr  error
}

type pendingCall struct {
	method string
	result chan Message
}

// NewSession wraps conn in an Unstarted session. Initialize must complete
// before calls are accepted.
func NewSession(conn Conn, opts SessionOptions) *Session {
	opts = opts.withDefaults()
	return &Session{
		id:         opts.ID,
		conn:       conn,
		enc:        NewEncoder(conn),
		dec:        NewDecoder(conn, opts.MaxFrameSize),
		opts:       opts,
		logger:     opts.Logger.With("session_id", opts.ID),
		pending:    make(map[int64]*pendingCall),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
}

// Spawn starts a worker process and performs the handshake. On failure the
// process is terminated before Spawn returns.
func Spawn(ctx context.Context, cfg ProcessConfig, opts SessionOptions) (*Session, error) {
	opts = opts.withDefaults()
	logger := opts.Logger.With("session_id", opts.ID)

	proc, err := StartProcess(cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("worker started", "command", cfg.Command, "pid", proc.Pid())

	session := NewSession(proc, opts)
	if _, err := session.Initialize(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*proc.grace)
		defer cancel()
		_ = session.Close(closeCtx)
		return nil, err
	}
	return session, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when the session reaches Closed or Failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session stopped, or nil while it is usable.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// ServerInfo returns the worker identity from the handshake.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initResult.ServerInfo
}

// Initialize runs the handshake: initialize, capability check, then the
// initialized notification. It may be called once.
func (s *Session) Initialize(ctx context.Context) (InitializeResult, error) {
	if !s.state.CompareAndSwap(int32(StateUnstarted), int32(StateHandshaking)) {
		return InitializeResult{}, &RequestError{Method: MethodInitialize, Err: fmt.Errorf("session is %s", s.State())}
	}
	s.notifyState(StateUnstarted, StateHandshaking)
	s.reading.Store(true)
	go s.readLoop()

	params := InitializeParams{
		ProtocolVersion: s.opts.ProtocolVersion,
		Capabilities:    cloneMap(s.opts.Capabilities),
		ClientInfo:      s.opts.ClientInfo,
	}
	var result InitializeResult
	raw, err := s.roundTrip(ctx, MethodInitialize, params, s.opts.HandshakeTimeout)
	if err == nil {
		if err = json.Unmarshal(raw, &result); err != nil {
			err = &RequestError{Method: MethodInitialize, Err: fmt.Errorf("decode result: %w", err)}
		}
	}
	if err == nil && !result.SupportsTools() {
		err = &RequestError{Method: MethodInitialize, Err: ErrToolsUnsupported}
	}
	if err == nil {
		err = s.notify(MethodInitialized, map[string]any{})
	}
	if err != nil {
		s.fail(err)
		return InitializeResult{}, err
	}

	s.mu.Lock()
	s.initResult = result
	s.mu.Unlock()
	s.transition(StateReady)
	s.logger.Info("session ready",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol", result.ProtocolVersion,
	)
	return result, nil
}

// Close ends the session: pending calls resolve with ErrSessionClosed, a close
// notification is sent best-effort and the stream is released. Closing a
// failed session still reaps its process.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	alreadyStopped := s.err != nil
	if !alreadyStopped {
		s.err = ErrSessionClosed
		clear(s.pending)
	}
	s.mu.Unlock()

	if !alreadyStopped {
		if s.reading.Load() {
			if err := s.notify(MethodClose, map[string]any{}); err != nil {
				s.logger.Debug("close notification not delivered", "error", err)
			}
		}
		s.transition(StateClosed)
		close(s.done)
	}

	err := s.release(ctx)
	if s.reading.Load() {
		select {
		case <-s.readerDone:
		case <-ctx.Done():
			if err == nil {
				err = ctx.Err()
			}
		}
	}
	return err
}

// fail moves the session to Failed and resolves every pending call with
// ErrConnectionLost. Only the first failure is recorded.
func (s *Session) fail(cause error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = connectionLost(cause)
	abandoned := len(s.pending)
	clear(s.pending)
	s.mu.Unlock()

	s.transition(StateFailed)
	close(s.done)
	s.logger.Warn("session failed", "pending_calls", abandoned, "error", cause)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*DefaultShutdownGrace)
		defer cancel()
		if err := s.release(ctx); err != nil {
			s.logger.Debug("release after failure", "error", err)
		}
	}()
}

func (s *Session) release(ctx context.Context) error {
	s.releaseOnce.Do(func() {
		s.releaseErr = s.conn.Close(ctx)
	})
	return s.releaseErr
}

func (s *Session) transition(to State) {
	for {
		from := State(s.state.Load())
		if from.Terminal() || from == to {
			return
		}
		if s.state.CompareAndSwap(int32(from), int32(to)) {
			s.notifyState(from, to)
			return
		}
	}
}

func (s *Session) notifyState(from, to State) {
	s.logger.Debug("session state", "from", from.String(), "to", to.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s.id, from, to)
	}
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	for message, err := range s.dec.Messages() {
		if err != nil {
			s.fail(err)
			return
		}
		s.dispatch(message)
	}
	s.fail(errOutputClosed)
}

func (s *Session) dispatch(message Message) {
	switch message.Kind() {
	case KindResponse:
		s.deliver(message)
	case KindRequest:
		s.answer(message)
	case KindNotification:
		s.logger.Debug("worker notification", "method", message.Method)
	default:
		if message.Error != nil {
			s.logger.Warn("worker reported uncorrelated error", "code", message.Error.Code, "message", message.Error.Message)
			return
		}
		s.logger.Warn("discarding message without id or method")
	}
}

// deliver hands a response to its pending call. The send happens under the
// lock so a waiter that fails to remove its entry knows the slot is filled.
func (s *Session) deliver(message Message) {
	s.mu.Lock()
	call, ok := s.pending[message.ID]
	if ok {
		delete(s.pending, message.ID)
		call.result <- message
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping response for unknown request", "request_id", message.ID)
	}
}

// answer replies to requests initiated by the worker. Only ping is supported.
func (s *Session) answer(message Message) {
	reply := Message{ID: message.ID}
	if message.Method == MethodPing {
		reply.Result = json.RawMessage(`{}`)
	} else {
		reply.Error = &RPCError{Code: CodeMethodNotFound, Message: "method not found: " + message.Method}
	}
	if err := s.enc.Encode(reply); err != nil {
		s.fail(err)
	}
}

func (s *Session) notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return &RequestError{Method: method, Err: err}
	}
	if err := s.enc.Encode(Message{Method: method, Params: raw}); err != nil {
		return &RequestError{Method: method, Err: err}
	}
	return nil
}

// roundTrip sends one request and waits for its response, the timeout, ctx,
// or session termination, whichever comes first.
func (s *Session) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, &RequestError{Method: method, Err: err}
	}

	id := s.nextID.Add(1)
	call := &pendingCall{method: method, result: make(chan Message, 1)}

	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, &RequestError{Method: method, Err: err}
	}
	s.pending[id] = call
	s.mu.Unlock()

	if err := s.enc.Encode(Message{ID: id, Method: method, Params: raw}); err != nil {
		s.remove(id)
		s.fail(err)
		return nil, &RequestError{Method: method, Err: s.Err()}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case message := <-call.result:
		return unpack(method, message)
	case <-timer.C:
		if s.remove(id) {
			s.logger.Warn("call timed out", "method", method, "request_id", id, "timeout", timeout)
			s.cancelRemote(id, "timeout")
			return nil, &RequestError{Method: method, Err: fmt.Errorf("%w after %s", ErrTimeout, timeout)}
		}
	case <-ctx.Done():
		if s.remove(id) {
			cause := ctx.Err()
			if errors.Is(cause, context.DeadlineExceeded) {
				s.cancelRemote(id, "timeout")
				return nil, &RequestError{Method: method, Err: fmt.Errorf("%w: %w", ErrTimeout, cause)}
			}
			s.cancelRemote(id, "cancelled")
			return nil, &RequestError{Method: method, Err: fmt.Errorf("%w: %w", ErrCancelled, cause)}
		}
	case <-s.done:
	}

	// The entry was already gone: either the reader filled the slot or the
	// session stopped.
	select {
	case message := <-call.result:
		return unpack(method, message)
	default:
		return nil, &RequestError{Method: method, Err: s.Err()}
	}
}

// remove deletes a pending entry and reports whether it was still present.
func (s *Session) remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) cancelRemote(id int64, reason string) {
	if err := s.notify(MethodCancelled, CancelledParams{RequestID: id, Reason: reason}); err != nil {
		s.logger.Debug("cancel notification not delivered", "request_id", id, "error", err)
	}
}

func unpack(method string, message Message) (json.RawMessage, error) {
	if message.Error != nil {
		return nil, &RequestError{Method: method, Err: message.Error}
	}
	return message.Result, nil
}
