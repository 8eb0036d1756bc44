// Package host runs worker sessions on behalf of callers: it spawns the
// worker on first use, reuses it while it is healthy and replaces it after
// it fails.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petal-labs/petalquery/mcp"
)

var (
	// ErrPoolClosed is returned after Close.
	ErrPoolClosed = errors.New("host: pool closed")
	// ErrSpawn wraps failures to start or initialize a worker.
	ErrSpawn = errors.New("host: spawn worker")
)

// SpawnFunc starts a worker and completes its handshake.
type SpawnFunc func(ctx context.Context, cfg mcp.ProcessConfig, opts mcp.SessionOptions) (*mcp.Session, error)

// PoolConfig configures a Pool.
type PoolConfig struct {
	Process mcp.ProcessConfig
	// Session is the template for every spawned session. ID is ignored; each
	// session gets a fresh one.
	Session  mcp.SessionOptions
	Observer Observer
	Logger   *slog.Logger
	Spawn    SpawnFunc
}

// Pool holds at most one live worker session. Invoke spawns it on demand
// and replaces it when it has failed; the failed call itself is not retried.
type Pool struct {
	process  mcp.ProcessConfig
	template mcp.SessionOptions
	observer Observer
	logger   *slog.Logger
	spawn    SpawnFunc

	// spawning admits one spawner at a time; waiters honour their context.
	spawning chan struct{}

	mu      sync.Mutex
	session *mcp.Session
	tools   []mcp.Tool
	closed  bool
}

// NewPool returns an empty pool. No worker is started until the first call.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Spawn == nil {
		cfg.Spawn = mcp.Spawn
	}
	return &Pool{
		process:  cfg.Process,
		template: cfg.Session,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		spawn:    cfg.Spawn,
		spawning: make(chan struct{}, 1),
	}
}

// Invoke calls a tool on the live session.
func (p *Pool) Invoke(ctx context.Context, name string, args map[string]any, opts ...mcp.CallOption) (mcp.Outcome, error) {
	start := time.Now()
	session, err := p.Session(ctx)
	if err != nil {
		p.observeInvoke(name, "", start, err)
		return mcp.Outcome{}, err
	}
	outcome, err := session.Invoke(ctx, name, args, opts...)
	p.observeInvoke(name, session.ID(), start, err)
	if err != nil && !outcome.IsError {
		p.logger.Warn("tool invocation failed", "tool", name, "session_id", session.ID(), "error", err)
	}
	return outcome, err
}

func (p *Pool) observeInvoke(name, sessionID string, start time.Time, err error) {
	p.observer.ObserveInvoke(InvokeObservation{
		ToolName:  name,
		SessionID: sessionID,
		Start:     start,
		Duration:  time.Since(start),
		Success:   err == nil,
		ErrorCode: ErrorCode(err),
	})
}

// Tools returns the worker's catalog, cached for the lifetime of a session.
func (p *Pool) Tools(ctx context.Context) ([]mcp.Tool, error) {
	session, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.session == session && p.tools != nil {
		tools := p.tools
		p.mu.Unlock()
		return tools, nil
	}
	p.mu.Unlock()

	tools, err := session.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	if p.session == session {
		p.tools = tools
	}
	p.mu.Unlock()
	return tools, nil
}

// Session returns the live session, spawning a new one when there is none
// or the current one has stopped.
func (p *Pool) Session(ctx context.Context) (*mcp.Session, error) {
	if session, err := p.current(); session != nil || err != nil {
		return session, err
	}

	select {
	case p.spawning <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", mcp.ErrCancelled, ctx.Err())
	}
	defer func() { <-p.spawning }()

	// Another caller may have spawned while this one waited.
	if session, err := p.current(); session != nil || err != nil {
		return session, err
	}

	opts := p.template
	opts.ID = ""
	hook := opts.OnStateChange
	opts.OnStateChange = func(id string, from, to mcp.State) {
		p.observer.ObserveSession(SessionObservation{SessionID: id, From: from, To: to})
		if hook != nil {
			hook(id, from, to)
		}
	}
	if opts.Logger == nil {
		opts.Logger = p.logger
	}

	session, err := p.spawn(ctx, p.process, opts)
	if err != nil {
		p.logger.Error("worker spawn failed", "command", p.process.Command, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = session.Close(context.WithoutCancel(ctx))
		return nil, ErrPoolClosed
	}
	p.session = session
	p.tools = nil
	p.mu.Unlock()
	return session, nil
}

// current returns the live session, nil when a new one is needed, or
// ErrPoolClosed.
func (p *Pool) current() (*mcp.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if p.session == nil {
		return nil, nil
	}
	if p.session.State() == mcp.StateReady {
		return p.session, nil
	}
	stale := p.session
	p.session = nil
	p.tools = nil
	p.logger.Info("replacing stopped session", "session_id", stale.ID(), "state", stale.State().String(), "error", stale.Err())
	go reap(stale)
	return nil, nil
}

// Probe pings the live session. A session that fails the probe is closed
// and dropped so the next call spawns a replacement. Probing an empty pool
// is a no-op.
func (p *Pool) Probe(ctx context.Context) error {
	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return nil
	}

	start := time.Now()
	err := session.Ping(ctx)
	p.observer.ObserveProbe(ProbeObservation{
		SessionID: session.ID(),
		Duration:  time.Since(start),
		Healthy:   err == nil,
		ErrorCode: ErrorCode(err),
	})
	if err == nil {
		return nil
	}

	p.logger.Warn("session probe failed", "session_id", session.ID(), "error", err)
	p.mu.Lock()
	if p.session == session {
		p.session = nil
		p.tools = nil
	}
	p.mu.Unlock()
	reap(session)
	return err
}

// Close closes the live session and rejects further calls.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	session := p.session
	p.session = nil
	p.tools = nil
	p.mu.Unlock()

	if session == nil {
		return nil
	}
	return session.Close(ctx)
}

func reap(session *mcp.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*mcp.DefaultShutdownGrace)
	defer cancel()
	_ = session.Close(ctx)
}
