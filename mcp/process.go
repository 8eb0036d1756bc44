package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"
)

// DefaultShutdownGrace is how long Close waits for a worker to exit on its
// own before killing it.
const DefaultShutdownGrace = 2 * time.Second

// ProcessConfig describes how to launch a worker. Env values are opaque and
// appended to the inherited environment.
type ProcessConfig struct {
	Command       string
	Args          []string
	Env           map[string]string
	Dir           string
	ShutdownGrace time.Duration
}

// Process is a running worker subprocess exposed as a bidirectional stream:
// reads come from its stdout and writes go to its stdin.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *io.PipeReader
	grace  time.Duration
	logger *slog.Logger

	waitCh  chan struct{}
	waitErr error
}

// StartProcess launches the worker described by cfg. The process is not tied
// to a context; it lives until Close.
func StartProcess(cfg ProcessConfig, logger *slog.Logger) (*Process, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("mcp: worker command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}

	// #nosec G204 -- command and args come from operator configuration.
	cmd := exec.Command(cfg.Command, slices.Clone(cfg.Args)...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), flattenEnv(cfg.Env)...)
	}
	cmd.WaitDelay = grace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: open worker stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: open worker stderr: %w", err)
	}
	stdoutR, stdoutW := io.Pipe()
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		return nil, fmt.Errorf("mcp: start worker: %w", err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		grace:  grace,
		logger: logger.With("pid", cmd.Process.Pid),
		waitCh: make(chan struct{}),
	}
	go p.waitLoop(stderr, stdoutW)
	return p, nil
}

func (p *Process) waitLoop(stderr io.Reader, stdout *io.PipeWriter) {
	defer close(p.waitCh)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		p.logger.Debug("worker stderr", "line", scanner.Text())
	}

	p.waitErr = p.cmd.Wait()
	if p.waitErr != nil {
		p.logger.Debug("worker exited", "error", p.waitErr)
		_ = stdout.CloseWithError(fmt.Errorf("mcp: worker exited: %w", p.waitErr))
		return
	}
	p.logger.Debug("worker exited")
	_ = stdout.Close()
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Read reads from the worker's stdout.
func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Write writes to the worker's stdin.
func (p *Process) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.waitCh
}

// Close closes stdin, waits up to the shutdown grace period for the worker
// to exit, then kills it. The process is always reaped before Close returns
// unless ctx ends first.
func (p *Process) Close(ctx context.Context) error {
	_ = p.stdin.Close()

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.waitCh:
		_ = p.stdout.Close()
		return nil
	case <-timer.C:
		p.logger.Warn("worker did not exit within grace period, killing", "grace", p.grace)
	case <-ctx.Done():
	}

	_ = p.cmd.Process.Kill()
	_ = p.stdout.Close()
	select {
	case <-p.waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flattenEnv(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(values))
	for _, key := range keys {
		out = append(out, key+"="+values[key])
	}
	return out
}
