package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSchedule parses a five-field cron expression or descriptor such as
// "@every 30s". Schedules are evaluated in UTC; timezone prefixes are
// rejected.
func ParseSchedule(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, errors.New("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, errors.New("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// Prober is the target of a ProbeScheduler.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeSchedulerConfig configures a ProbeScheduler.
type ProbeSchedulerConfig struct {
	Target   Prober
	Schedule string
	// Timeout bounds one probe. Defaults to 5s.
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// ProbeScheduler pings the pool's live session on a cron schedule.
type ProbeScheduler struct {
	target   Prober
	schedule cron.Schedule
	timeout  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewProbeScheduler validates cfg and returns a stopped scheduler.
func NewProbeScheduler(cfg ProbeSchedulerConfig) (*ProbeScheduler, error) {
	if cfg.Target == nil {
		return nil, errors.New("host: probe target is nil")
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("host: probe schedule: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProbeScheduler{
		target:   cfg.Target,
		schedule: schedule,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start begins probing in the background. Starting twice is a no-op.
func (s *ProbeScheduler) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("host: probe scheduler is nil")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := s.now()
			next := s.schedule.Next(now)
			if next.IsZero() {
				return
			}
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				_ = s.RunOnce(loopCtx)
			}
		}
	}()
	return nil
}

// Stop terminates probing and waits for an in-flight probe.
func (s *ProbeScheduler) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one probe.
func (s *ProbeScheduler) RunOnce(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.target.Probe(probeCtx); err != nil {
		s.logger.Warn("scheduled probe failed", "error", err)
		return err
	}
	return nil
}
