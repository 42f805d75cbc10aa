// Package scheduler triggers price ticks on a fixed interval.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker is the work run on each interval.
type Ticker interface {
	Tick(ctx context.Context) error
}

// TickFunc adapts a function to Ticker.
type TickFunc func(ctx context.Context) error

func (f TickFunc) Tick(ctx context.Context) error { return f(ctx) }

// Config holds scheduler configuration.
type Config struct {
	Interval    time.Duration // Tick interval (default: 2m)
	RunOnStart  bool          // Tick immediately on Start
	TickTimeout time.Duration // Upper bound on one tick (default: interval)
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		Interval:   2 * time.Minute,
		RunOnStart: true,
	}
}

// Scheduler runs one tick at a time on a fixed interval.
type Scheduler struct {
	cfg    Config
	target Ticker
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config, target Ticker, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = cfg.Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{cfg: cfg, target: target, logger: logger}
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.run(ctx)

	s.logger.Info("price scheduler started", "interval", s.cfg.Interval)
}

// Stop halts the loop and waits for an in-flight tick, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("price scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.cfg.RunOnStart {
		s.fire(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context) {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	if err := s.target.Tick(tctx); err != nil {
		s.logger.Error("scheduled tick failed", "err", err)
	}
}
