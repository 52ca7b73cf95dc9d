// Package retention periodically removes finished tasks from the store.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Cleaner deletes terminal tasks not updated within maxAge.
type Cleaner interface {
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// Config holds the dependencies for the sweeper.
type Config struct {
	Cleaner Cleaner
	Logger  *slog.Logger
	// Schedule is a standard 5-field cron expression or a descriptor
	// such as "@every 1h".
	Schedule string
	MaxAge   time.Duration
}

// Sweeper runs Cleanup on a cron schedule.
type Sweeper struct {
	cron    *cronlib.Cron
	cleaner Cleaner
	maxAge  time.Duration
	logger  *slog.Logger
	timeout time.Duration
}

// NewSweeper validates the schedule and registers the cleanup job.
func NewSweeper(cfg Config) (*Sweeper, error) {
	if cfg.Cleaner == nil {
		return nil, fmt.Errorf("cleaner cannot be nil")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sweeper{
		cron:    cronlib.New(),
		cleaner: cfg.Cleaner,
		maxAge:  cfg.MaxAge,
		logger:  logger.With("component", "retention"),
		timeout: time.Minute,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, func() { s.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("retention sweeper started", "max_age", s.maxAge)
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.logger.Warn("retention sweep still running at shutdown")
	}
}

// Sweep runs one cleanup pass and returns how many tasks were removed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	removed, err := s.cleaner.Cleanup(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return 0
	}
	s.logger.Debug("retention sweep finished", "removed", removed)
	return removed
}
