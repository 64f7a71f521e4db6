package vsm

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler drives the cycle on a periodic tick and on external
// triggers. A trigger arriving while a cycle runs coalesces into at
// most one pending wake; RunCycle itself guards against overlap.
type Scheduler struct {
	cycle    *Cycle
	interval time.Duration
	trigger  chan struct{}
	logger   *slog.Logger
}

// NewScheduler creates a scheduler ticking at interval.
func NewScheduler(cycle *Cycle, interval time.Duration) *Scheduler {
	return &Scheduler{
		cycle:    cycle,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default().With("component", "vsm-scheduler"),
	}
}

// Trigger requests an immediate cycle. Non-blocking; the trigger
// boundary is idempotent.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		case <-s.trigger:
		}

		if _, err := s.cycle.RunCycle(ctx); err != nil {
			s.logger.Error("cycle failed", "error", err)
		}
	}
}
