package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/runhub/internal/hub"
	"github.com/raphaelgruber/runhub/internal/models"
	"github.com/raphaelgruber/runhub/internal/runner"
	"github.com/raphaelgruber/runhub/internal/store"
)

// SweeperOptions configures orphan reconciliation.
type SweeperOptions struct {
	// MaxAge is how long a run may stay pending or running before it is
	// considered orphaned.
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// Sweeper fails runs that no process is executing anymore, e.g. after a
// host restart.
type Sweeper struct {
	store  store.RunStore
	runs   *RunManager
	hub    runner.Broadcaster
	opts   SweeperOptions
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper creates a Sweeper. Runs registered in runs are never swept.
func NewSweeper(s store.RunStore, runs *RunManager, h runner.Broadcaster, opts SweeperOptions) *Sweeper {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 6 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if runs == nil {
		runs = NewRunManager()
	}
	return &Sweeper{store: s, runs: runs, hub: h, opts: opts, logger: logger, now: time.Now}
}

// Sweep fails stale runs once and broadcasts a failed event for each. It
// returns the number of runs swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	reason := fmt.Sprintf("orphaned: no exit observed within %s", s.opts.MaxAge)

	swept, err := s.store.FailStaleRuns(ctx, store.StaleFilter{
		StartedBefore: now.Add(-s.opts.MaxAge),
		Exclude:       s.runs.IDs(),
	}, reason, now)
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned runs: %w", err)
	}

	for _, run := range swept {
		s.logger.Warn("orphaned run failed", "run_id", run.ID, "kind", run.Kind, "started_at", run.StartedAt)
		s.hub.Broadcast(models.Event{
			Type:      models.EventFailed,
			Scope:     run.Kind,
			RunID:     run.ID,
			Kind:      run.Category,
			Status:    models.StatusFailed,
			Error:     reason,
			Timestamp: now,
		}, hub.DashboardRoom, hub.ScopeRoom(run.Kind), hub.JobRoom(run.ID), hub.ModelRoom(run.Category))
	}
	return len(swept), nil
}

// Run sweeps immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		if n, err := s.Sweep(ctx); err != nil {
			s.logger.Warn("orphan sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("orphan sweep", "swept", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
