package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/karma-world/internal/content"
	"github.com/talgya/karma-world/internal/effects"
)

// Default loop intervals.
const (
	DefaultCheckInterval = 5 * time.Minute
	DefaultSyncInterval  = 10 * time.Minute
)

// SchedulerConfig sets the loop intervals. Zero values pick the defaults.
type SchedulerConfig struct {
	CheckInterval time.Duration
	SyncInterval  time.Duration
	// RunOnStart fires both loops once before the first tick.
	RunOnStart bool
}

func (c SchedulerConfig) normalized() SchedulerConfig {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	return c
}

// Syncer performs the expensive world state resync.
type Syncer interface {
	FullSync(ctx context.Context) error
}

// Scheduler drives the two periodic tasks: the event check and the world resync.
type Scheduler struct {
	mgr     *Manager
	world   Syncer
	ledger  *effects.Ledger
	content *content.Cache
	cfg     SchedulerConfig
}

// NewScheduler creates a Scheduler. contentCache may be nil.
func NewScheduler(mgr *Manager, world Syncer, ledger *effects.Ledger, contentCache *content.Cache, cfg SchedulerConfig) *Scheduler {
	return &Scheduler{mgr: mgr, world: world, ledger: ledger, content: contentCache, cfg: cfg.normalized()}
}

// Run blocks until ctx is cancelled. Tick failures are logged, never returned.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler started", "check_interval", s.cfg.CheckInterval, "sync_interval", s.cfg.SyncInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return loop(ctx, s.cfg.CheckInterval, s.cfg.RunOnStart, s.CheckTick) })
	g.Go(func() error { return loop(ctx, s.cfg.SyncInterval, s.cfg.RunOnStart, s.SyncTick) })
	err := g.Wait()

	slog.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// CheckTick expires finished events, then considers a new one.
func (s *Scheduler) CheckTick(ctx context.Context) {
	if n, err := s.mgr.SweepExpired(ctx); err != nil {
		slog.Error("sweep expired events", "error", err)
	} else if n > 0 {
		slog.Info("expired events ended", "count", n)
	}
	if ev := s.mgr.CheckAndTrigger(ctx, false); ev != nil {
		slog.Info("world event triggered", "event_id", ev.ID, "name", ev.Name, "severity", ev.Severity)
	}
}

// SyncTick resyncs world state and sweeps expired effects.
func (s *Scheduler) SyncTick(ctx context.Context) {
	if err := s.world.FullSync(ctx); err != nil {
		slog.Error("world full sync", "error", err)
	}
	if _, err := s.ledger.Sweep(ctx); err != nil {
		slog.Error("effect sweep", "error", err)
	}
	if s.content != nil {
		if n := s.content.Purge(); n > 0 {
			slog.Debug("content cache purged", "removed", n)
		}
	}
}

func loop(ctx context.Context, every time.Duration, runNow bool, fn func(context.Context)) error {
	if runNow {
		fn(ctx)
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}
