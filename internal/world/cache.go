package world

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/talgya/karma-world/internal/karma"
)

var tracer = otel.Tracer("github.com/talgya/karma-world/internal/world")

// sampleInterval is the minimum spacing between karma history samples.
const sampleInterval = time.Hour

// Source supplies the aggregates a refresh needs.
type Source interface {
	Population(ctx context.Context) (karma.Totals, int, error)
	ActionRatio24h(ctx context.Context) (karma.ActionRatio, error)
}

// ConflictCounter supplies the instability signals.
type ConflictCounter interface {
	CountActiveConflicts(ctx context.Context) (int, error)
	CountContested(ctx context.Context) (int, error)
}

// Store persists the world state document.
type Store interface {
	LoadWorldState(ctx context.Context) (*WorldState, error)
	SaveWorldState(ctx context.Context, ws WorldState) error
}

// Cache owns the world state. Readers share mu; every writer serialises on
// writeMu first, so a full sync's reads and its swap happen with no
// increment in between.
type Cache struct {
	source    Source
	conflicts ConflictCounter
	store     Store
	ttl       time.Duration
	now       func() time.Time

	writeMu     sync.Mutex
	mu          sync.RWMutex
	state       WorldState
	refreshedAt time.Time // last Refresh or FullSync; increments do not count
}

// NewCache creates a cache. ttl bounds how stale a Get may be.
func NewCache(source Source, conflicts ConflictCounter, store Store, ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		source:    source,
		conflicts: conflicts,
		store:     store,
		ttl:       ttl,
		now:       now,
		state:     WorldState{KarmaTrend: karma.TrendStable},
	}
}

// Load restores the persisted document, if any.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	ws, err := c.store.LoadWorldState(ctx)
	if err != nil {
		return fmt.Errorf("load world state: %w", err)
	}
	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	c.state = ws.Clone()
	c.mu.Unlock()
	slog.Info("world state restored",
		"collective_karma", ws.CollectiveKarma,
		"history", len(ws.KarmaHistory),
		"last_full_sync", ws.LastFullSyncAt,
	)
	return nil
}

// Snapshot returns the cached state without refreshing.
func (c *Cache) Snapshot() WorldState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// Get returns the world state, refreshing karma and population first when
// the cached copy is older than the TTL. A failed refresh returns the stale copy.
func (c *Cache) Get(ctx context.Context) WorldState {
	c.mu.RLock()
	fresh := !c.refreshedAt.IsZero() && c.now().Sub(c.refreshedAt) < c.ttl
	c.mu.RUnlock()
	if !fresh {
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("world state refresh failed, serving stale", "error", err)
		}
	}
	return c.Snapshot()
}

// Refresh recomputes karma and population without touching counters.
func (c *Cache) Refresh(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	totals, online, err := c.source.Population(ctx)
	if err != nil {
		return fmt.Errorf("refresh population: %w", err)
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyTotals(totals, online, now)
	c.state.LastUpdatedAt = now
	c.refreshedAt = now
	return nil
}

// FullSync recomputes every aggregate from the authoritative collaborators,
// samples karma history, resets UpdateCount and persists the document.
func (c *Cache) FullSync(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "world.FullSync")
	defer span.End()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	totals, online, err := c.source.Population(ctx)
	if err != nil {
		return fmt.Errorf("sync population: %w", err)
	}
	ratio, err := c.source.ActionRatio24h(ctx)
	if err != nil {
		return fmt.Errorf("sync actions: %w", err)
	}
	var conflicts, contested int
	if c.conflicts != nil {
		if conflicts, err = c.conflicts.CountActiveConflicts(ctx); err != nil {
			return fmt.Errorf("sync conflicts: %w", err)
		}
		if contested, err = c.conflicts.CountContested(ctx); err != nil {
			return fmt.Errorf("sync contested regions: %w", err)
		}
	}
	now := c.now()

	c.mu.Lock()
	c.applyTotals(totals, online, now)
	c.state.Actions24h = ActionCounts{Positive: ratio.Positive, Negative: ratio.Negative, Neutral: ratio.Neutral}
	c.state.ActiveConflicts = conflicts
	c.state.ContestedRegions = contested
	if n := len(c.state.KarmaHistory); n == 0 || now.Sub(c.state.KarmaHistory[n-1].At) >= sampleInterval {
		c.state.appendSample(karma.Sample{At: now, CollectiveKarma: totals.Total})
	}
	c.state.LastFullSyncAt = now
	c.state.LastUpdatedAt = now
	c.state.UpdateCount = 0
	c.refreshedAt = now
	snap := c.state.Clone()
	c.mu.Unlock()

	slog.Info("world state synced",
		"collective_karma", snap.CollectiveKarma,
		"trend", snap.KarmaTrend,
		"online", snap.OnlinePlayers,
		"conflicts", snap.ActiveConflicts,
		"contested", snap.ContestedRegions,
	)
	return c.persist(ctx, snap)
}

// applyTotals must be called with mu held.
func (c *Cache) applyTotals(t karma.Totals, online int, now time.Time) {
	c.state.CollectiveKarma = t.Total
	c.state.AverageKarma = t.Avg
	c.state.TotalPlayers = t.Count
	c.state.OnlinePlayers = online
	c.state.KarmaTrend = c.state.trendWith(karma.Sample{At: now, CollectiveKarma: t.Total})
}

// update applies fn as one incremental update.
func (c *Cache) update(fn func(ws *WorldState)) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.apply(fn)
}

// updatePersisted applies fn and saves the result before releasing the
// writer lock, so saves land in mutation order.
func (c *Cache) updatePersisted(ctx context.Context, fn func(ws *WorldState)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.persist(ctx, c.apply(fn))
}

// apply must be called with writeMu held.
func (c *Cache) apply(fn func(ws *WorldState)) WorldState {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.state)
	c.state.UpdateCount++
	c.state.LastUpdatedAt = c.now()
	return c.state.Clone()
}

// Commit runs commit, an authoritative store write, and then applies fn as
// the matching incremental update, both under the writer lock. A full sync
// therefore observes the write either through the store or through fn,
// never both. A failed commit skips fn.
func (c *Cache) Commit(ctx context.Context, commit func(ctx context.Context) error, fn func(ws *WorldState)) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := commit(ctx); err != nil {
		return err
	}
	c.apply(fn)
	return nil
}

// RecordAction commits one player action through commit and folds it into
// the counters. kind is positive, negative or neutral.
func (c *Cache) RecordAction(ctx context.Context, delta float64, kind string, commit func(ctx context.Context) error) error {
	return c.Commit(ctx, commit, func(ws *WorldState) { foldAction(ws, delta, kind) })
}

// RecordKarmaDelta folds an action that has no store write of its own into
// the counters. kind is positive, negative or neutral.
func (c *Cache) RecordKarmaDelta(ctx context.Context, delta float64, kind string) {
	c.update(func(ws *WorldState) { foldAction(ws, delta, kind) })
}

func foldAction(ws *WorldState, delta float64, kind string) {
	ws.CollectiveKarma += delta
	if ws.TotalPlayers > 0 {
		ws.AverageKarma = ws.CollectiveKarma / float64(ws.TotalPlayers)
	}
	switch kind {
	case karma.Positive:
		ws.Actions24h.Positive++
	case karma.Negative:
		ws.Actions24h.Negative++
	default:
		ws.Actions24h.Neutral++
	}
}

// RecordConflictStarted bumps the active conflict counter.
func (c *Cache) RecordConflictStarted(ctx context.Context) {
	c.update(func(ws *WorldState) { ws.ActiveConflicts++ })
}

// RecordConflictEnded decrements the active conflict counter, never below zero.
func (c *Cache) RecordConflictEnded(ctx context.Context) {
	c.update(func(ws *WorldState) {
		if ws.ActiveConflicts > 0 {
			ws.ActiveConflicts--
		}
	})
}

// SetPopulation overwrites the population counters.
func (c *Cache) SetPopulation(ctx context.Context, total, online int) {
	c.update(func(ws *WorldState) {
		ws.TotalPlayers = total
		ws.OnlinePlayers = online
	})
}

// SetActiveEvent publishes the active global event.
func (c *Cache) SetActiveEvent(ctx context.Context, ref EventRef) error {
	return c.updatePersisted(ctx, func(ws *WorldState) { ws.ActiveGlobalEvent = &ref })
}

// ClearActiveEvent drops the active pointer and records when it ended.
// Only clears when id matches the published event.
func (c *Cache) ClearActiveEvent(ctx context.Context, id string, endedAt time.Time) error {
	return c.updatePersisted(ctx, func(ws *WorldState) {
		if ws.ActiveGlobalEvent != nil && ws.ActiveGlobalEvent.ID == id {
			ws.ActiveGlobalEvent = nil
		}
		ws.LastGlobalEventEndedAt = &endedAt
	})
}

func (c *Cache) persist(ctx context.Context, ws WorldState) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.SaveWorldState(ctx, ws); err != nil {
		return fmt.Errorf("save world state: %w", err)
	}
	return nil
}
