// Package effects applies event effects to players, folds them into
// per-player multipliers, and sweeps them when they expire.
package effects

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/karma-world/internal/events"
)

// Selector picks the players an effect lands on.
type Selector struct {
	All       bool
	RegionIDs []int
}

// Store holds per-player applied effects.
type Store interface {
	// PushAppliedEffect copies tmpl onto every player matched by sel and
	// returns how many players received it. tmpl.PlayerID is ignored.
	PushAppliedEffect(ctx context.Context, sel Selector, tmpl events.AppliedEffect) (int, error)
	DeleteExpiredEffects(ctx context.Context, now time.Time) (int, error)
	// ListAppliedEffects returns a player's effects, optionally of one type.
	ListAppliedEffects(ctx context.Context, playerID string, t events.EffectType) ([]events.AppliedEffect, error)
}

// Ledger applies and expires timed effects.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a Ledger. now defaults to time.Now.
func NewLedger(store Store, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{store: store, now: now}
}

// Resolve maps a target scope to a player selector. Region scope narrows to
// the event's regions when it has any; guild and alignment are accepted but
// have no targeting data yet and reach every player.
func Resolve(scope events.TargetScope, regions []int) Selector {
	if scope == events.ScopeRegion && len(regions) > 0 {
		return Selector{RegionIDs: append([]int(nil), regions...)}
	}
	return Selector{All: true}
}

// Apply pushes each effect onto its targeted players with
// expiresAt = now + effect duration. Returns the total applications made.
func (l *Ledger) Apply(ctx context.Context, eventID string, effs []events.Effect) (int, error) {
	return l.apply(ctx, eventID, effs, nil)
}

// ApplyEvent applies an event's effects, honouring its affected regions.
func (l *Ledger) ApplyEvent(ctx context.Context, ev *events.Event) (int, error) {
	return l.apply(ctx, ev.ID, ev.Effects, ev.AffectedRegions)
}

func (l *Ledger) apply(ctx context.Context, eventID string, effs []events.Effect, regions []int) (int, error) {
	now := l.now()
	total := 0
	for _, e := range effs {
		tmpl := events.AppliedEffect{
			SourceEventID: eventID,
			Type:          e.Type,
			Value:         e.Value,
			AppliedAt:     now,
			ExpiresAt:     now.Add(e.Duration()),
			Description:   e.Description,
		}
		n, err := l.store.PushAppliedEffect(ctx, Resolve(e.Scope, regions), tmpl)
		if err != nil {
			return total, fmt.Errorf("apply %s for event %s: %w", e.Type, eventID, err)
		}
		total += n
	}
	slog.Info("event effects applied", "event_id", eventID, "effects", len(effs), "applications", total)
	return total, nil
}

// Sweep removes every applied effect whose expiry has passed.
func (l *Ledger) Sweep(ctx context.Context) (int, error) {
	n, err := l.store.DeleteExpiredEffects(ctx, l.now())
	if err != nil {
		return 0, fmt.Errorf("sweep effects: %w", err)
	}
	if n > 0 {
		slog.Info("expired effects swept", "removed", n)
	}
	return n, nil
}

// Active returns a player's unexpired effects.
func (l *Ledger) Active(ctx context.Context, playerID string) ([]events.AppliedEffect, error) {
	all, err := l.store.ListAppliedEffects(ctx, playerID, "")
	if err != nil {
		return nil, fmt.Errorf("list effects: %w", err)
	}
	return live(all, l.now()), nil
}

// Multiplier folds a player's current effects of type t into one value.
// Returns 1.0 when none are active.
func (l *Ledger) Multiplier(ctx context.Context, playerID string, t events.EffectType) (float64, error) {
	all, err := l.store.ListAppliedEffects(ctx, playerID, t)
	if err != nil {
		return 1.0, fmt.Errorf("list effects: %w", err)
	}
	return Combine(t, live(all, l.now())), nil
}

// Combine folds effect values from 1.0: boost/multiplier types as
// 1 + Σ(value−1), every other type as 1 + Σvalue.
func Combine(t events.EffectType, applied []events.AppliedEffect) float64 {
	result := 1.0
	for _, a := range applied {
		if a.Type != t {
			continue
		}
		if t.Multiplicative() {
			result += a.Value - 1
		} else {
			result += a.Value
		}
	}
	return result
}

func live(all []events.AppliedEffect, now time.Time) []events.AppliedEffect {
	out := all[:0:0]
	for _, a := range all {
		if !a.Expired(now) {
			out = append(out, a)
		}
	}
	return out
}
