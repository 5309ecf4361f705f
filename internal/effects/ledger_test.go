package effects

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/karma-world/internal/events"
)

type player struct {
	id     string
	region int
}

// memStore is an in-memory Store over a fixed roster.
type memStore struct {
	players []player
	applied []events.AppliedEffect
	pushErr error
}

func (m *memStore) PushAppliedEffect(_ context.Context, sel Selector, tmpl events.AppliedEffect) (int, error) {
	if m.pushErr != nil {
		return 0, m.pushErr
	}
	n := 0
	for _, p := range m.players {
		if !sel.All && !containsInt(sel.RegionIDs, p.region) {
			continue
		}
		a := tmpl
		a.PlayerID = p.id
		m.applied = append(m.applied, a)
		n++
	}
	return n, nil
}

func (m *memStore) DeleteExpiredEffects(_ context.Context, now time.Time) (int, error) {
	kept := m.applied[:0]
	n := 0
	for _, a := range m.applied {
		if !a.ExpiresAt.After(now) {
			n++
			continue
		}
		kept = append(kept, a)
	}
	m.applied = kept
	return n, nil
}

func (m *memStore) ListAppliedEffects(_ context.Context, playerID string, t events.EffectType) ([]events.AppliedEffect, error) {
	var out []events.AppliedEffect
	for _, a := range m.applied {
		if a.PlayerID == playerID && (t == "" || a.Type == t) {
			out = append(out, a)
		}
	}
	return out, nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

var start = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newLedger() (*Ledger, *memStore, *clock) {
	store := &memStore{players: []player{{"p1", 1}, {"p2", 1}, {"p3", 2}}}
	clk := &clock{t: start}
	return NewLedger(store, clk.now), store, clk
}

func TestCombine(t *testing.T) {
	xp := func(v float64) events.AppliedEffect { return events.AppliedEffect{Type: events.EffectXPBoost, Value: v} }
	regen := func(v float64) events.AppliedEffect { return events.AppliedEffect{Type: events.EffectHealthRegen, Value: v} }

	assert.InDelta(t, 1.0, Combine(events.EffectXPBoost, nil), 1e-9)
	assert.InDelta(t, 2.0, Combine(events.EffectXPBoost, []events.AppliedEffect{xp(2.0)}), 1e-9)
	// Stacked multipliers add their bonuses rather than compounding.
	assert.InDelta(t, 2.5, Combine(events.EffectXPBoost, []events.AppliedEffect{xp(2.0), xp(1.5)}), 1e-9)
	assert.InDelta(t, 0.5, Combine(events.EffectXPBoost, []events.AppliedEffect{xp(0.5)}), 1e-9)

	assert.InDelta(t, 16, Combine(events.EffectHealthRegen, []events.AppliedEffect{regen(10), regen(5)}), 1e-9)
	assert.InDelta(t, 1.0, Combine(events.EffectHealthRegen, []events.AppliedEffect{xp(3)}), 1e-9, "other types ignored")
}

func TestResolve(t *testing.T) {
	assert.Equal(t, Selector{All: true}, Resolve(events.ScopeAll, []int{1}))
	assert.Equal(t, Selector{RegionIDs: []int{1, 4}}, Resolve(events.ScopeRegion, []int{1, 4}))
	assert.Equal(t, Selector{All: true}, Resolve(events.ScopeRegion, nil), "global event with region scope")
	assert.Equal(t, Selector{All: true}, Resolve(events.ScopeGuild, []int{2}))
	assert.Equal(t, Selector{All: true}, Resolve(events.ScopeAlignment, nil))
}

func TestApplyEventTargetsRegions(t *testing.T) {
	l, store, _ := newLedger()
	ev := &events.Event{
		ID:              "evt_1",
		AffectedRegions: []int{1},
		Effects: []events.Effect{
			{Type: events.EffectPvPDamage, Value: 0.2, Scope: events.ScopeRegion, DurationHours: 6},
			{Type: events.EffectXPBoost, Value: 1.2, Scope: events.ScopeAll, DurationHours: 12},
		},
	}
	n, err := l.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 5, n, "two players in region 1 plus all three")

	for _, a := range store.applied {
		assert.Equal(t, "evt_1", a.SourceEventID)
		assert.Equal(t, start, a.AppliedAt)
		if a.Type == events.EffectPvPDamage {
			assert.NotEqual(t, "p3", a.PlayerID)
			assert.Equal(t, start.Add(6*time.Hour), a.ExpiresAt)
		}
	}
}

func TestMultiplierIgnoresExpired(t *testing.T) {
	l, _, clk := newLedger()
	ctx := context.Background()

	_, err := l.Apply(ctx, "evt_a", []events.Effect{{Type: events.EffectGoldBoost, Value: 1.5, Scope: events.ScopeAll, DurationHours: 2}})
	require.NoError(t, err)
	_, err = l.Apply(ctx, "evt_b", []events.Effect{{Type: events.EffectGoldBoost, Value: 1.25, Scope: events.ScopeAll, DurationHours: 10}})
	require.NoError(t, err)

	m, err := l.Multiplier(ctx, "p1", events.EffectGoldBoost)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, m, 1e-9)

	clk.t = start.Add(2 * time.Hour)
	m, err = l.Multiplier(ctx, "p1", events.EffectGoldBoost)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, m, 1e-9, "first effect expired at its boundary")

	active, err := l.Active(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "evt_b", active[0].SourceEventID)

	m, err = l.Multiplier(ctx, "nobody", events.EffectGoldBoost)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, m, 1e-9)
}

func TestSweep(t *testing.T) {
	l, store, clk := newLedger()
	ctx := context.Background()
	_, err := l.Apply(ctx, "evt_a", []events.Effect{{Type: events.EffectEnergyRegen, Value: 10, Scope: events.ScopeAll, DurationHours: 1}})
	require.NoError(t, err)

	n, err := l.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.t = start.Add(time.Hour)
	n, err = l.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, store.applied)
}

func TestApplyReportsStoreErrors(t *testing.T) {
	l, store, _ := newLedger()
	store.pushErr = errors.New("disk full")
	_, err := l.Apply(context.Background(), "evt_x", []events.Effect{{Type: events.EffectXPBoost, Value: 2, DurationHours: 1}})
	assert.ErrorIs(t, err, store.pushErr)
	assert.Contains(t, err.Error(), "evt_x")
}
