package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/karma-world/internal/effects"
	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/karma"
	"github.com/talgya/karma-world/internal/regions"
	"github.com/talgya/karma-world/internal/world"
)

var (
	_ karma.PlayerReader       = (*DB)(nil)
	_ karma.ActionReader       = (*DB)(nil)
	_ world.Store              = (*DB)(nil)
	_ world.ConflictCounter    = (*DB)(nil)
	_ regions.Store            = (*DB)(nil)
	_ regions.PopulationReader = (*DB)(nil)
	_ effects.Store            = (*DB)(nil)
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func seedPlayers(t *testing.T, db *DB) {
	t.Helper()
	ctx := context.Background()
	for _, p := range []karma.Player{
		{ID: "p1", Username: "ada", Karma: 12000, Online: true, RegionID: 1, LastSeenAt: t0},
		{ID: "p2", Username: "bo", Karma: -300, Online: false, RegionID: 1, LastSeenAt: t0},
		{ID: "p3", Username: "cy", Karma: 4000, Online: true, RegionID: 2, LastSeenAt: t0},
	} {
		require.NoError(t, db.UpsertPlayer(ctx, p))
	}
}

func TestPlayerAggregates(t *testing.T) {
	db := openTestDB(t)
	seedPlayers(t, db)
	ctx := context.Background()

	totals, err := db.AggregateKarma(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 15700, totals.Total, 1e-9)
	assert.Equal(t, 3, totals.Count)

	online, err := db.CountPlayers(ctx, karma.Filter{OnlineOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 2, online)

	lo, hi := 0.0, 5000.0
	n, err := db.CountPlayers(ctx, karma.Filter{MinKarma: &lo, MaxKarma: &hi})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	top, err := db.TopKarma(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "p1", top[0].PlayerID)

	bottom, err := db.BottomKarma(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "p2", bottom[0].PlayerID)

	inRegion, err := db.CountPlayersInRegion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, inRegion)

	sum, err := db.SumKarmaInRegion(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 11700, sum, 1e-9)
}

func TestRecordActionMovesKarma(t *testing.T) {
	db := openTestDB(t)
	seedPlayers(t, db)
	ctx := context.Background()

	k, err := db.RecordAction(ctx, karma.Action{PlayerID: "p2", Action: "heal_ally", KarmaDelta: 50, At: t0})
	require.NoError(t, err)
	assert.InDelta(t, -250, k, 1e-9)

	_, err = db.RecordAction(ctx, karma.Action{PlayerID: "p2", Action: "steal", KarmaDelta: -20, At: t0.Add(time.Minute)})
	require.NoError(t, err)
	_, err = db.RecordAction(ctx, karma.Action{PlayerID: "p1", Action: "idle", At: t0.Add(-48 * time.Hour)})
	require.NoError(t, err)

	counts, err := db.CountActionsSince(ctx, t0.Add(-24*time.Hour), "kind")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"positive": 1, "negative": 1}, counts)

	byRegion, err := db.CountActionsSince(ctx, t0.Add(-24*time.Hour), "region_id")
	require.NoError(t, err)
	assert.Equal(t, 2, byRegion["1"])

	_, err = db.CountActionsSince(ctx, t0, "username; DROP TABLE players")
	assert.Error(t, err)

	_, err = db.RecordAction(ctx, karma.Action{PlayerID: "ghost", KarmaDelta: 1})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventStatusNeverMovesBackward(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ev := &events.Event{
		ID:        events.NewID(),
		Kind:      events.KindGoldenAge,
		Name:      "Golden Age",
		IsGlobal:  true,
		Status:    events.StatusScheduled,
		CreatedAt: t0,
	}
	require.NoError(t, db.InsertEvent(ctx, ev))

	stale := *ev

	ends := t0.Add(72 * time.Hour)
	ev.Status = events.StatusActive
	ev.StartedAt, ev.EndsAt = &t0, &ends
	ok, err := db.UpdateEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.UpdateEvent(ctx, &stale)
	require.NoError(t, err)
	assert.False(t, ok, "scheduled copy must not overwrite an active event")

	got, err := db.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, events.StatusActive, got.Status)
	require.NotNil(t, got.EndsAt)
	assert.True(t, ends.Equal(*got.EndsAt))

	missing, err := db.GetEvent(ctx, "evt_missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListEventsFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, st := range []events.Status{events.StatusActive, events.StatusEnded, events.StatusActive} {
		require.NoError(t, db.InsertEvent(ctx, &events.Event{
			ID:        events.NewID(),
			Kind:      events.KindMeteorShower,
			IsGlobal:  i != 2,
			Status:    st,
			CreatedAt: t0.Add(time.Duration(i) * time.Hour),
		}))
	}

	all, err := db.ListEvents(ctx, events.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].CreatedAt.After(all[1].CreatedAt))

	active, err := db.ListEvents(ctx, events.Filter{Status: events.StatusActive, GlobalOnly: true})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	limited, err := db.ListEvents(ctx, events.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRegionsRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	r := regions.Seed(1, 20, 42, t0)
	require.NoError(t, db.InsertRegion(ctx, r))
	require.NoError(t, db.InsertRegion(ctx, regions.Seed(1, 20, 99, t0)), "duplicate insert is ignored")

	n, err := db.CountRegions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.Contested = true
	r.ControllingGuild = "iron-pact"
	require.NoError(t, db.SaveRegion(ctx, r))

	contested, err := db.CountContested(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, contested)

	held, err := db.ListRegions(ctx, regions.Filter{Guild: "iron-pact"})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, r.Resources, held[0].Resources)

	assert.ErrorIs(t, db.SaveRegion(ctx, &regions.Region{ID: 77}), ErrNotFound)
}

func TestAppliedEffectsExpireAtBoundary(t *testing.T) {
	db := openTestDB(t)
	seedPlayers(t, db)
	ctx := context.Background()

	tmpl := events.AppliedEffect{
		SourceEventID: "evt_1",
		Type:          events.EffectXPBoost,
		Value:         1.5,
		AppliedAt:     t0,
		ExpiresAt:     t0.Add(time.Hour),
	}
	n, err := db.PushAppliedEffect(ctx, effects.Selector{All: true}, tmpl)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = db.PushAppliedEffect(ctx, effects.Selector{RegionIDs: []int{2}}, tmpl)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := db.ListAppliedEffects(ctx, "p3", events.EffectXPBoost)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	removed, err := db.DeleteExpiredEffects(ctx, t0.Add(time.Hour-time.Nanosecond))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = db.DeleteExpiredEffects(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, removed)
}

func TestWorldStateAndConflicts(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ws, err := db.LoadWorldState(ctx)
	require.NoError(t, err)
	assert.Nil(t, ws)

	require.NoError(t, db.SaveWorldState(ctx, world.WorldState{CollectiveKarma: 1234, KarmaTrend: karma.TrendRising}))
	ws, err = db.LoadWorldState(ctx)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.InDelta(t, 1234, ws.CollectiveKarma, 1e-9)
	assert.Equal(t, karma.TrendRising, ws.KarmaTrend)

	id, err := db.StartConflict(ctx, 3, "iron-pact", "ash-court", t0)
	require.NoError(t, err)
	active, err := db.CountActiveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	c, err := db.GetConflict(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.RegionID)
	assert.Equal(t, "iron-pact", c.Attacker)
	assert.Equal(t, "ash-court", c.Defender)
	assert.True(t, t0.Equal(c.StartedAt))
	assert.Nil(t, c.EndedAt)

	ended, err := db.EndConflict(ctx, id, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ended)
	ended, err = db.EndConflict(ctx, id, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ended)

	c, err = db.GetConflict(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.EndedAt)
	assert.True(t, t0.Add(time.Hour).Equal(*c.EndedAt))

	c, err = db.GetConflict(ctx, id+100)
	require.NoError(t, err)
	assert.Nil(t, c)
}
