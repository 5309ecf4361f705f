package trigger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/llm"
	"github.com/talgya/karma-world/internal/world"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func endedAgo(h float64) *time.Time {
	t := now.Add(-time.Duration(h * float64(time.Hour)))
	return &t
}

func cond(t *testing.T, conds []Condition, k ConditionKind) Condition {
	t.Helper()
	c, ok := Find(conds, k)
	require.True(t, ok, "condition %s", k)
	return c
}

func TestCooldownTiers(t *testing.T) {
	tests := []struct {
		online int
		want   time.Duration
		tier   string
	}{
		{0, 24 * time.Hour, "very_low"},
		{9, 24 * time.Hour, "very_low"},
		{10, 12 * time.Hour, "low"},
		{50, 8 * time.Hour, "medium"},
		{100, 6 * time.Hour, "high"},
		{499, 6 * time.Hour, "high"},
		{500, 4 * time.Hour, "very_high"},
		{10000, 4 * time.Hour, "very_high"},
	}
	for _, tt := range tests {
		d, tier := CooldownFor(tt.online)
		assert.Equal(t, tt.want, d, "online=%d", tt.online)
		assert.Equal(t, tt.tier, tier, "online=%d", tt.online)
	}
}

func TestCooldownCondition(t *testing.T) {
	ws := world.WorldState{OnlinePlayers: 5, LastGlobalEventEndedAt: endedAgo(20)}
	c := cond(t, Evaluate(ws, now), CondCooldown)
	assert.False(t, c.Met, "small population waits 24h")
	assert.InDelta(t, 20, c.Current, 1e-9)
	assert.InDelta(t, 24, c.Threshold, 1e-9)

	ws.OnlinePlayers = 600
	assert.True(t, cond(t, Evaluate(ws, now), CondCooldown).Met)

	never := cond(t, Evaluate(world.WorldState{}, now), CondCooldown)
	assert.True(t, never.Met)
	assert.InDelta(t, -1, never.Current, 1e-9)
}

func TestKarmaThresholdCondition(t *testing.T) {
	c := cond(t, Evaluate(world.WorldState{CollectiveKarma: 5000}, now), CondKarmaThreshold)
	assert.False(t, c.Met, "threshold is exclusive")

	c = cond(t, Evaluate(world.WorldState{CollectiveKarma: 12000}, now), CondKarmaThreshold)
	assert.True(t, c.Met)
	assert.Equal(t, "major positive (10000)", c.Detail)

	c = cond(t, Evaluate(world.WorldState{CollectiveKarma: -16000}, now), CondKarmaThreshold)
	assert.True(t, c.Met)
	assert.Equal(t, "legendary negative (-15000)", c.Detail)
}

func TestActionRatioCondition(t *testing.T) {
	ws := world.WorldState{Actions24h: world.ActionCounts{Positive: 9, Negative: 1}}
	c := cond(t, Evaluate(ws, now), CondActionRatio)
	assert.True(t, c.Met)
	assert.Equal(t, "overwhelmingly virtuous", c.Detail)

	ws.Actions24h = world.ActionCounts{Positive: 1, Negative: 9}
	assert.True(t, cond(t, Evaluate(ws, now), CondActionRatio).Met)

	ws.Actions24h = world.ActionCounts{Positive: 8, Negative: 2}
	assert.False(t, cond(t, Evaluate(ws, now), CondActionRatio).Met, "0.8 is not above 0.8")

	c = cond(t, Evaluate(world.WorldState{}, now), CondActionRatio)
	assert.False(t, c.Met, "no actions sits at 0.5")
	assert.InDelta(t, 0.5, c.Current, 1e-9)
}

func TestInstabilityCondition(t *testing.T) {
	c := cond(t, Evaluate(world.WorldState{ActiveConflicts: 2, ContestedRegions: 1}, now), CondInstability)
	assert.True(t, c.Met)
	assert.InDelta(t, 5, c.Current, 1e-9)

	c = cond(t, Evaluate(world.WorldState{ActiveConflicts: 1, ContestedRegions: 2}, now), CondInstability)
	assert.False(t, c.Met)
}

func TestEvaluateReturnsEveryCondition(t *testing.T) {
	conds := Evaluate(world.WorldState{}, now)
	require.Len(t, conds, 4)
	assert.Equal(t, 1, MetCount(conds), "only the cooldown is met in an empty world")
	_, ok := Find(conds, "missing")
	assert.False(t, ok)
}

func TestFastPathSkipsOracle(t *testing.T) {
	stub := &llm.Stub{Decision: &llm.Decision{ShouldTrigger: true, Urgency: "high"}}
	d := NewDecider(stub, time.Second)
	ws := world.WorldState{OnlinePlayers: 5, LastGlobalEventEndedAt: endedAgo(1)}

	eval := d.Decide(context.Background(), ws, Evaluate(ws, now), now)
	assert.False(t, eval.ShouldTrigger)
	assert.Equal(t, PathFast, eval.Path)
	assert.InDelta(t, 0.9, eval.Confidence, 1e-9)
	assert.Zero(t, stub.DecideCalls())
}

func TestOracleDecisionIsUsed(t *testing.T) {
	stub := &llm.Stub{Decision: &llm.Decision{
		ShouldTrigger:     true,
		Confidence:        1.4,
		SuggestedKind:     "meteor_shower",
		SuggestedSeverity: "major",
		Reasoning:         "the sky is restless",
		Urgency:           "high",
	}}
	d := NewDecider(stub, time.Second)
	ws := world.WorldState{CollectiveKarma: 7000}

	eval := d.Decide(context.Background(), ws, Evaluate(ws, now), now)
	assert.Equal(t, PathOracle, eval.Path)
	assert.True(t, eval.ShouldTrigger)
	assert.InDelta(t, 1, eval.Confidence, 1e-9, "clamped")
	assert.Equal(t, events.KindMeteorShower, eval.SuggestedKind)
	assert.Equal(t, events.SeverityMajor, eval.SuggestedSeverity)
	assert.Equal(t, UrgencyHigh, eval.Urgency)
	require.Len(t, stub.Prompts(), 1)
	assert.Contains(t, stub.Prompts()[0], "Collective karma: 7,000")
}

func TestInvalidOracleDecisionFallsBack(t *testing.T) {
	bad := []*llm.Decision{
		{Urgency: "whenever"},
		{Urgency: "low", SuggestedKind: "dragon_parade"},
		{Urgency: "low", SuggestedSeverity: "cosmic"},
	}
	ws := world.WorldState{CollectiveKarma: -8000, Actions24h: world.ActionCounts{Negative: 10}}
	for _, dec := range bad {
		d := NewDecider(&llm.Stub{Decision: dec}, time.Second)
		eval := d.Decide(context.Background(), ws, Evaluate(ws, now), now)
		assert.Equal(t, PathFallback, eval.Path)
		assert.True(t, eval.ShouldTrigger, "karma, cooldown and ratio are met")
		assert.Equal(t, events.KindAgeOfShadows, eval.SuggestedKind)
		assert.Equal(t, events.SeverityModerate, eval.SuggestedSeverity)
	}
}

func TestUnavailableOracleFallsBack(t *testing.T) {
	d := NewDecider(nil, time.Second)
	ws := world.WorldState{CollectiveKarma: 100, OnlinePlayers: 5, LastGlobalEventEndedAt: endedAgo(5)}

	eval := d.Decide(context.Background(), ws, Evaluate(ws, now), now)
	assert.Equal(t, PathFallback, eval.Path)
	assert.False(t, eval.ShouldTrigger)
	assert.InDelta(t, 0.7, eval.Confidence, 1e-9)
	assert.Equal(t, events.KindWanderingMerchants, eval.SuggestedKind)
	assert.Equal(t, events.SeverityMinor, eval.SuggestedSeverity)
	assert.Equal(t, "rule-based: 0 of 4 conditions met", eval.Reasoning)
}

func TestFallbackKindBySign(t *testing.T) {
	assert.Equal(t, events.KindGoldenAge, Fallback(world.WorldState{CollectiveKarma: 20000}, nil).SuggestedKind)
	assert.Equal(t, events.SeverityLegendary, Fallback(world.WorldState{CollectiveKarma: 20000}, nil).SuggestedSeverity)
	assert.Equal(t, events.KindAgeOfShadows, Fallback(world.WorldState{CollectiveKarma: -5001}, nil).SuggestedKind)
	assert.Equal(t, events.KindWanderingMerchants, Fallback(world.WorldState{CollectiveKarma: 5000}, nil).SuggestedKind)
}

func TestFormatPrompt(t *testing.T) {
	ws := world.WorldState{
		CollectiveKarma: 12345.6,
		TotalPlayers:    1200,
		OnlinePlayers:   300,
	}
	p := FormatPrompt(ws, Evaluate(ws, now), now)
	assert.Contains(t, p, "Collective karma: 12,346")
	assert.Contains(t, p, "Players: 1,200 total, 300 online")
	assert.Contains(t, p, "Last event ended: never")
	assert.Contains(t, p, "[x] karma_threshold")
	assert.Contains(t, p, "[ ] instability")
	assert.True(t, strings.HasSuffix(p, "Respond with a single JSON object."))
	for _, k := range events.AllKinds {
		assert.Contains(t, p, string(k))
	}
}
