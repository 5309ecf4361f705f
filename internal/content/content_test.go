package content

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/karma"
	"github.com/talgya/karma-world/internal/llm"
	"github.com/talgya/karma-world/internal/world"
)

func validRaw() *llm.Proposal {
	return &llm.Proposal{
		Kind:        "meteor_shower",
		Severity:    "moderate",
		Name:        "Starfall over Velde",
		Description: "Burning stones rain on the northern hills.",
		Lore:        "The sky remembers.",
		Effects: []llm.ProposedEffect{
			{EffectType: "drop_rate_boost", Value: 1.4, TargetScope: "all", DurationHours: 6, Description: "Starmetal"},
		},
		DurationHours:         6,
		EstimatedImpact:       "More loot.",
		RequiresParticipation: true,
	}
}

func TestDefaultLibraryCoversEveryKind(t *testing.T) {
	lib := DefaultLibrary()
	for _, k := range events.AllKinds {
		tpl, ok := lib.ByKind(k)
		require.True(t, ok, k)
		p := tpl.Proposal("")
		assert.NoError(t, p.Validate(), k)
		assert.Equal(t, events.SourceTemplate, p.Source)
		assert.True(t, p.IsGlobal)
	}
}

func TestSelectByKarmaBand(t *testing.T) {
	lib := DefaultLibrary()
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		karma float64
		kind  events.Kind
		tier  Tier
	}{
		{16000, events.KindGoldenAge, TierPositive},
		{15000, events.KindHarmonicConvergence, TierPositive},
		{12000, events.KindHarmonicConvergence, TierPositive},
		{6000, events.KindBlessingOfLight, TierPositive},
		{-16000, events.KindAgeOfShadows, TierNegative},
		{-10001, events.KindBloodMoon, TierNegative},
		{-5001, events.KindCursedFog, TierNegative},
	}
	for _, tt := range tests {
		tpl, tier := lib.Select(tt.karma, rng)
		assert.Equal(t, tt.kind, tpl.Kind, "karma %.0f", tt.karma)
		assert.Equal(t, tt.tier, tier, "karma %.0f", tt.karma)
	}

	for _, k := range []float64{5000, 0, -5000, 123} {
		_, tier := lib.Select(k, rng)
		assert.Equal(t, TierNeutral, tier, "karma %.0f", k)
	}
}

func TestLoadLibraryRejectsIncomplete(t *testing.T) {
	_, err := LoadLibrary([]byte("positive: []\n"))
	assert.Error(t, err)

	_, err = LoadLibrary([]byte("not: [valid"))
	assert.Error(t, err)

	one := `
positive:
  - {kind: golden_age, min_karma: 15000, severity: legendary, name: G, description: D, duration_hours: 1,
     effects: [{effect_type: xp_boost, value: 2, target_scope: all, duration_hours: 1}]}
negative:
  - {kind: blood_moon, min_karma: 10000, severity: major, name: B, description: D, duration_hours: 1,
     effects: [{effect_type: pvp_damage, value: 0.2, target_scope: all, duration_hours: 1}]}
neutral:
  - {kind: meteor_shower, severity: minor, name: M, description: D, duration_hours: 1,
     effects: [{effect_type: drop_rate_boost, value: 1.2, target_scope: all, duration_hours: 1}]}
`
	_, err = LoadLibrary([]byte(one))
	assert.ErrorContains(t, err, "no template for kind")
}

func TestCacheKeyBuckets(t *testing.T) {
	assert.Equal(t, "karma_12000_rising", CacheKey(12345, karma.TrendRising))
	assert.Equal(t, "karma_13000_rising", CacheKey(12500, karma.TrendRising))
	assert.Equal(t, "karma_-3000_falling", CacheKey(-2600, karma.TrendFalling))
	assert.Equal(t, "karma_0_stable", CacheKey(120, karma.TrendStable))
}

func TestCacheExpiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewCache(time.Hour, func() time.Time { return now })
	c.Put("a", events.Proposal{Name: "A"})
	c.Put("b", events.Proposal{Name: "B"})

	p, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "A", p.Name)

	now = now.Add(time.Hour)
	_, ok = c.Get("a")
	assert.False(t, ok, "expires exactly at ttl")
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Purge())
	assert.Zero(t, c.Len())
}

func TestGenerateUsesOracleThenCache(t *testing.T) {
	stub := &llm.Stub{Proposal: validRaw()}
	p := NewProvider(stub, nil, Options{Timeout: time.Second})
	ws := world.WorldState{CollectiveKarma: 2100, KarmaTrend: karma.TrendRising}
	ctx := context.Background()

	first := p.Generate(ctx, ws, nil, Hint{SuggestedKind: events.KindMeteorShower, Reasoning: "the sky stirs"})
	assert.Equal(t, events.SourceOracle, first.Source)
	assert.False(t, first.Cached)
	assert.True(t, first.IsGlobal)
	assert.Equal(t, events.KindMeteorShower, first.Kind)
	require.Len(t, stub.Prompts(), 1)
	assert.Contains(t, stub.Prompts()[0], "Suggested kind: meteor_shower")

	// Same bucket and trend.
	second := p.Generate(ctx, world.WorldState{CollectiveKarma: 1900, KarmaTrend: karma.TrendRising}, nil, Hint{})
	assert.True(t, second.Cached)
	assert.Equal(t, events.SourceCache, second.Source)
	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, 1, stub.GenerateCalls())

	// Different trend misses.
	p.Generate(ctx, world.WorldState{CollectiveKarma: 2100, KarmaTrend: karma.TrendFalling}, nil, Hint{})
	assert.Equal(t, 2, stub.GenerateCalls())
}

func TestForcedKindBypassesCache(t *testing.T) {
	stub := &llm.Stub{Proposal: validRaw()}
	p := NewProvider(stub, nil, Options{Timeout: time.Second})
	ws := world.WorldState{CollectiveKarma: 2100, KarmaTrend: karma.TrendStable}
	ctx := context.Background()

	p.Generate(ctx, ws, nil, Hint{})
	forced := events.KindShiftingWinds
	prop := p.Generate(ctx, ws, &forced, Hint{})
	assert.Equal(t, events.KindShiftingWinds, prop.Kind)
	assert.Equal(t, events.SourceOracle, prop.Source)
	assert.Equal(t, 2, stub.GenerateCalls())
	assert.Contains(t, stub.Prompts()[1], `MUST be of kind "shifting_winds"`)
	assert.Equal(t, 1, p.Cache().Len(), "forced results are not cached")
}

func TestInvalidOracleContentFallsBackToTemplate(t *testing.T) {
	mutations := map[string]func(*llm.Proposal){
		"unknown kind":        func(r *llm.Proposal) { r.Kind = "dragon_parade" },
		"unknown severity":    func(r *llm.Proposal) { r.Severity = "cosmic" },
		"unknown effect type": func(r *llm.Proposal) { r.Effects[0].EffectType = "mana_boost" },
		"value out of shape":  func(r *llm.Proposal) { r.Effects[0].Value = 50 },
		"no effects":          func(r *llm.Proposal) { r.Effects = nil },
		"too long":            func(r *llm.Proposal) { r.DurationHours = 500 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			raw := validRaw()
			mutate(raw)
			p := NewProvider(&llm.Stub{Proposal: raw}, nil, Options{Timeout: time.Second})

			prop := p.Generate(context.Background(), world.WorldState{CollectiveKarma: 16000}, nil, Hint{})
			assert.Equal(t, events.SourceTemplate, prop.Source)
			assert.Equal(t, events.KindGoldenAge, prop.Kind)
			assert.Zero(t, p.Cache().Len(), "templates are not cached")
		})
	}
}

func TestOracleErrorsFallBack(t *testing.T) {
	for _, err := range []error{llm.ErrUnavailable, context.DeadlineExceeded, errors.New("boom")} {
		p := NewProvider(&llm.Stub{Err: err}, nil, Options{Timeout: time.Second})
		forced := events.KindBloodMoon
		prop := p.Generate(context.Background(), world.WorldState{CollectiveKarma: 16000}, &forced, Hint{})
		assert.Equal(t, events.KindBloodMoon, prop.Kind, "forced kind survives the fallback")
		assert.Equal(t, events.SourceTemplate, prop.Source)
	}
}

func TestGenerateRegionalScopesEffects(t *testing.T) {
	stub := &llm.Stub{Proposal: validRaw()}
	p := NewProvider(stub, nil, Options{Timeout: time.Second})
	region := RegionContext{ID: 7, Name: "Duskmere", LocalKarma: -300, Population: 12, ControllingGuild: "ash-court", Contested: true}

	prop := p.GenerateRegional(context.Background(), world.WorldState{}, region, nil)
	assert.False(t, prop.IsGlobal)
	assert.Equal(t, []int{7}, prop.AffectedRegions)
	for _, e := range prop.Effects {
		assert.Equal(t, events.ScopeRegion, e.Scope)
	}
	prompt := stub.Prompts()[0]
	assert.Contains(t, prompt, "## Region: Duskmere")
	assert.Contains(t, prompt, "Held by ash-court")
	assert.Contains(t, prompt, "CONTESTED")

	again := p.GenerateRegional(context.Background(), world.WorldState{}, region, nil)
	assert.True(t, again.Cached)
	assert.Equal(t, []int{7}, again.AffectedRegions)

	failing := NewProvider(llm.Unavailable(), nil, Options{Timeout: time.Second})
	forced := events.KindCursedFog
	tpl := failing.GenerateRegional(context.Background(), world.WorldState{}, region, &forced)
	assert.Equal(t, events.KindCursedFog, tpl.Kind)
	assert.False(t, tpl.IsGlobal)
	assert.Equal(t, events.ScopeRegion, tpl.Effects[0].Scope)
}
