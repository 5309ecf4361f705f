// Package content produces event proposals: from the content oracle when it
// answers with something valid, otherwise from the curated template library.
package content

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/llm"
	"github.com/talgya/karma-world/internal/world"
)

// Hint carries the trigger decision's suggestions into generation.
type Hint struct {
	SuggestedKind     events.Kind
	SuggestedSeverity events.Severity
	Reasoning         string
}

// RegionContext describes the region a regional event is generated for.
type RegionContext struct {
	ID               int
	Name             string
	LocalKarma       float64
	Population       int
	ControllingGuild string
	Contested        bool
}

// Options tune a Provider. Zero values pick defaults.
type Options struct {
	Timeout  time.Duration // per oracle call
	CacheTTL time.Duration
	Seed     int64
	Now      func() time.Time
}

// Provider generates event proposals.
type Provider struct {
	oracle  llm.Oracle
	lib     *Library
	cache   *Cache
	timeout time.Duration

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewProvider creates a Provider. A nil library uses the embedded one.
func NewProvider(oracle llm.Oracle, lib *Library, opts Options) *Provider {
	if oracle == nil {
		oracle = llm.Unavailable()
	}
	if lib == nil {
		lib = DefaultLibrary()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Provider{
		oracle:  oracle,
		lib:     lib,
		cache:   NewCache(opts.CacheTTL, opts.Now),
		timeout: opts.Timeout,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}
}

// Cache exposes the proposal cache (for purging on the sync tick).
func (p *Provider) Cache() *Cache { return p.cache }

// Library exposes the template library.
func (p *Provider) Library() *Library { return p.lib }

// Generate returns a global event proposal for ws. It never fails: oracle
// errors, timeouts and invalid responses all fall back to a template.
func (p *Provider) Generate(ctx context.Context, ws world.WorldState, forced *events.Kind, hint Hint) events.Proposal {
	key := CacheKey(ws.CollectiveKarma, ws.KarmaTrend)
	if forced == nil {
		if cached, ok := p.cache.Get(key); ok {
			cached.Effects = append([]events.Effect(nil), cached.Effects...)
			cached.Cached = true
			cached.Source = events.SourceCache
			slog.Debug("event content cache hit", "key", key, "kind", cached.Kind)
			return cached
		}
	}

	prompt := formatGeneratePrompt(ws, forced, hint, nil)
	prop, err := p.fromOracle(ctx, prompt, forced)
	if err == nil {
		prop.IsGlobal = true
		if forced == nil {
			p.cache.Put(key, prop)
		}
		return prop
	}

	slog.Warn("content oracle failed, using template", "error", err, "karma", ws.CollectiveKarma)
	return p.fromTemplate(ws.CollectiveKarma, forced)
}

// GenerateRegional returns a proposal scoped to one region. Same two paths
// as Generate; the result is never global and every effect targets the region.
func (p *Provider) GenerateRegional(ctx context.Context, ws world.WorldState, region RegionContext, forced *events.Kind) events.Proposal {
	key := fmt.Sprintf("region_%d_%s", region.ID, CacheKey(region.LocalKarma, ws.KarmaTrend))
	if forced == nil {
		if cached, ok := p.cache.Get(key); ok {
			cached.Cached = true
			cached.Source = events.SourceCache
			return scopeToRegion(cached, region.ID)
		}
	}

	prompt := formatGeneratePrompt(ws, forced, Hint{}, &region)
	prop, err := p.fromOracle(ctx, prompt, forced)
	if err == nil {
		prop = scopeToRegion(prop, region.ID)
		if forced == nil {
			p.cache.Put(key, prop)
		}
		return prop
	}

	slog.Warn("regional content oracle failed, using template", "error", err, "region", region.ID)
	return scopeToRegion(p.fromTemplate(region.LocalKarma, forced), region.ID)
}

func (p *Provider) fromOracle(ctx context.Context, prompt string, forced *events.Kind) (events.Proposal, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	raw, err := p.oracle.Generate(callCtx, prompt)
	if err != nil {
		return events.Proposal{}, err
	}
	prop, err := convertProposal(raw)
	if err != nil {
		return events.Proposal{}, fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
	}
	if forced != nil {
		prop.Kind = *forced
	}
	return prop, nil
}

func (p *Provider) fromTemplate(collective float64, forced *events.Kind) events.Proposal {
	if forced != nil {
		if t, ok := p.lib.ByKind(*forced); ok {
			return t.Proposal(fmt.Sprintf("template for requested kind %s", *forced))
		}
	}
	p.rngMu.Lock()
	t, tier := p.lib.Select(collective, p.rng)
	p.rngMu.Unlock()
	return t.Proposal(fmt.Sprintf("%s template for collective karma %.0f", tier, collective))
}

// convertProposal parses an oracle proposal into domain types, rejecting
// unknown kinds, severities, effect types and out-of-shape values.
func convertProposal(raw *llm.Proposal) (events.Proposal, error) {
	kind, err := events.ParseKind(raw.Kind)
	if err != nil {
		return events.Proposal{}, err
	}
	severity, err := events.ParseSeverity(raw.Severity)
	if err != nil {
		return events.Proposal{}, err
	}
	effs := make([]events.Effect, 0, len(raw.Effects))
	for _, re := range raw.Effects {
		t, err := events.ParseEffectType(re.EffectType)
		if err != nil {
			return events.Proposal{}, err
		}
		scope, err := events.ParseTargetScope(re.TargetScope)
		if err != nil {
			return events.Proposal{}, err
		}
		effs = append(effs, events.Effect{
			Type:          t,
			Value:         re.Value,
			Scope:         scope,
			DurationHours: re.DurationHours,
			Description:   re.Description,
		})
	}
	prop := events.Proposal{
		Kind:                  kind,
		Severity:              severity,
		Name:                  raw.Name,
		Description:           raw.Description,
		Lore:                  raw.Lore,
		Effects:               effs,
		DurationHours:         raw.DurationHours,
		EstimatedImpact:       raw.EstimatedImpact,
		Reasoning:             raw.Reasoning,
		RequiresParticipation: raw.RequiresParticipation,
		Source:                events.SourceOracle,
	}
	if err := prop.Validate(); err != nil {
		return events.Proposal{}, err
	}
	return prop, nil
}

func scopeToRegion(prop events.Proposal, regionID int) events.Proposal {
	prop.IsGlobal = false
	prop.AffectedRegions = []int{regionID}
	effs := make([]events.Effect, len(prop.Effects))
	for i, e := range prop.Effects {
		e.Scope = events.ScopeRegion
		effs[i] = e
	}
	prop.Effects = effs
	return prop
}

func formatGeneratePrompt(ws world.WorldState, forced *events.Kind, hint Hint, region *RegionContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## World\n")
	fmt.Fprintf(&b, "Collective karma: %s, trend %s. Average karma: %.1f.\n",
		humanize.Commaf(math.Round(ws.CollectiveKarma)), ws.KarmaTrend, ws.AverageKarma)
	fmt.Fprintf(&b, "%s players, %s online. %d active conflicts.\n",
		humanize.Comma(int64(ws.TotalPlayers)), humanize.Comma(int64(ws.OnlinePlayers)), ws.ActiveConflicts)
	ratio := ws.Actions24h.Ratio()
	fmt.Fprintf(&b, "Last 24h: %.0f%% of %d actions were virtuous.\n\n", ratio.PositiveRatio*100, ratio.Total)

	if region != nil {
		fmt.Fprintf(&b, "## Region: %s\n", region.Name)
		fmt.Fprintf(&b, "Local karma: %.0f | Population: %d", region.LocalKarma, region.Population)
		if region.ControllingGuild != "" {
			fmt.Fprintf(&b, " | Held by %s", region.ControllingGuild)
		}
		if region.Contested {
			b.WriteString(" | CONTESTED")
		}
		b.WriteString("\nThis event touches only this region.\n\n")
	}

	switch {
	case forced != nil:
		fmt.Fprintf(&b, "The event MUST be of kind %q.\n", *forced)
	case hint.SuggestedKind != "":
		fmt.Fprintf(&b, "Suggested kind: %s (severity %s). %s\n", hint.SuggestedKind, hint.SuggestedSeverity, hint.Reasoning)
	}

	b.WriteString("Allowed kinds: ")
	for i, k := range events.AllKinds {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(k))
	}
	b.WriteString("\nAllowed effect types: xp_boost, gold_boost, karma_multiplier, drop_rate_boost, quest_reward_multiplier, shop_discount, health_regen, energy_regen, pvp_damage, crafting_speed\n")
	b.WriteString("\nCreate the event. Respond with a single JSON object.")
	return b.String()
}
