// Package karma aggregates per-player karma into world-level signals.
// Every operation here is a read-only aggregation; nothing is mutated.
package karma

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Trend is the direction collective karma is moving.
type Trend string

const (
	TrendRising  Trend = "rising"
	TrendFalling Trend = "falling"
	TrendStable  Trend = "stable"
)

// trendSwing is the relative change between oldest and newest sample that
// counts as movement.
const trendSwing = 0.10

// Sample is one point of collective karma history.
type Sample struct {
	At              time.Time `json:"at"`
	CollectiveKarma float64   `json:"collective_karma"`
}

// Filter narrows a player count. Nil bounds are open.
type Filter struct {
	MinKarma   *float64 // inclusive
	MaxKarma   *float64 // exclusive
	OnlineOnly bool
}

// Totals is the population-wide karma aggregate.
type Totals struct {
	Total float64
	Avg   float64
	Count int
}

// Ranked is a leaderboard entry.
type Ranked struct {
	PlayerID string  `json:"player_id" db:"id"`
	Username string  `json:"username" db:"username"`
	Karma    float64 `json:"karma" db:"karma"`
}

// PlayerReader is the read side of the player population.
type PlayerReader interface {
	CountPlayers(ctx context.Context, f Filter) (int, error)
	AggregateKarma(ctx context.Context) (Totals, error)
	TopKarma(ctx context.Context, n int) ([]Ranked, error)
	BottomKarma(ctx context.Context, n int) ([]Ranked, error)
}

// ActionReader counts logged player actions.
type ActionReader interface {
	// CountActionsSince groups actions at or after since by the named column.
	CountActionsSince(ctx context.Context, since time.Time, groupBy string) (map[string]int, error)
}

// Aggregator computes karma statistics from the player population.
type Aggregator struct {
	players PlayerReader
	actions ActionReader
	now     func() time.Time
}

// NewAggregator creates an Aggregator. now defaults to time.Now.
func NewAggregator(players PlayerReader, actions ActionReader, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{players: players, actions: actions, now: now}
}

// Collective returns the sum of every player's karma.
func (a *Aggregator) Collective(ctx context.Context) (float64, error) {
	t, err := a.players.AggregateKarma(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate karma: %w", err)
	}
	return t.Total, nil
}

// Average returns mean karma per player (0 for an empty world).
func (a *Aggregator) Average(ctx context.Context) (float64, error) {
	t, err := a.players.AggregateKarma(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate karma: %w", err)
	}
	return t.Avg, nil
}

// Bucket is one fixed band of the karma distribution.
type Bucket struct {
	Label    string
	Min, Max *float64
}

func bound(v float64) *float64 { return &v }

// Buckets are the fixed distribution bands, lowest first.
var Buckets = []Bucket{
	{Label: "below_-10000", Max: bound(-10000)},
	{Label: "-10000_to_-5000", Min: bound(-10000), Max: bound(-5000)},
	{Label: "-5000_to_-1000", Min: bound(-5000), Max: bound(-1000)},
	{Label: "-1000_to_0", Min: bound(-1000), Max: bound(0)},
	{Label: "0_to_1000", Min: bound(0), Max: bound(1000)},
	{Label: "1000_to_5000", Min: bound(1000), Max: bound(5000)},
	{Label: "5000_to_10000", Min: bound(5000), Max: bound(10000)},
	{Label: "above_10000", Min: bound(10000)},
}

// Distribution counts players per fixed karma band.
func (a *Aggregator) Distribution(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(Buckets))
	for _, b := range Buckets {
		n, err := a.players.CountPlayers(ctx, Filter{MinKarma: b.Min, MaxKarma: b.Max})
		if err != nil {
			return nil, fmt.Errorf("count bucket %s: %w", b.Label, err)
		}
		out[b.Label] = n
	}
	return out, nil
}

// Trend classifies the direction of samples over the trailing window.
// Samples must be ordered oldest first.
func (a *Aggregator) Trend(samples []Sample, windowHours float64) Trend {
	return ClassifyTrend(Window(samples, windowHours))
}

// Window returns the samples within windowHours of the newest sample.
// A non-positive window keeps everything.
func Window(samples []Sample, windowHours float64) []Sample {
	if len(samples) == 0 || windowHours <= 0 {
		return samples
	}
	newest := samples[len(samples)-1].At
	cutoff := newest.Add(-time.Duration(windowHours * float64(time.Hour)))
	for i, s := range samples {
		if !s.At.Before(cutoff) {
			return samples[i:]
		}
	}
	return samples[len(samples)-1:]
}

// ClassifyTrend compares the oldest and newest samples. A relative swing
// greater than 10% is rising or falling; anything else is stable.
func ClassifyTrend(samples []Sample) Trend {
	if len(samples) < 2 {
		return TrendStable
	}
	oldest := samples[0].CollectiveKarma
	newest := samples[len(samples)-1].CollectiveKarma

	if oldest == 0 {
		switch {
		case newest > 0:
			return TrendRising
		case newest < 0:
			return TrendFalling
		}
		return TrendStable
	}

	change := (newest - oldest) / math.Abs(oldest)
	switch {
	case change > trendSwing:
		return TrendRising
	case change < -trendSwing:
		return TrendFalling
	}
	return TrendStable
}

// ActionRatio summarises the last 24h of player actions.
type ActionRatio struct {
	Positive      int     `json:"positive"`
	Negative      int     `json:"negative"`
	Neutral       int     `json:"neutral"`
	Total         int     `json:"total"`
	PositiveRatio float64 `json:"positive_ratio"`
	NegativeRatio float64 `json:"negative_ratio"`
	NeutralRatio  float64 `json:"neutral_ratio"`
}

// NewActionRatio derives ratios from raw counts. With no actions the
// positive ratio sits at 0.5 so nothing reads as extreme.
func NewActionRatio(pos, neg, neu int) ActionRatio {
	r := ActionRatio{Positive: pos, Negative: neg, Neutral: neu, Total: pos + neg + neu}
	if r.Total == 0 {
		r.PositiveRatio = 0.5
		return r
	}
	t := float64(r.Total)
	r.PositiveRatio = float64(pos) / t
	r.NegativeRatio = float64(neg) / t
	r.NeutralRatio = float64(neu) / t
	return r
}

// ActionRatio24h counts positive/negative/neutral actions in the last 24 hours.
func (a *Aggregator) ActionRatio24h(ctx context.Context) (ActionRatio, error) {
	counts, err := a.actions.CountActionsSince(ctx, a.now().Add(-24*time.Hour), "kind")
	if err != nil {
		return ActionRatio{}, fmt.Errorf("count actions: %w", err)
	}
	return NewActionRatio(counts["positive"], counts["negative"], counts["neutral"]), nil
}

// PredictThresholdCrossing extrapolates the karma-per-hour rate between the
// oldest and newest samples and returns the hours until current reaches
// threshold. ok is false when karma is not moving toward the threshold or
// the crossing lies beyond horizonHours.
func (a *Aggregator) PredictThresholdCrossing(samples []Sample, current, threshold, horizonHours float64) (hours float64, ok bool) {
	return PredictCrossing(samples, current, threshold, horizonHours)
}

// PredictCrossing is the pure form of Aggregator.PredictThresholdCrossing.
func PredictCrossing(samples []Sample, current, threshold, horizonHours float64) (float64, bool) {
	if current == threshold {
		return 0, true
	}
	if len(samples) < 2 {
		return 0, false
	}
	oldest, newest := samples[0], samples[len(samples)-1]
	span := newest.At.Sub(oldest.At).Hours()
	if span <= 0 {
		return 0, false
	}
	rate := (newest.CollectiveKarma - oldest.CollectiveKarma) / span
	gap := threshold - current
	if rate == 0 || (gap > 0) != (rate > 0) {
		return 0, false
	}
	hours := gap / rate
	if hours > horizonHours {
		return 0, false
	}
	return hours, true
}

// Snapshot is everything the world-state cache needs from one aggregation pass.
type Snapshot struct {
	Totals        Totals
	OnlinePlayers int
	Actions       ActionRatio
}

// Population gathers totals and the online count.
func (a *Aggregator) Population(ctx context.Context) (Totals, int, error) {
	totals, err := a.players.AggregateKarma(ctx)
	if err != nil {
		return Totals{}, 0, fmt.Errorf("aggregate karma: %w", err)
	}
	online, err := a.players.CountPlayers(ctx, Filter{OnlineOnly: true})
	if err != nil {
		return Totals{}, 0, fmt.Errorf("count online: %w", err)
	}
	return totals, online, nil
}

// Snapshot runs a full aggregation pass.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	totals, online, err := a.Population(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	ratio, err := a.ActionRatio24h(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Totals: totals, OnlinePlayers: online, Actions: ratio}, nil
}

// Top returns the n highest-karma players.
func (a *Aggregator) Top(ctx context.Context, n int) ([]Ranked, error) {
	return a.players.TopKarma(ctx, n)
}

// Bottom returns the n lowest-karma players.
func (a *Aggregator) Bottom(ctx context.Context, n int) ([]Ranked, error) {
	return a.players.BottomKarma(ctx, n)
}
