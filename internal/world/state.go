// Package world holds the process-wide world state snapshot and the cache
// that owns every mutation of it.
package world

import (
	"time"

	"github.com/talgya/karma-world/internal/karma"
)

const (
	// MaxHistory is how many karma samples the ring keeps.
	MaxHistory = 24
	// trendWindowHours bounds the samples the trend compares by age.
	trendWindowHours = 24
)

// EventRef points at the event currently shaping the world.
type EventRef struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	Kind   string    `json:"kind"`
	EndsAt time.Time `json:"ends_at"`
}

// ActionCounts are the rolling 24h action tallies.
type ActionCounts struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

// Total returns the number of actions counted.
func (a ActionCounts) Total() int {
	return a.Positive + a.Negative + a.Neutral
}

// Ratio converts the counts into an action ratio.
func (a ActionCounts) Ratio() karma.ActionRatio {
	return karma.NewActionRatio(a.Positive, a.Negative, a.Neutral)
}

// WorldState is the single world-level snapshot. Only Cache mutates it.
type WorldState struct {
	CollectiveKarma float64        `json:"collective_karma"`
	AverageKarma    float64        `json:"average_karma"`
	KarmaTrend      karma.Trend    `json:"karma_trend"`
	KarmaHistory    []karma.Sample `json:"karma_history"`

	TotalPlayers  int `json:"total_players"`
	OnlinePlayers int `json:"online_players"`

	Actions24h ActionCounts `json:"actions_24h"`

	ActiveConflicts  int `json:"active_conflicts"`
	ContestedRegions int `json:"contested_regions"`

	ActiveGlobalEvent      *EventRef  `json:"active_global_event,omitempty"`
	LastGlobalEventEndedAt *time.Time `json:"last_global_event_ended_at,omitempty"`

	LastFullSyncAt time.Time `json:"last_full_sync_at"`
	LastUpdatedAt  time.Time `json:"last_updated_at"`
	UpdateCount    int       `json:"update_count"`
}

// Clone returns a deep copy safe to hand to callers.
func (ws WorldState) Clone() WorldState {
	out := ws
	out.KarmaHistory = append([]karma.Sample(nil), ws.KarmaHistory...)
	if ws.ActiveGlobalEvent != nil {
		ref := *ws.ActiveGlobalEvent
		out.ActiveGlobalEvent = &ref
	}
	if ws.LastGlobalEventEndedAt != nil {
		t := *ws.LastGlobalEventEndedAt
		out.LastGlobalEventEndedAt = &t
	}
	return out
}

// HoursSinceLastEvent returns hours since the last global event ended.
// ok is false when no event has ever ended.
func (ws WorldState) HoursSinceLastEvent(now time.Time) (hours float64, ok bool) {
	if ws.LastGlobalEventEndedAt == nil {
		return 0, false
	}
	return now.Sub(*ws.LastGlobalEventEndedAt).Hours(), true
}

// appendSample pushes s onto the history ring, dropping the oldest beyond MaxHistory.
func (ws *WorldState) appendSample(s karma.Sample) {
	ws.KarmaHistory = append(ws.KarmaHistory, s)
	if len(ws.KarmaHistory) > MaxHistory {
		ws.KarmaHistory = ws.KarmaHistory[len(ws.KarmaHistory)-MaxHistory:]
	}
}

// trendWith classifies the trend over the history plus a live sample.
func (ws WorldState) trendWith(live karma.Sample) karma.Trend {
	samples := append(append([]karma.Sample(nil), ws.KarmaHistory...), live)
	return karma.ClassifyTrend(karma.Window(samples, trendWindowHours))
}
