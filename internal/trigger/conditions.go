// Package trigger decides whether world state warrants a new event.
// Conditions are computed deterministically and for free; only the final
// judgment may consult the content oracle.
package trigger

import (
	"fmt"
	"math"
	"time"

	"github.com/talgya/karma-world/internal/world"
)

// ConditionKind names one trigger signal.
type ConditionKind string

const (
	CondKarmaThreshold ConditionKind = "karma_threshold"
	CondCooldown       ConditionKind = "cooldown"
	CondActionRatio    ConditionKind = "action_ratio"
	CondInstability    ConditionKind = "instability"
)

// Condition is a snapshot of one signal. Never persisted.
type Condition struct {
	Kind      ConditionKind `json:"kind"`
	Threshold float64       `json:"threshold"`
	Op        string        `json:"op"`
	Met       bool          `json:"met"`
	Current   float64       `json:"current"`
	Detail    string        `json:"detail,omitempty"`
}

const (
	karmaTriggerThreshold = 5000.0
	ratioHigh             = 0.8
	ratioLow              = 0.2
	instabilityThreshold  = 5.0
)

// namedThresholds are checked from the outermost in.
var namedThresholds = []struct {
	name  string
	value float64
}{
	{"legendary", 15000},
	{"major", 10000},
	{"notable", 5000},
}

// cooldownTiers map online population to the minimum gap between events.
var cooldownTiers = []struct {
	name     string
	below    int
	interval time.Duration
}{
	{"very_low", 10, 24 * time.Hour},
	{"low", 50, 12 * time.Hour},
	{"medium", 100, 8 * time.Hour},
	{"high", 500, 6 * time.Hour},
}

const veryHighCooldown = 4 * time.Hour

// CooldownFor returns the minimum interval between events for an online
// population, and the tier name.
func CooldownFor(online int) (time.Duration, string) {
	for _, t := range cooldownTiers {
		if online < t.below {
			return t.interval, t.name
		}
	}
	return veryHighCooldown, "very_high"
}

// Evaluate computes every trigger condition from ws. Pure; each condition is
// independent of the others.
func Evaluate(ws world.WorldState, now time.Time) []Condition {
	return []Condition{
		karmaThreshold(ws),
		cooldown(ws, now),
		actionRatio(ws),
		instability(ws),
	}
}

// MetCount counts conditions that are met.
func MetCount(conds []Condition) int {
	n := 0
	for _, c := range conds {
		if c.Met {
			n++
		}
	}
	return n
}

// Find returns the condition of kind k.
func Find(conds []Condition, k ConditionKind) (Condition, bool) {
	for _, c := range conds {
		if c.Kind == k {
			return c, true
		}
	}
	return Condition{}, false
}

func karmaThreshold(ws world.WorldState) Condition {
	abs := math.Abs(ws.CollectiveKarma)
	c := Condition{
		Kind:      CondKarmaThreshold,
		Threshold: karmaTriggerThreshold,
		Op:        "|x| >",
		Current:   ws.CollectiveKarma,
		Met:       abs > karmaTriggerThreshold,
	}
	if c.Met {
		for _, t := range namedThresholds {
			if abs > t.value {
				sign := "positive"
				if ws.CollectiveKarma < 0 {
					sign = "negative"
				}
				c.Detail = fmt.Sprintf("%s %s (%.0f)", t.name, sign, math.Copysign(t.value, ws.CollectiveKarma))
				break
			}
		}
	}
	return c
}

func cooldown(ws world.WorldState, now time.Time) Condition {
	interval, tier := CooldownFor(ws.OnlinePlayers)
	c := Condition{
		Kind:      CondCooldown,
		Threshold: interval.Hours(),
		Op:        ">=",
	}
	hours, ok := ws.HoursSinceLastEvent(now)
	if !ok {
		c.Met = true
		c.Current = -1
		c.Detail = fmt.Sprintf("%s population, no previous event", tier)
		return c
	}
	c.Current = hours
	c.Met = hours >= interval.Hours()
	c.Detail = fmt.Sprintf("%s population needs %.0fh", tier, interval.Hours())
	return c
}

func actionRatio(ws world.WorldState) Condition {
	ratio := ws.Actions24h.Ratio().PositiveRatio
	c := Condition{
		Kind:      CondActionRatio,
		Threshold: ratioHigh,
		Op:        "> or <",
		Current:   ratio,
		Met:       ratio > ratioHigh || ratio < ratioLow,
	}
	switch {
	case ratio > ratioHigh:
		c.Detail = "overwhelmingly virtuous"
	case ratio < ratioLow:
		c.Detail = "overwhelmingly wicked"
	}
	return c
}

func instability(ws world.WorldState) Condition {
	score := float64(2*ws.ActiveConflicts + ws.ContestedRegions)
	return Condition{
		Kind:      CondInstability,
		Threshold: instabilityThreshold,
		Op:        ">=",
		Current:   score,
		Met:       score >= instabilityThreshold,
		Detail:    fmt.Sprintf("%d conflicts, %d contested regions", ws.ActiveConflicts, ws.ContestedRegions),
	}
}
