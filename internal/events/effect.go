package events

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownEffectType is returned when an effect names a type outside the closed set.
var ErrUnknownEffectType = errors.New("unknown effect type")

// EffectType is a closed set of modifiers an event can apply to players.
type EffectType string

const (
	EffectXPBoost               EffectType = "xp_boost"
	EffectGoldBoost             EffectType = "gold_boost"
	EffectKarmaMultiplier       EffectType = "karma_multiplier"
	EffectDropRateBoost         EffectType = "drop_rate_boost"
	EffectQuestRewardMultiplier EffectType = "quest_reward_multiplier"
	EffectShopDiscount          EffectType = "shop_discount"
	EffectHealthRegen           EffectType = "health_regen"
	EffectEnergyRegen           EffectType = "energy_regen"
	EffectPvPDamage             EffectType = "pvp_damage"
	EffectCraftingSpeed         EffectType = "crafting_speed"
)

// ValueShape describes the range an effect's value must fall in.
type ValueShape struct {
	Multiplicative bool
	Min, Max       float64
}

var effectShapes = map[EffectType]ValueShape{
	EffectXPBoost:               {Multiplicative: true, Min: 0.1, Max: 5},
	EffectGoldBoost:             {Multiplicative: true, Min: 0.1, Max: 5},
	EffectKarmaMultiplier:       {Multiplicative: true, Min: 0.1, Max: 5},
	EffectDropRateBoost:         {Multiplicative: true, Min: 0.1, Max: 5},
	EffectQuestRewardMultiplier: {Multiplicative: true, Min: 0.1, Max: 5},
	EffectShopDiscount:          {Min: -1, Max: 1},
	EffectHealthRegen:           {Min: -100, Max: 100},
	EffectEnergyRegen:           {Min: -100, Max: 100},
	EffectPvPDamage:             {Min: -1, Max: 1},
	EffectCraftingSpeed:         {Min: -1, Max: 1},
}

// ParseEffectType validates an effect type name.
func ParseEffectType(s string) (EffectType, error) {
	t := EffectType(s)
	if _, ok := effectShapes[t]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEffectType, s)
	}
	return t, nil
}

// Shape returns the value shape for t.
func (t EffectType) Shape() ValueShape {
	return effectShapes[t]
}

// Multiplicative reports whether values of this type fold as multipliers.
// Matches on the name so the rule holds for any "boost"/"multiplier" type.
func (t EffectType) Multiplicative() bool {
	s := string(t)
	return strings.Contains(s, "boost") || strings.Contains(s, "multiplier")
}

// TargetScope selects which players an effect lands on.
type TargetScope string

const (
	ScopeAll       TargetScope = "all"
	ScopeRegion    TargetScope = "region"
	ScopeGuild     TargetScope = "guild"
	ScopeAlignment TargetScope = "alignment"
)

// ParseTargetScope validates a scope name. Empty means all.
func ParseTargetScope(s string) (TargetScope, error) {
	switch TargetScope(s) {
	case "":
		return ScopeAll, nil
	case ScopeAll, ScopeRegion, ScopeGuild, ScopeAlignment:
		return TargetScope(s), nil
	}
	return "", fmt.Errorf("unknown target scope %q", s)
}

// Effect is a timed modifier attached to an event. Immutable once attached.
type Effect struct {
	Type          EffectType  `json:"effect_type" yaml:"effect_type"`
	Value         float64     `json:"value" yaml:"value"`
	Scope         TargetScope `json:"target_scope" yaml:"target_scope"`
	DurationHours float64     `json:"duration_hours" yaml:"duration_hours"`
	Description   string      `json:"description" yaml:"description"`
}

// Validate checks type, value range and duration.
func (e Effect) Validate() error {
	shape, ok := effectShapes[e.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEffectType, e.Type)
	}
	if e.Value < shape.Min || e.Value > shape.Max {
		return fmt.Errorf("%s value %.3f outside [%.2f, %.2f]", e.Type, e.Value, shape.Min, shape.Max)
	}
	if _, err := ParseTargetScope(string(e.Scope)); err != nil {
		return err
	}
	if e.DurationHours <= 0 || e.DurationHours > MaxDurationHours {
		return fmt.Errorf("%s duration %.1fh outside (0, %d]", e.Type, e.DurationHours, MaxDurationHours)
	}
	return nil
}

// Duration converts DurationHours to a time.Duration.
func (e Effect) Duration() time.Duration {
	return hoursToDuration(e.DurationHours)
}

// AppliedEffect is an effect instance pushed onto one player.
type AppliedEffect struct {
	PlayerID      string     `json:"player_id"`
	SourceEventID string     `json:"source_event_id"`
	Type          EffectType `json:"effect_type"`
	Value         float64    `json:"value"`
	AppliedAt     time.Time  `json:"applied_at"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Description   string     `json:"description"`
}

// Expired reports whether the effect is gone at now.
func (a AppliedEffect) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}
