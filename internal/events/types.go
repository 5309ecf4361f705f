// Package events defines world events, their timed effects, and the
// proposals that become events.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/karma-world/internal/world"
)

var (
	// ErrUnknownKind is returned when a caller names an event kind that does not exist.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrUnknownSeverity is returned for severities outside the closed set.
	ErrUnknownSeverity = errors.New("unknown severity")
)

// Status is an event's lifecycle state. Ordered; an event only moves forward.
type Status uint8

const (
	StatusScheduled Status = iota + 1
	StatusActive
	StatusEnded
)

var statusNames = map[Status]string{
	StatusScheduled: "scheduled",
	StatusActive:    "active",
	StatusEnded:     "ended",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// CanAdvanceTo reports whether s → next is a legal forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	return next == s+1
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	for st, n := range statusNames {
		if n == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}

// Severity grades how strongly an event touches the world.
type Severity string

const (
	SeverityMinor     Severity = "minor"
	SeverityModerate  Severity = "moderate"
	SeverityMajor     Severity = "major"
	SeverityLegendary Severity = "legendary"
)

// ParseSeverity validates a severity name.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityMinor, SeverityModerate, SeverityMajor, SeverityLegendary:
		return Severity(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, s)
}

// Kind identifies an event archetype. Every kind has a template in the
// content library.
type Kind string

const (
	// Positive tier.
	KindGoldenAge           Kind = "golden_age"
	KindHarmonicConvergence Kind = "harmonic_convergence"
	KindBlessingOfLight     Kind = "blessing_of_light"

	// Negative tier.
	KindAgeOfShadows Kind = "age_of_shadows"
	KindBloodMoon    Kind = "blood_moon"
	KindCursedFog    Kind = "cursed_fog"

	// Neutral tier.
	KindWanderingMerchants Kind = "wandering_merchants"
	KindMeteorShower       Kind = "meteor_shower"
	KindShiftingWinds      Kind = "shifting_winds"
	KindAncientAwakening   Kind = "ancient_awakening"
)

// AllKinds lists every known kind, positive tier first.
var AllKinds = []Kind{
	KindGoldenAge, KindHarmonicConvergence, KindBlessingOfLight,
	KindAgeOfShadows, KindBloodMoon, KindCursedFog,
	KindWanderingMerchants, KindMeteorShower, KindShiftingWinds, KindAncientAwakening,
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range AllKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Source records where an event's content came from.
type Source string

const (
	SourceOracle   Source = "oracle"
	SourceCache    Source = "cache"
	SourceTemplate Source = "template"
)

// Participant tracks one player's engagement with a participatory event.
type Participant struct {
	PlayerID string    `json:"player_id"`
	Count    int       `json:"count"`
	LastAt   time.Time `json:"last_at"`
}

// Event is a persisted world event.
type Event struct {
	ID                    string            `json:"id"`
	Kind                  Kind              `json:"kind"`
	Severity              Severity          `json:"severity"`
	Name                  string            `json:"name"`
	Description           string            `json:"description"`
	Lore                  string            `json:"lore"`
	Effects               []Effect          `json:"effects"`
	DurationHours         float64           `json:"duration_hours"`
	IsGlobal              bool              `json:"is_global"`
	AffectedRegions       []int             `json:"affected_regions,omitempty"`
	RequiresParticipation bool              `json:"requires_participation"`
	Participants          []Participant     `json:"participants"`
	Status                Status            `json:"status"`
	Source                Source            `json:"source"`
	EstimatedImpact       string            `json:"estimated_impact,omitempty"`
	ActualImpact          string            `json:"actual_impact,omitempty"`
	KarmaAtTrigger        float64           `json:"karma_at_trigger"`
	WorldStateSnapshot    world.WorldState  `json:"world_state_snapshot"`
	CreatedAt             time.Time         `json:"created_at"`
	StartedAt             *time.Time        `json:"started_at,omitempty"`
	EndsAt                *time.Time        `json:"ends_at,omitempty"`
	EndedAt               *time.Time        `json:"ended_at,omitempty"`
	Meta                  map[string]string `json:"meta,omitempty"`
}

// NewID returns a fresh event identifier.
func NewID() string {
	return "evt_" + uuid.NewString()
}

// NewFromProposal builds a Scheduled event from a proposal and the world
// state it was triggered under.
func NewFromProposal(p Proposal, ws world.WorldState, now time.Time) *Event {
	effs := make([]Effect, len(p.Effects))
	copy(effs, p.Effects)
	return &Event{
		ID:                    NewID(),
		Kind:                  p.Kind,
		Severity:              p.Severity,
		Name:                  p.Name,
		Description:           p.Description,
		Lore:                  p.Lore,
		Effects:               effs,
		DurationHours:         p.DurationHours,
		IsGlobal:              p.IsGlobal,
		AffectedRegions:       append([]int(nil), p.AffectedRegions...),
		RequiresParticipation: p.RequiresParticipation,
		Participants:          []Participant{},
		Status:                StatusScheduled,
		Source:                p.Source,
		EstimatedImpact:       p.EstimatedImpact,
		KarmaAtTrigger:        ws.CollectiveKarma,
		WorldStateSnapshot:    ws,
		CreatedAt:             now,
	}
}

// Ref returns the lightweight reference published into world state.
func (e *Event) Ref() world.EventRef {
	ref := world.EventRef{ID: e.ID, Name: e.Name, Kind: string(e.Kind)}
	if e.EndsAt != nil {
		ref.EndsAt = *e.EndsAt
	}
	return ref
}

// Duration converts DurationHours to a time.Duration.
func (e *Event) Duration() time.Duration {
	return hoursToDuration(e.DurationHours)
}

// AddParticipation increments an existing participant or appends a new one.
func (e *Event) AddParticipation(playerID string, at time.Time) {
	for i := range e.Participants {
		if e.Participants[i].PlayerID == playerID {
			e.Participants[i].Count++
			e.Participants[i].LastAt = at
			return
		}
	}
	e.Participants = append(e.Participants, Participant{PlayerID: playerID, Count: 1, LastAt: at})
}

// Proposal is generated event content, not yet persisted.
type Proposal struct {
	Kind                  Kind     `json:"kind"`
	Severity              Severity `json:"severity"`
	Name                  string   `json:"name"`
	Description           string   `json:"description"`
	Lore                  string   `json:"lore"`
	Effects               []Effect `json:"effects"`
	DurationHours         float64  `json:"duration_hours"`
	EstimatedImpact       string   `json:"estimated_impact"`
	Reasoning             string   `json:"reasoning"`
	IsGlobal              bool     `json:"is_global"`
	AffectedRegions       []int    `json:"affected_regions,omitempty"`
	RequiresParticipation bool     `json:"requires_participation"`
	Cached                bool     `json:"cached"`
	Source                Source   `json:"source"`
}

// MaxDurationHours bounds how long any event may run.
const MaxDurationHours = 168

// Validate checks that a proposal is structurally complete.
func (p *Proposal) Validate() error {
	if _, err := ParseKind(string(p.Kind)); err != nil {
		return err
	}
	if _, err := ParseSeverity(string(p.Severity)); err != nil {
		return err
	}
	if p.Name == "" || p.Description == "" {
		return fmt.Errorf("proposal requires name and description")
	}
	if p.DurationHours <= 0 || p.DurationHours > MaxDurationHours {
		return fmt.Errorf("duration %.1fh outside (0, %d]", p.DurationHours, MaxDurationHours)
	}
	if len(p.Effects) == 0 {
		return fmt.Errorf("proposal has no effects")
	}
	for i, e := range p.Effects {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("effect %d: %w", i, err)
		}
	}
	return nil
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// Filter narrows an event listing. Zero value lists everything, newest first.
type Filter struct {
	Status     Status // 0 matches any status
	GlobalOnly bool
	Limit      int
}
