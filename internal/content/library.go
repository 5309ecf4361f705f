package content

import (
	_ "embed"
	"fmt"
	"math/rand"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/talgya/karma-world/internal/events"
)

//go:embed templates.yaml
var templatesYAML []byte

// Tier partitions the template library.
type Tier string

const (
	TierPositive Tier = "positive"
	TierNegative Tier = "negative"
	TierNeutral  Tier = "neutral"
)

// Template is a fully specified event that needs no oracle.
type Template struct {
	Kind                  events.Kind     `yaml:"kind"`
	MinKarma              float64         `yaml:"min_karma"` // magnitude; sign comes from the tier
	Severity              events.Severity `yaml:"severity"`
	Name                  string          `yaml:"name"`
	Description           string          `yaml:"description"`
	Lore                  string          `yaml:"lore"`
	DurationHours         float64         `yaml:"duration_hours"`
	RequiresParticipation bool            `yaml:"requires_participation"`
	EstimatedImpact       string          `yaml:"estimated_impact"`
	Effects               []events.Effect `yaml:"effects"`
}

// Proposal converts the template into an event proposal.
func (t Template) Proposal(reason string) events.Proposal {
	return events.Proposal{
		Kind:                  t.Kind,
		Severity:              t.Severity,
		Name:                  t.Name,
		Description:           t.Description,
		Lore:                  t.Lore,
		Effects:               append([]events.Effect(nil), t.Effects...),
		DurationHours:         t.DurationHours,
		EstimatedImpact:       t.EstimatedImpact,
		Reasoning:             reason,
		IsGlobal:              true,
		RequiresParticipation: t.RequiresParticipation,
		Source:                events.SourceTemplate,
	}
}

// Library is the curated fallback content.
type Library struct {
	Positive []Template `yaml:"positive"`
	Negative []Template `yaml:"negative"`
	Neutral  []Template `yaml:"neutral"`

	byKind map[events.Kind]Template
}

// LoadLibrary parses and validates a template library.
func LoadLibrary(data []byte) (*Library, error) {
	var lib Library
	if err := yaml.Unmarshal(data, &lib); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(lib.Positive) == 0 || len(lib.Negative) == 0 || len(lib.Neutral) == 0 {
		return nil, fmt.Errorf("template library needs positive, negative and neutral tiers")
	}
	// Strongest band first.
	for _, tier := range [][]Template{lib.Positive, lib.Negative} {
		sort.SliceStable(tier, func(i, j int) bool { return tier[i].MinKarma > tier[j].MinKarma })
	}

	lib.byKind = make(map[events.Kind]Template)
	for _, tier := range [][]Template{lib.Positive, lib.Negative, lib.Neutral} {
		for _, t := range tier {
			if _, dup := lib.byKind[t.Kind]; dup {
				return nil, fmt.Errorf("duplicate template kind %q", t.Kind)
			}
			p := t.Proposal("")
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("template %q: %w", t.Kind, err)
			}
			lib.byKind[t.Kind] = t
		}
	}
	for _, k := range events.AllKinds {
		if _, ok := lib.byKind[k]; !ok {
			return nil, fmt.Errorf("no template for kind %q", k)
		}
	}
	return &lib, nil
}

// DefaultLibrary returns the embedded library. The file ships with the
// binary, so a parse failure is a build defect and panics.
func DefaultLibrary() *Library {
	lib, err := LoadLibrary(templatesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded templates: %v", err))
	}
	return lib
}

// ByKind returns the template for kind.
func (l *Library) ByKind(kind events.Kind) (Template, bool) {
	t, ok := l.byKind[kind]
	return t, ok
}

// Select picks a template by collective karma: the strongest positive or
// negative band the karma clears, otherwise a random neutral template.
func (l *Library) Select(collective float64, rng *rand.Rand) (Template, Tier) {
	if collective > 0 {
		for _, t := range l.Positive {
			if collective > t.MinKarma {
				return t, TierPositive
			}
		}
	}
	if collective < 0 {
		for _, t := range l.Negative {
			if -collective > t.MinKarma {
				return t, TierNegative
			}
		}
	}
	return l.Neutral[rng.Intn(len(l.Neutral))], TierNeutral
}
