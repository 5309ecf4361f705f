package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/llm"
	"github.com/talgya/karma-world/internal/world"
)

// Urgency grades how soon an event should fire.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency validates an urgency name.
func ParseUrgency(s string) (Urgency, error) {
	switch Urgency(s) {
	case UrgencyLow, UrgencyNormal, UrgencyHigh, UrgencyCritical:
		return Urgency(s), nil
	}
	return "", fmt.Errorf("unknown urgency %q", s)
}

// Path records which branch of the decider produced an evaluation.
type Path string

const (
	PathFast     Path = "fast_path"
	PathOracle   Path = "oracle"
	PathFallback Path = "fallback"
)

// Evaluation is the decider's output for one cycle. Not persisted.
type Evaluation struct {
	ShouldTrigger     bool            `json:"should_trigger"`
	Confidence        float64         `json:"confidence"`
	SuggestedKind     events.Kind     `json:"suggested_kind"`
	SuggestedSeverity events.Severity `json:"suggested_severity"`
	Conditions        []Condition     `json:"conditions"`
	Reasoning         string          `json:"reasoning"`
	Urgency           Urgency         `json:"urgency"`
	Path              Path            `json:"path"`
}

const (
	// quietWindow: with nothing met and an event this recent, skip the oracle.
	quietWindow        = 3 * time.Hour
	fastPathConfidence = 0.9
	fallbackConfidence = 0.7
	fallbackMinMet     = 2
)

// Decider turns conditions into a trigger decision.
type Decider struct {
	oracle  llm.Oracle
	timeout time.Duration
}

// NewDecider creates a Decider. timeout bounds each oracle call.
func NewDecider(oracle llm.Oracle, timeout time.Duration) *Decider {
	if oracle == nil {
		oracle = llm.Unavailable()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Decider{oracle: oracle, timeout: timeout}
}

// Decide returns a structurally valid evaluation in every case.
func (d *Decider) Decide(ctx context.Context, ws world.WorldState, conds []Condition, now time.Time) Evaluation {
	met := MetCount(conds)

	if hours, ok := ws.HoursSinceLastEvent(now); met == 0 && ok && hours < quietWindow.Hours() {
		return Evaluation{
			ShouldTrigger: false,
			Confidence:    fastPathConfidence,
			Conditions:    conds,
			Reasoning:     fmt.Sprintf("no conditions met and last event ended %.1fh ago", hours),
			Urgency:       UrgencyLow,
			Path:          PathFast,
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	dec, err := d.oracle.Decide(callCtx, FormatPrompt(ws, conds, now))
	if err == nil {
		var eval Evaluation
		eval, err = fromOracle(dec, ws, conds)
		if err == nil {
			return eval
		}
	}

	slog.Warn("trigger oracle failed, using rule fallback", "error", err, "conditions_met", met)
	return Fallback(ws, conds)
}

// fromOracle validates an oracle decision and converts it.
func fromOracle(dec *llm.Decision, ws world.WorldState, conds []Condition) (Evaluation, error) {
	urgency, err := ParseUrgency(dec.Urgency)
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
	}
	kind := kindForKarma(ws.CollectiveKarma)
	if dec.SuggestedKind != "" {
		if kind, err = events.ParseKind(dec.SuggestedKind); err != nil {
			return Evaluation{}, fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
		}
	}
	severity := severityForKarma(ws.CollectiveKarma)
	if dec.SuggestedSeverity != "" {
		if severity, err = events.ParseSeverity(dec.SuggestedSeverity); err != nil {
			return Evaluation{}, fmt.Errorf("%w: %v", llm.ErrInvalidResponse, err)
		}
	}
	return Evaluation{
		ShouldTrigger:     dec.ShouldTrigger,
		Confidence:        math.Max(0, math.Min(1, dec.Confidence)),
		SuggestedKind:     kind,
		SuggestedSeverity: severity,
		Conditions:        conds,
		Reasoning:         dec.Reasoning,
		Urgency:           urgency,
		Path:              PathOracle,
	}, nil
}

// Fallback is the deterministic rule: trigger when two or more conditions
// are met, with the kind chosen by karma sign.
func Fallback(ws world.WorldState, conds []Condition) Evaluation {
	met := MetCount(conds)
	return Evaluation{
		ShouldTrigger:     met >= fallbackMinMet,
		Confidence:        fallbackConfidence,
		SuggestedKind:     kindForKarma(ws.CollectiveKarma),
		SuggestedSeverity: severityForKarma(ws.CollectiveKarma),
		Conditions:        conds,
		Reasoning:         fmt.Sprintf("rule-based: %d of %d conditions met", met, len(conds)),
		Urgency:           UrgencyNormal,
		Path:              PathFallback,
	}
}

func kindForKarma(k float64) events.Kind {
	switch {
	case k > karmaTriggerThreshold:
		return events.KindGoldenAge
	case k < -karmaTriggerThreshold:
		return events.KindAgeOfShadows
	}
	return events.KindWanderingMerchants
}

func severityForKarma(k float64) events.Severity {
	switch abs := math.Abs(k); {
	case abs > 15000:
		return events.SeverityLegendary
	case abs > 10000:
		return events.SeverityMajor
	case abs > 5000:
		return events.SeverityModerate
	}
	return events.SeverityMinor
}

// FormatPrompt renders world state and conditions for the oracle.
func FormatPrompt(ws world.WorldState, conds []Condition, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## World State\n")
	fmt.Fprintf(&b, "Collective karma: %s (%s) | Average: %.1f\n",
		humanize.Commaf(math.Round(ws.CollectiveKarma)), ws.KarmaTrend, ws.AverageKarma)
	fmt.Fprintf(&b, "Players: %s total, %s online\n",
		humanize.Comma(int64(ws.TotalPlayers)), humanize.Comma(int64(ws.OnlinePlayers)))
	ratio := ws.Actions24h.Ratio()
	fmt.Fprintf(&b, "Actions (24h): %d positive, %d negative, %d neutral (%.0f%% positive)\n",
		ratio.Positive, ratio.Negative, ratio.Neutral, ratio.PositiveRatio*100)
	fmt.Fprintf(&b, "Conflicts: %d active | Contested regions: %d\n", ws.ActiveConflicts, ws.ContestedRegions)
	if ws.LastGlobalEventEndedAt != nil {
		fmt.Fprintf(&b, "Last event ended: %s\n", humanize.RelTime(*ws.LastGlobalEventEndedAt, now, "ago", "from now"))
	} else {
		b.WriteString("Last event ended: never\n")
	}
	b.WriteString("\n")

	if len(ws.KarmaHistory) > 1 {
		first := ws.KarmaHistory[0]
		last := ws.KarmaHistory[len(ws.KarmaHistory)-1]
		fmt.Fprintf(&b, "## Trend (last %d samples)\n", len(ws.KarmaHistory))
		fmt.Fprintf(&b, "Karma: %.0f → %.0f over %s\n\n",
			first.CollectiveKarma, last.CollectiveKarma, humanize.RelTime(first.At, last.At, "", ""))
	}

	b.WriteString("## Trigger Conditions\n")
	for _, c := range conds {
		mark := " "
		if c.Met {
			mark = "x"
		}
		fmt.Fprintf(&b, "[%s] %s: current %.2f, threshold %s %.2f", mark, c.Kind, c.Current, c.Op, c.Threshold)
		if c.Detail != "" {
			fmt.Fprintf(&b, " (%s)", c.Detail)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nAllowed kinds: ")
	for i, k := range events.AllKinds {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(string(k))
	}
	b.WriteString("\n\nShould a world event begin now? Respond with a single JSON object.")
	return b.String()
}
