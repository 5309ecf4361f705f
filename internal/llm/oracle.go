// Content oracle: trigger judgments and event content via Haiku.
// Every response is schema-checked; a response that fails the schema is
// treated exactly like a failed call.
package llm

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrUnavailable means the oracle could not be reached or refused the call.
	ErrUnavailable = errors.New("oracle unavailable")
	// ErrInvalidResponse means the oracle answered with something unusable.
	ErrInvalidResponse = errors.New("oracle response invalid")
)

var tracer = otel.Tracer("github.com/talgya/karma-world/internal/llm")

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	decisionSchema = mustSchema("decision.schema.json")
	proposalSchema = mustSchema("proposal.schema.json")
)

func mustSchema(name string) *jsonschema.Schema {
	data, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(fmt.Sprintf("read schema %s: %v", name, err))
	}
	return jsonschema.MustCompileString(name, string(data))
}

// Decision is the oracle's structured trigger judgment.
type Decision struct {
	ShouldTrigger     bool    `json:"should_trigger"`
	Confidence        float64 `json:"confidence"`
	SuggestedKind     string  `json:"suggested_kind"`
	SuggestedSeverity string  `json:"suggested_severity"`
	Reasoning         string  `json:"reasoning"`
	Urgency           string  `json:"urgency"`
}

// ProposedEffect is one effect in an oracle proposal, before domain parsing.
type ProposedEffect struct {
	EffectType    string  `json:"effect_type"`
	Value         float64 `json:"value"`
	TargetScope   string  `json:"target_scope"`
	DurationHours float64 `json:"duration_hours"`
	Description   string  `json:"description"`
}

// Proposal is the oracle's structured event content.
type Proposal struct {
	Kind                  string           `json:"kind"`
	Severity              string           `json:"severity"`
	Name                  string           `json:"name"`
	Description           string           `json:"description"`
	Lore                  string           `json:"lore"`
	Effects               []ProposedEffect `json:"effects"`
	DurationHours         float64          `json:"duration_hours"`
	EstimatedImpact       string           `json:"estimated_impact"`
	Reasoning             string           `json:"reasoning"`
	RequiresParticipation bool             `json:"requires_participation"`
}

// Oracle is the content oracle capability.
type Oracle interface {
	Decide(ctx context.Context, prompt string) (*Decision, error)
	Generate(ctx context.Context, prompt string) (*Proposal, error)
}

const decideSystemPrompt = `You are the Weaver, the unseen arbiter of a persistent online world whose fate is shaped by the collective karma of its players.

Each cycle you receive the state of the world and a set of trigger conditions. Decide whether a world event should begin now. Prefer restraint: an event should feel earned by the world's behavior, not scheduled.

Respond with ONLY a single JSON object (no markdown, no prose):
{
  "should_trigger": true | false,
  "confidence": 0.0-1.0,
  "suggested_kind": "<event kind>",
  "suggested_severity": "minor" | "moderate" | "major" | "legendary",
  "reasoning": "one or two sentences",
  "urgency": "low" | "normal" | "high" | "critical"
}`

const generateSystemPrompt = `You are the Weaver, the chronicler of a persistent online world whose fate is shaped by the collective karma of its players.

Create one world event that answers the state of the world. Positive karma earns celebration and reward; negative karma earns trial and consequence; balance earns wonder.

Respond with ONLY a single JSON object (no markdown, no prose):
{
  "kind": "<one of the allowed kinds>",
  "severity": "minor" | "moderate" | "major" | "legendary",
  "name": "short evocative title",
  "description": "two sentences players will read",
  "lore": "a paragraph of in-world history",
  "effects": [
    {"effect_type": "<allowed effect type>", "value": <number>, "target_scope": "all", "duration_hours": <number>, "description": "what players feel"}
  ],
  "duration_hours": <1-168>,
  "estimated_impact": "one sentence",
  "reasoning": "one sentence",
  "requires_participation": true | false
}

Multiplier effect types (names ending in boost or multiplier) take values like 1.25 (25% more). Other effect types are additive: small fractions for discounts and damage, flat points for regeneration. Do not break character or reference the simulation.`

// HaikuOracle is the network-backed oracle.
type HaikuOracle struct {
	client *Client
}

// NewHaikuOracle wraps client. A nil or disabled client yields an oracle
// whose every call returns ErrUnavailable.
func NewHaikuOracle(client *Client) *HaikuOracle {
	return &HaikuOracle{client: client}
}

// Decide asks Haiku for a trigger judgment.
func (o *HaikuOracle) Decide(ctx context.Context, prompt string) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "llm.Decide")
	defer span.End()

	raw, err := o.client.Complete(ctx, decideSystemPrompt, prompt, 400)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decide: %w", err)
	}
	var d Decision
	if err := decodeValidated(raw, decisionSchema, &d); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("decide: %w", err)
	}
	span.SetAttributes(attribute.Bool("should_trigger", d.ShouldTrigger))
	return &d, nil
}

// Generate asks Haiku for event content.
func (o *HaikuOracle) Generate(ctx context.Context, prompt string) (*Proposal, error) {
	ctx, span := tracer.Start(ctx, "llm.Generate")
	defer span.End()

	raw, err := o.client.Complete(ctx, generateSystemPrompt, prompt, 1200)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate: %w", err)
	}
	var p Proposal
	if err := decodeValidated(raw, proposalSchema, &p); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("generate: %w", err)
	}
	span.SetAttributes(attribute.String("kind", p.Kind))
	return &p, nil
}

// ExtractJSON returns the outermost JSON object in response, tolerating
// markdown fences and surrounding prose.
func ExtractJSON(response string) (string, error) {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")

	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("%w: no JSON object found in response", ErrInvalidResponse)
	}
	return response[start : end+1], nil
}

// decodeValidated extracts, schema-checks and decodes a response into target.
func decodeValidated(response string, schema *jsonschema.Schema, target any) error {
	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal([]byte(jsonStr), &doc); err != nil {
		return fmt.Errorf("%w: parse: %v", ErrInvalidResponse, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: schema: %v", ErrInvalidResponse, err)
	}
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidResponse, err)
	}
	return nil
}
