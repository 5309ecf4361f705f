// Package engine runs the event lifecycle: deciding when the world earns an
// event, creating it, activating it, and ending it when its time runs out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/talgya/karma-world/internal/content"
	"github.com/talgya/karma-world/internal/effects"
	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/regions"
	"github.com/talgya/karma-world/internal/trigger"
	"github.com/talgya/karma-world/internal/world"
)

var tracer = otel.Tracer("github.com/talgya/karma-world/internal/engine")

// ErrEventNotFound is returned for an unknown event id.
var ErrEventNotFound = errors.New("event not found")

const (
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// EventStore persists event documents.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *events.Event) error
	// UpdateEvent must refuse writes that would move the stored status
	// backward, reporting applied=false.
	UpdateEvent(ctx context.Context, ev *events.Event) (applied bool, err error)
	// GetEvent returns nil, nil for an unknown id.
	GetEvent(ctx context.Context, id string) (*events.Event, error)
	ListEvents(ctx context.Context, f events.Filter) ([]*events.Event, error)
}

// WorldCache is the slice of the world state cache the lifecycle touches.
type WorldCache interface {
	Refresh(ctx context.Context) error
	Snapshot() world.WorldState
	SetActiveEvent(ctx context.Context, ref world.EventRef) error
	ClearActiveEvent(ctx context.Context, id string, endedAt time.Time) error
}

// ManagerDeps wires a Manager.
type ManagerDeps struct {
	Store   EventStore
	World   WorldCache
	Decider *trigger.Decider
	Content *content.Provider
	Ledger  *effects.Ledger
	Regions *regions.Manager
	Now     func() time.Time
}

// Manager owns every event's state machine.
type Manager struct {
	store   EventStore
	world   WorldCache
	decider *trigger.Decider
	content *content.Provider
	ledger  *effects.Ledger
	regions *regions.Manager
	now     func() time.Time

	// triggerMu serialises trigger attempts so a manual trigger racing the
	// tick cannot create two global events.
	triggerMu sync.Mutex
	// docMu serialises read-modify-write of event documents.
	docMu sync.Mutex
}

// NewManager creates a Manager.
func NewManager(d ManagerDeps) *Manager {
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Manager{
		store:   d.Store,
		world:   d.World,
		decider: d.Decider,
		content: d.Content,
		ledger:  d.Ledger,
		regions: d.Regions,
		now:     d.Now,
	}
}

// CheckAndTrigger runs one decision cycle and returns the event it created,
// if any. Without force it does nothing while a global event is active or
// when the decider declines. Failures are logged and mean no event.
func (m *Manager) CheckAndTrigger(ctx context.Context, force bool) *events.Event {
	ev, err := m.trigger(ctx, force, nil)
	if err != nil {
		slog.Error("event trigger failed", "error", err, "force", force)
		return nil
	}
	return ev
}

// TriggerKind creates a global event of the given kind regardless of
// conditions. Errors are returned to the caller.
func (m *Manager) TriggerKind(ctx context.Context, kind events.Kind) (*events.Event, error) {
	if _, err := events.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	return m.trigger(ctx, true, &kind)
}

func (m *Manager) trigger(ctx context.Context, force bool, forced *events.Kind) (*events.Event, error) {
	m.triggerMu.Lock()
	defer m.triggerMu.Unlock()

	ctx, span := tracer.Start(ctx, "engine.CheckAndTrigger")
	defer span.End()
	span.SetAttributes(attribute.Bool("force", force))

	if !force {
		active, err := m.GetActiveGlobalEvent(ctx)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if active != nil {
			slog.Debug("global event already active", "event_id", active.ID)
			return nil, nil
		}
	}

	if err := m.world.Refresh(ctx); err != nil {
		slog.Warn("world refresh failed, deciding on cached state", "error", err)
	}
	ws := m.world.Snapshot()
	now := m.now()

	conds := trigger.Evaluate(ws, now)
	eval := m.decider.Decide(ctx, ws, conds, now)
	slog.Info("trigger evaluated",
		"should_trigger", eval.ShouldTrigger,
		"confidence", eval.Confidence,
		"path", eval.Path,
		"conditions_met", trigger.MetCount(conds),
		"urgency", eval.Urgency,
	)
	span.SetAttributes(attribute.Bool("should_trigger", eval.ShouldTrigger), attribute.String("path", string(eval.Path)))
	if !eval.ShouldTrigger && !force {
		return nil, nil
	}

	prop := m.content.Generate(ctx, ws, forced, content.Hint{
		SuggestedKind:     eval.SuggestedKind,
		SuggestedSeverity: eval.SuggestedSeverity,
		Reasoning:         eval.Reasoning,
	})
	ev := events.NewFromProposal(prop, ws, now)
	ev.Meta = map[string]string{
		"trigger_path": string(eval.Path),
		"confidence":   fmt.Sprintf("%.2f", eval.Confidence),
		"reasoning":    prop.Reasoning,
	}

	// Insert and activate under docMu so the sweep never sees a Scheduled
	// event that is still being activated.
	m.docMu.Lock()
	defer m.docMu.Unlock()
	if err := m.store.InsertEvent(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persist event: %w", err)
	}
	slog.Info("event created", "event_id", ev.ID, "kind", ev.Kind, "name", ev.Name, "source", ev.Source)

	if _, err := m.activate(ctx, ev); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return ev, fmt.Errorf("activate event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// TriggerRegional creates and activates an event scoped to one region.
// A nil kind lets content generation choose.
func (m *Manager) TriggerRegional(ctx context.Context, regionID int, kind *events.Kind) (*events.Event, error) {
	if kind != nil {
		if _, err := events.ParseKind(string(*kind)); err != nil {
			return nil, err
		}
	}
	if _, err := m.regions.SyncPopulation(ctx, regionID); err != nil {
		return nil, err
	}
	r, err := m.regions.SyncLocalKarma(ctx, regionID)
	if err != nil {
		return nil, err
	}

	ws := m.world.Snapshot()
	prop := m.content.GenerateRegional(ctx, ws, content.RegionContext{
		ID:               r.ID,
		Name:             r.Name,
		LocalKarma:       r.LocalKarma,
		Population:       r.Population,
		ControllingGuild: r.ControllingGuild,
		Contested:        r.Contested,
	}, kind)

	ev := events.NewFromProposal(prop, ws, m.now())
	ev.KarmaAtTrigger = r.LocalKarma

	m.docMu.Lock()
	defer m.docMu.Unlock()
	if err := m.store.InsertEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist regional event: %w", err)
	}
	slog.Info("regional event created", "event_id", ev.ID, "region", regionID, "kind", ev.Kind)

	if _, err := m.activate(ctx, ev); err != nil {
		return ev, fmt.Errorf("activate event %s: %w", ev.ID, err)
	}
	return ev, nil
}

// Activate moves a Scheduled event to Active. Calling it on an event that
// is already Active or Ended changes nothing and reports false.
func (m *Manager) Activate(ctx context.Context, id string) (bool, error) {
	m.docMu.Lock()
	defer m.docMu.Unlock()

	ev, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	return m.activate(ctx, ev)
}

// activate requires docMu.
func (m *Manager) activate(ctx context.Context, ev *events.Event) (bool, error) {
	if !ev.Status.CanAdvanceTo(events.StatusActive) {
		return false, nil
	}

	now := m.now()
	ends := now.Add(ev.Duration())
	next := *ev
	next.Status = events.StatusActive
	next.StartedAt = &now
	next.EndsAt = &ends

	applied, err := m.store.UpdateEvent(ctx, &next)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	*ev = next

	if ev.IsGlobal {
		if err := m.world.SetActiveEvent(ctx, ev.Ref()); err != nil {
			slog.Error("publish active event failed", "event_id", ev.ID, "error", err)
		}
	} else {
		for _, rid := range ev.AffectedRegions {
			if _, err := m.regions.AddRegionalEvent(ctx, rid, ev.ID, ev.Name); err != nil {
				slog.Error("attach regional event failed", "event_id", ev.ID, "region", rid, "error", err)
			}
		}
	}

	if _, err := m.ledger.ApplyEvent(ctx, ev); err != nil {
		slog.Error("apply event effects failed", "event_id", ev.ID, "error", err)
	}

	slog.Info("event activated", "event_id", ev.ID, "kind", ev.Kind, "ends_at", ends)
	return true, nil
}

// End moves an Active event to Ended and unpublishes it. Returns false if
// the event was not Active.
func (m *Manager) End(ctx context.Context, id, actualImpact string) (bool, error) {
	m.docMu.Lock()
	defer m.docMu.Unlock()

	ev, err := m.load(ctx, id)
	if err != nil {
		return false, err
	}
	return m.end(ctx, ev, actualImpact)
}

// end requires docMu.
func (m *Manager) end(ctx context.Context, ev *events.Event, actualImpact string) (bool, error) {
	if !ev.Status.CanAdvanceTo(events.StatusEnded) {
		return false, nil
	}

	now := m.now()
	next := *ev
	next.Status = events.StatusEnded
	next.EndedAt = &now
	if actualImpact != "" {
		next.ActualImpact = actualImpact
	}

	applied, err := m.store.UpdateEvent(ctx, &next)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	*ev = next

	if ev.IsGlobal {
		if err := m.world.ClearActiveEvent(ctx, ev.ID, now); err != nil {
			slog.Error("clear active event failed", "event_id", ev.ID, "error", err)
		}
	}
	for _, rid := range ev.AffectedRegions {
		if _, err := m.regions.RemoveRegionalEvent(ctx, rid, ev.ID); err != nil {
			slog.Error("detach regional event failed", "event_id", ev.ID, "region", rid, "error", err)
		}
	}

	slog.Info("event ended", "event_id", ev.ID, "kind", ev.Kind, "participants", len(ev.Participants))
	return true, nil
}

// RecordParticipation counts a player's participation. Returns false unless
// the event is Active and requires participation.
func (m *Manager) RecordParticipation(ctx context.Context, eventID, playerID string) (bool, error) {
	m.docMu.Lock()
	defer m.docMu.Unlock()

	ev, err := m.load(ctx, eventID)
	if err != nil {
		return false, err
	}
	if ev.Status != events.StatusActive || !ev.RequiresParticipation {
		return false, nil
	}

	ev.AddParticipation(playerID, m.now())
	applied, err := m.store.UpdateEvent(ctx, ev)
	if err != nil {
		return false, fmt.Errorf("save participation: %w", err)
	}
	return applied, nil
}

// SweepExpired ends every Active event whose endsAt has passed. It first
// retries activation of any event left Scheduled by a failed activation,
// so every persisted event eventually goes live.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "engine.SweepExpired")
	defer span.End()

	m.docMu.Lock()
	defer m.docMu.Unlock()

	stranded, err := m.store.ListEvents(ctx, events.Filter{Status: events.StatusScheduled})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list scheduled events: %w", err)
	}
	for _, ev := range stranded {
		ok, err := m.activate(ctx, ev)
		if err != nil {
			slog.Error("retry activation failed", "event_id", ev.ID, "error", err)
			continue
		}
		if ok {
			slog.Warn("stranded event activated", "event_id", ev.ID, "kind", ev.Kind)
		}
	}

	active, err := m.store.ListEvents(ctx, events.Filter{Status: events.StatusActive})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("list active events: %w", err)
	}

	now := m.now()
	ended := 0
	for _, ev := range active {
		if ev.EndsAt == nil || ev.EndsAt.After(now) {
			continue
		}
		ok, err := m.end(ctx, ev, "")
		if err != nil {
			slog.Error("end expired event failed", "event_id", ev.ID, "error", err)
			continue
		}
		if ok {
			ended++
		}
	}
	span.SetAttributes(attribute.Int("ended", ended))
	return ended, nil
}

// GetActiveGlobalEvent returns the newest Active global event, or nil.
func (m *Manager) GetActiveGlobalEvent(ctx context.Context) (*events.Event, error) {
	evs, err := m.store.ListEvents(ctx, events.Filter{Status: events.StatusActive, GlobalOnly: true, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("find active event: %w", err)
	}
	if len(evs) == 0 {
		return nil, nil
	}
	return evs[0], nil
}

// GetRecentEvents returns the newest events. limit is clamped to [1, 100].
func (m *Manager) GetRecentEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	limit = min(limit, maxRecentLimit)
	return m.store.ListEvents(ctx, events.Filter{Limit: limit})
}

// GetEventByID returns an event or nil.
func (m *Manager) GetEventByID(ctx context.Context, id string) (*events.Event, error) {
	return m.store.GetEvent(ctx, id)
}

func (m *Manager) load(ctx context.Context, id string) (*events.Event, error) {
	ev, err := m.store.GetEvent(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}
	return ev, nil
}
