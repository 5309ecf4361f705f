package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/karma-world/internal/effects"
	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/karma"
	"github.com/talgya/karma-world/internal/regions"
	"github.com/talgya/karma-world/internal/world"
)

// ActionRecorder logs a player action and returns the player's new karma.
type ActionRecorder interface {
	RecordAction(ctx context.Context, a karma.Action) (float64, error)
}

var (
	// ErrInvalidConflict rejects a conflict the region's state does not allow.
	ErrInvalidConflict = errors.New("invalid conflict")
	// ErrConflictNotFound is returned for an unknown conflict id.
	ErrConflictNotFound = errors.New("conflict not found")
)

// ConflictStore opens and closes guild conflicts over regions.
type ConflictStore interface {
	StartConflict(ctx context.Context, regionID int, attacker, defender string, at time.Time) (int64, error)
	EndConflict(ctx context.Context, id int64, at time.Time) (bool, error)
	// GetConflict returns nil, nil for an unknown id.
	GetConflict(ctx context.Context, id int64) (*regions.Conflict, error)
}

// KarmaStats is the world's karma summary.
type KarmaStats struct {
	Collective     float64           `json:"collective"`
	Average        float64           `json:"average"`
	Trend          karma.Trend       `json:"trend"`
	Distribution   map[string]int    `json:"distribution"`
	ActionRatio24h karma.ActionRatio `json:"action_ratio_24h"`
	Top            []karma.Ranked    `json:"top"`
	Bottom         []karma.Ranked    `json:"bottom"`
}

// Service is the read and admin surface other subsystems call.
type Service struct {
	Events    *Manager
	Regions   *regions.Manager
	Karma     *karma.Aggregator
	World     *world.Cache
	Ledger    *effects.Ledger
	Actions   ActionRecorder
	Conflicts ConflictStore
}

// WorldState returns the cached world state, refreshed if stale.
func (s *Service) WorldState(ctx context.Context) world.WorldState {
	return s.World.Get(ctx)
}

// GetActiveGlobalEvent returns the running global event, or nil.
func (s *Service) GetActiveGlobalEvent(ctx context.Context) (*events.Event, error) {
	return s.Events.GetActiveGlobalEvent(ctx)
}

// GetRecentEvents returns up to limit events, newest first.
func (s *Service) GetRecentEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	return s.Events.GetRecentEvents(ctx, limit)
}

// GetEventByID returns nil, nil for an unknown id.
func (s *Service) GetEventByID(ctx context.Context, id string) (*events.Event, error) {
	return s.Events.GetEventByID(ctx, id)
}

// TriggerEvent forces a global event, of kind when kind is non-empty.
// An unknown kind returns events.ErrUnknownKind.
func (s *Service) TriggerEvent(ctx context.Context, kind string) (*events.Event, error) {
	if kind == "" {
		ev, err := s.Events.trigger(ctx, true, nil)
		return ev, err
	}
	k, err := events.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return s.Events.TriggerKind(ctx, k)
}

// RecordParticipation marks playerID as a participant of eventID. It reports
// false if the player was already recorded.
func (s *Service) RecordParticipation(ctx context.Context, eventID, playerID string) (bool, error) {
	return s.Events.RecordParticipation(ctx, eventID, playerID)
}

// GetRegion returns regions.ErrNotFound for an unknown id.
func (s *Service) GetRegion(ctx context.Context, id int) (*regions.Region, error) {
	return s.Regions.GetRegion(ctx, id)
}

// ListRegions returns every region ordered by id.
func (s *Service) ListRegions(ctx context.Context) ([]*regions.Region, error) {
	return s.Regions.List(ctx)
}

// ListContested returns the regions under an open contest.
func (s *Service) ListContested(ctx context.Context) ([]*regions.Region, error) {
	return s.Regions.ListContested(ctx)
}

// ListControlledBy returns the regions guildID holds.
func (s *Service) ListControlledBy(ctx context.Context, guildID string) ([]*regions.Region, error) {
	return s.Regions.ListControlledBy(ctx, guildID)
}

// GetKarmaStats aggregates the karma summary. Collective and trend come
// from the world state cache; distribution and ratios are queried live.
func (s *Service) GetKarmaStats(ctx context.Context) (KarmaStats, error) {
	ws := s.World.Get(ctx)
	dist, err := s.Karma.Distribution(ctx)
	if err != nil {
		return KarmaStats{}, fmt.Errorf("karma distribution: %w", err)
	}
	ratio, err := s.Karma.ActionRatio24h(ctx)
	if err != nil {
		return KarmaStats{}, err
	}
	top, err := s.Karma.Top(ctx, 5)
	if err != nil {
		return KarmaStats{}, fmt.Errorf("top karma: %w", err)
	}
	bottom, err := s.Karma.Bottom(ctx, 5)
	if err != nil {
		return KarmaStats{}, fmt.Errorf("bottom karma: %w", err)
	}
	return KarmaStats{
		Collective:     ws.CollectiveKarma,
		Average:        ws.AverageKarma,
		Trend:          ws.KarmaTrend,
		Distribution:   dist,
		ActionRatio24h: ratio,
		Top:            top,
		Bottom:         bottom,
	}, nil
}

// RecordAction logs a player action and folds its karma into world state.
func (s *Service) RecordAction(ctx context.Context, a karma.Action) (float64, error) {
	var updated float64
	err := s.World.RecordAction(ctx, a.KarmaDelta, a.Polarity(), func(ctx context.Context) error {
		var err error
		updated, err = s.Actions.RecordAction(ctx, a)
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

// PlayerMultiplier folds a player's active effects of one type.
func (s *Service) PlayerMultiplier(ctx context.Context, playerID string, t events.EffectType) (float64, error) {
	return s.Ledger.Multiplier(ctx, playerID, t)
}

// PlayerEffects lists a player's active effects.
func (s *Service) PlayerEffects(ctx context.Context, playerID string) ([]events.AppliedEffect, error) {
	return s.Ledger.Active(ctx, playerID)
}

// TriggerRegionalEvent creates an event in one region, of kind when non-empty.
func (s *Service) TriggerRegionalEvent(ctx context.Context, regionID int, kind string) (*events.Event, error) {
	if kind == "" {
		return s.Events.TriggerRegional(ctx, regionID, nil)
	}
	k, err := events.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	return s.Events.TriggerRegional(ctx, regionID, &k)
}

// StartConflict opens a conflict in which attacker contests a region held
// by its current guild. The region is flagged contested and the world's
// conflict counter moves immediately rather than at the next full sync.
func (s *Service) StartConflict(ctx context.Context, regionID int, attacker string) (int64, error) {
	if attacker == "" {
		return 0, fmt.Errorf("%w: attacker required", ErrInvalidConflict)
	}
	r, err := s.Regions.Contest(ctx, regionID, attacker)
	if errors.Is(err, regions.ErrContested) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidConflict, err)
	}
	if err != nil {
		return 0, err
	}
	if r.ContestedBy != attacker {
		return 0, fmt.Errorf("%w: %s cannot contest region %d", ErrInvalidConflict, attacker, regionID)
	}
	var id int64
	err = s.World.Commit(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.Conflicts.StartConflict(ctx, regionID, attacker, r.ControllingGuild, s.Events.now())
		return err
	}, func(ws *world.WorldState) { ws.ActiveConflicts++ })
	if err != nil {
		return 0, err
	}
	slog.Info("conflict started", "conflict_id", id, "region_id", regionID, "attacker", attacker, "defender", r.ControllingGuild)
	return id, nil
}

// EndConflict closes a conflict over the region it was opened on. When
// winner is non-empty the region passes to that guild; otherwise the contest
// is cleared in the holder's favour. ended is false if the conflict was
// already closed.
func (s *Service) EndConflict(ctx context.Context, id int64, winner string) (ended bool, err error) {
	c, err := s.Conflicts.GetConflict(ctx, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, fmt.Errorf("%w: %d", ErrConflictNotFound, id)
	}
	if c.EndedAt != nil {
		return false, nil
	}

	err = s.World.Commit(ctx, func(ctx context.Context) error {
		var err error
		ended, err = s.Conflicts.EndConflict(ctx, id, s.Events.now())
		return err
	}, func(ws *world.WorldState) {
		if ended && ws.ActiveConflicts > 0 {
			ws.ActiveConflicts--
		}
	})
	if err != nil || !ended {
		return ended, err
	}

	r, err := s.Regions.GetRegion(ctx, c.RegionID)
	if err != nil {
		return true, err
	}
	if winner == "" {
		winner = r.ControllingGuild
	}
	if _, err := s.Regions.SetControl(ctx, c.RegionID, winner); err != nil {
		return true, err
	}
	slog.Info("conflict ended", "conflict_id", id, "region_id", c.RegionID, "winner", winner)
	return true, nil
}
