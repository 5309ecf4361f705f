package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/karma-world/internal/effects"
	"github.com/talgya/karma-world/internal/events"
)

type appliedRow struct {
	PlayerID      string  `db:"player_id"`
	SourceEventID string  `db:"source_event_id"`
	EffectType    string  `db:"effect_type"`
	Value         float64 `db:"value"`
	AppliedAt     int64   `db:"applied_at"`
	ExpiresAt     int64   `db:"expires_at"`
	Description   string  `db:"description"`
}

// PushAppliedEffect copies tmpl onto every player sel matches.
func (db *DB) PushAppliedEffect(ctx context.Context, sel effects.Selector, tmpl events.AppliedEffect) (int, error) {
	q := `INSERT INTO applied_effects
		(player_id, source_event_id, effect_type, value, applied_at, expires_at, description)
		SELECT id, ?, ?, ?, ?, ?, ? FROM players`
	args := []any{tmpl.SourceEventID, string(tmpl.Type), tmpl.Value, ts(tmpl.AppliedAt), ts(tmpl.ExpiresAt), tmpl.Description}

	if !sel.All {
		if len(sel.RegionIDs) == 0 {
			return 0, nil
		}
		in, inArgs, err := sqlx.In(" WHERE region_id IN (?)", sel.RegionIDs)
		if err != nil {
			return 0, err
		}
		q += in
		args = append(args, inArgs...)
	}

	res, err := db.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("push effect: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeleteExpiredEffects removes effects with expires_at <= now.
func (db *DB) DeleteExpiredEffects(ctx context.Context, now time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM applied_effects WHERE expires_at <= ?", ts(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired effects: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ListAppliedEffects returns a player's effects, of type t when t is set.
func (db *DB) ListAppliedEffects(ctx context.Context, playerID string, t events.EffectType) ([]events.AppliedEffect, error) {
	q := `SELECT player_id, source_event_id, effect_type, value, applied_at, expires_at, description
		FROM applied_effects WHERE player_id = ?`
	args := []any{playerID}
	if t != "" {
		q += " AND effect_type = ?"
		args = append(args, string(t))
	}
	q += " ORDER BY applied_at, id"

	var rows []appliedRow
	if err := db.conn.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("list effects: %w", err)
	}
	out := make([]events.AppliedEffect, len(rows))
	for i, r := range rows {
		out[i] = events.AppliedEffect{
			PlayerID:      r.PlayerID,
			SourceEventID: r.SourceEventID,
			Type:          events.EffectType(r.EffectType),
			Value:         r.Value,
			AppliedAt:     fromTS(r.AppliedAt),
			ExpiresAt:     fromTS(r.ExpiresAt),
			Description:   r.Description,
		}
	}
	return out, nil
}
