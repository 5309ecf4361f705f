package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talgya/karma-world/internal/regions"
	"github.com/talgya/karma-world/internal/world"
)

const worldStateKey = "world_state"

// LoadWorldState returns the persisted world state, or nil if none was saved.
func (db *DB) LoadWorldState(ctx context.Context) (*world.WorldState, error) {
	raw, ok, err := db.GetMeta(ctx, worldStateKey)
	if err != nil {
		return nil, fmt.Errorf("load world state: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var ws world.WorldState
	if err := json.Unmarshal([]byte(raw), &ws); err != nil {
		return nil, fmt.Errorf("decode world state: %w", err)
	}
	return &ws, nil
}

// SaveWorldState replaces the persisted world state document.
func (db *DB) SaveWorldState(ctx context.Context, ws world.WorldState) error {
	doc, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal world state: %w", err)
	}
	return db.SaveMeta(ctx, worldStateKey, string(doc))
}

// StartConflict opens a conflict over a region and returns its id.
func (db *DB) StartConflict(ctx context.Context, regionID int, attacker, defender string, at time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO conflicts (region_id, attacker, defender, started_at) VALUES (?, ?, ?, ?)",
		regionID, attacker, defender, ts(at),
	)
	if err != nil {
		return 0, fmt.Errorf("start conflict: %w", err)
	}
	return res.LastInsertId()
}

type conflictRow struct {
	ID        int64         `db:"id"`
	RegionID  int           `db:"region_id"`
	Attacker  string        `db:"attacker"`
	Defender  string        `db:"defender"`
	StartedAt int64         `db:"started_at"`
	EndedAt   sql.NullInt64 `db:"ended_at"`
}

// GetConflict returns a conflict, or nil when the id is unknown.
func (db *DB) GetConflict(ctx context.Context, id int64) (*regions.Conflict, error) {
	var row conflictRow
	err := db.conn.GetContext(ctx, &row, "SELECT * FROM conflicts WHERE id = ?", id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict %d: %w", id, err)
	}
	c := &regions.Conflict{
		ID:        row.ID,
		RegionID:  row.RegionID,
		Attacker:  row.Attacker,
		Defender:  row.Defender,
		StartedAt: fromTS(row.StartedAt),
	}
	if row.EndedAt.Valid {
		t := fromTS(row.EndedAt.Int64)
		c.EndedAt = &t
	}
	return c, nil
}

// EndConflict closes an open conflict. ended is false if it was already closed.
func (db *DB) EndConflict(ctx context.Context, id int64, at time.Time) (ended bool, err error) {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE conflicts SET ended_at = ? WHERE id = ? AND ended_at IS NULL", ts(at), id)
	if err != nil {
		return false, fmt.Errorf("end conflict %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountActiveConflicts counts conflicts that have not ended.
func (db *DB) CountActiveConflicts(ctx context.Context) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM conflicts WHERE ended_at IS NULL")
	return n, err
}

// CountContested counts regions flagged as contested.
func (db *DB) CountContested(ctx context.Context) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM regions WHERE contested = 1")
	return n, err
}
