package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/talgya/karma-world/internal/karma"
)

type playerRow struct {
	ID         string  `db:"id"`
	Username   string  `db:"username"`
	Karma      float64 `db:"karma"`
	Online     int     `db:"online"`
	RegionID   int     `db:"region_id"`
	GuildID    string  `db:"guild_id"`
	Alignment  string  `db:"alignment"`
	LastSeenAt int64   `db:"last_seen_at"`
}

func (r playerRow) player() karma.Player {
	return karma.Player{
		ID:         r.ID,
		Username:   r.Username,
		Karma:      r.Karma,
		Online:     r.Online == 1,
		RegionID:   r.RegionID,
		GuildID:    r.GuildID,
		Alignment:  r.Alignment,
		LastSeenAt: fromTS(r.LastSeenAt),
	}
}

// UpsertPlayer inserts or replaces a player record.
func (db *DB) UpsertPlayer(ctx context.Context, p karma.Player) error {
	if p.LastSeenAt.IsZero() {
		p.LastSeenAt = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `INSERT INTO players
		(id, username, karma, online, region_id, guild_id, alignment, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			karma = excluded.karma,
			online = excluded.online,
			region_id = excluded.region_id,
			guild_id = excluded.guild_id,
			alignment = excluded.alignment,
			last_seen_at = excluded.last_seen_at`,
		p.ID, p.Username, p.Karma, boolInt(p.Online), p.RegionID, p.GuildID, p.Alignment, ts(p.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert player %s: %w", p.ID, err)
	}
	return nil
}

// GetPlayer returns a player, or ErrNotFound.
func (db *DB) GetPlayer(ctx context.Context, id string) (karma.Player, error) {
	var row playerRow
	err := db.conn.GetContext(ctx, &row, "SELECT * FROM players WHERE id = ?", id)
	if isNoRows(err) {
		return karma.Player{}, ErrNotFound
	}
	if err != nil {
		return karma.Player{}, fmt.Errorf("get player %s: %w", id, err)
	}
	return row.player(), nil
}

// RecordAction logs an action and moves the player's karma in one
// transaction. Returns the player's new karma.
func (db *DB) RecordAction(ctx context.Context, a karma.Action) (float64, error) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE players SET karma = karma + ?, last_seen_at = ? WHERE id = ?",
		a.KarmaDelta, ts(a.At), a.PlayerID,
	)
	if err != nil {
		return 0, fmt.Errorf("update karma: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("player %s: %w", a.PlayerID, ErrNotFound)
	}

	regionID := a.RegionID
	if regionID == 0 {
		if err := tx.GetContext(ctx, &regionID, "SELECT region_id FROM players WHERE id = ?", a.PlayerID); err != nil {
			return 0, fmt.Errorf("player region: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO player_actions
		(player_id, action, kind, karma_delta, region_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.PlayerID, a.Action, a.Polarity(), a.KarmaDelta, regionID, ts(a.At),
	)
	if err != nil {
		return 0, fmt.Errorf("insert action: %w", err)
	}

	var updated float64
	if err := tx.GetContext(ctx, &updated, "SELECT karma FROM players WHERE id = ?", a.PlayerID); err != nil {
		return 0, err
	}
	return updated, tx.Commit()
}

// CountPlayers counts players matching f.
func (db *DB) CountPlayers(ctx context.Context, f karma.Filter) (int, error) {
	var (
		where []string
		args  []any
	)
	if f.MinKarma != nil {
		where = append(where, "karma >= ?")
		args = append(args, *f.MinKarma)
	}
	if f.MaxKarma != nil {
		where = append(where, "karma < ?")
		args = append(args, *f.MaxKarma)
	}
	if f.OnlineOnly {
		where = append(where, "online = 1")
	}
	q := "SELECT COUNT(*) FROM players"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	var n int
	if err := db.conn.GetContext(ctx, &n, q, args...); err != nil {
		return 0, fmt.Errorf("count players: %w", err)
	}
	return n, nil
}

// AggregateKarma sums and averages karma across all players.
func (db *DB) AggregateKarma(ctx context.Context) (karma.Totals, error) {
	var row struct {
		Total float64 `db:"total"`
		Avg   float64 `db:"avg"`
		Count int     `db:"count"`
	}
	err := db.conn.GetContext(ctx, &row,
		"SELECT COALESCE(SUM(karma), 0) AS total, COALESCE(AVG(karma), 0) AS avg, COUNT(*) AS count FROM players")
	if err != nil {
		return karma.Totals{}, fmt.Errorf("aggregate karma: %w", err)
	}
	return karma.Totals{Total: row.Total, Avg: row.Avg, Count: row.Count}, nil
}

// TopKarma returns the n highest-karma players.
func (db *DB) TopKarma(ctx context.Context, n int) ([]karma.Ranked, error) {
	return db.ranked(ctx, "DESC", n)
}

// BottomKarma returns the n lowest-karma players.
func (db *DB) BottomKarma(ctx context.Context, n int) ([]karma.Ranked, error) {
	return db.ranked(ctx, "ASC", n)
}

func (db *DB) ranked(ctx context.Context, dir string, n int) ([]karma.Ranked, error) {
	var out []karma.Ranked
	err := db.conn.SelectContext(ctx, &out,
		"SELECT id, username, karma FROM players ORDER BY karma "+dir+", id LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("rank players: %w", err)
	}
	return out, nil
}

// actionGroupColumns whitelists CountActionsSince's groupBy.
var actionGroupColumns = map[string]bool{"kind": true, "action": true, "region_id": true}

// CountActionsSince groups actions logged at or after since by column.
func (db *DB) CountActionsSince(ctx context.Context, since time.Time, groupBy string) (map[string]int, error) {
	if !actionGroupColumns[groupBy] {
		return nil, fmt.Errorf("cannot group actions by %q", groupBy)
	}
	var rows []struct {
		Key   string `db:"k"`
		Count int    `db:"n"`
	}
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT CAST("+groupBy+" AS TEXT) AS k, COUNT(*) AS n FROM player_actions WHERE created_at >= ? GROUP BY "+groupBy,
		ts(since),
	)
	if err != nil {
		return nil, fmt.Errorf("count actions: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Count
	}
	return out, nil
}

// CountPlayersInRegion counts players whose home is regionID.
func (db *DB) CountPlayersInRegion(ctx context.Context, regionID int) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM players WHERE region_id = ?", regionID)
	return n, err
}

// SumKarmaInRegion sums karma of players whose home is regionID.
func (db *DB) SumKarmaInRegion(ctx context.Context, regionID int) (float64, error) {
	var k float64
	err := db.conn.GetContext(ctx, &k, "SELECT COALESCE(SUM(karma), 0) FROM players WHERE region_id = ?", regionID)
	return k, err
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
