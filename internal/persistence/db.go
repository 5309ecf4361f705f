// Package persistence provides SQLite-backed storage for players, events,
// regions, applied effects and the world state document.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an update targets a missing row.
var ErrNotFound = errors.New("not found")

// DB wraps a SQLite connection.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		karma REAL NOT NULL DEFAULT 0,
		online INTEGER NOT NULL DEFAULT 0,
		region_id INTEGER NOT NULL DEFAULT 0,
		guild_id TEXT NOT NULL DEFAULT '',
		alignment TEXT NOT NULL DEFAULT '',
		last_seen_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS player_actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		player_id TEXT NOT NULL,
		action TEXT NOT NULL,
		kind TEXT NOT NULL,
		karma_delta REAL NOT NULL,
		region_id INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		region_id INTEGER NOT NULL,
		attacker TEXT NOT NULL,
		defender TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		status_rank INTEGER NOT NULL,
		is_global INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		ends_at INTEGER,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS regions (
		id INTEGER PRIMARY KEY,
		controlling_guild TEXT NOT NULL DEFAULT '',
		contested INTEGER NOT NULL DEFAULT 0,
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS applied_effects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		player_id TEXT NOT NULL,
		source_event_id TEXT NOT NULL,
		effect_type TEXT NOT NULL,
		value REAL NOT NULL,
		applied_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS world_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_players_online ON players(online);
	CREATE INDEX IF NOT EXISTS idx_players_region ON players(region_id);
	CREATE INDEX IF NOT EXISTS idx_actions_created ON player_actions(created_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(ended_at);
	CREATE INDEX IF NOT EXISTS idx_events_status ON events(status_rank, is_global);
	CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
	CREATE INDEX IF NOT EXISTS idx_effects_player ON applied_effects(player_id, effect_type);
	CREATE INDEX IF NOT EXISTS idx_effects_expiry ON applied_effects(expires_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// SaveMeta stores a key-value pair in world metadata.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO world_meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value. ok is false when the key is unset.
func (db *DB) GetMeta(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.conn.GetContext(ctx, &value, "SELECT value FROM world_meta WHERE key = ?", key)
	if isNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Timestamps are stored as Unix nanoseconds so range comparisons are exact.
func ts(t time.Time) int64 { return t.UnixNano() }

func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
