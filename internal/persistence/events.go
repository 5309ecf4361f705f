package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talgya/karma-world/internal/events"
)

// InsertEvent stores a new event document.
func (db *DB) InsertEvent(ctx context.Context, ev *events.Event) error {
	doc, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `INSERT INTO events
		(id, status_rank, is_global, created_at, ends_at, doc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, int(ev.Status), boolInt(ev.IsGlobal), ts(ev.CreatedAt), endsAt(ev), string(doc),
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.ID, err)
	}
	return nil
}

// UpdateEvent rewrites an event document. The write only lands if the stored
// status is not already past ev.Status, so a stale copy can never move an
// event backward; applied is false in that case.
func (db *DB) UpdateEvent(ctx context.Context, ev *events.Event) (applied bool, err error) {
	doc, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	res, err := db.conn.ExecContext(ctx, `UPDATE events
		SET status_rank = ?, is_global = ?, ends_at = ?, doc = ?
		WHERE id = ? AND status_rank <= ?`,
		int(ev.Status), boolInt(ev.IsGlobal), endsAt(ev), string(doc), ev.ID, int(ev.Status),
	)
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", ev.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetEvent returns an event, or nil when the id is unknown.
func (db *DB) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	var doc string
	err := db.conn.GetContext(ctx, &doc, "SELECT doc FROM events WHERE id = ?", id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return decodeEvent(doc)
}

// ListEvents returns events matching f, newest first.
func (db *DB) ListEvents(ctx context.Context, f events.Filter) ([]*events.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != 0 {
		where = append(where, "status_rank = ?")
		args = append(args, int(f.Status))
	}
	if f.GlobalOnly {
		where = append(where, "is_global = 1")
	}
	q := "SELECT doc FROM events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var docs []string
	if err := db.conn.SelectContext(ctx, &docs, q, args...); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]*events.Event, 0, len(docs))
	for _, d := range docs {
		ev, err := decodeEvent(d)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func decodeEvent(doc string) (*events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal([]byte(doc), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func endsAt(ev *events.Event) sql.NullInt64 {
	if ev.EndsAt == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts(*ev.EndsAt), Valid: true}
}
