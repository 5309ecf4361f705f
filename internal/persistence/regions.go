package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talgya/karma-world/internal/regions"
)

// CountRegions returns the number of stored regions.
func (db *DB) CountRegions(ctx context.Context) (int, error) {
	var n int
	err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM regions")
	return n, err
}

// RegionIDs returns every stored region id in order.
func (db *DB) RegionIDs(ctx context.Context) ([]int, error) {
	var ids []int
	err := db.conn.SelectContext(ctx, &ids, "SELECT id FROM regions ORDER BY id")
	return ids, err
}

// InsertRegion stores r unless its id already exists.
func (db *DB) InsertRegion(ctx context.Context, r *regions.Region) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal region: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO regions (id, controlling_guild, contested, doc) VALUES (?, ?, ?, ?)",
		r.ID, r.ControllingGuild, boolInt(r.Contested), string(doc),
	)
	return err
}

// GetRegion returns a region, or nil when the id is unknown.
func (db *DB) GetRegion(ctx context.Context, id int) (*regions.Region, error) {
	var doc string
	err := db.conn.GetContext(ctx, &doc, "SELECT doc FROM regions WHERE id = ?", id)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRegion(doc)
}

// ListRegions returns regions matching f ordered by id.
func (db *DB) ListRegions(ctx context.Context, f regions.Filter) ([]*regions.Region, error) {
	var (
		where []string
		args  []any
	)
	if f.ContestedOnly {
		where = append(where, "contested = 1")
	}
	if f.Guild != "" {
		where = append(where, "controlling_guild = ?")
		args = append(args, f.Guild)
	}
	q := "SELECT doc FROM regions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY id"

	var docs []string
	if err := db.conn.SelectContext(ctx, &docs, q, args...); err != nil {
		return nil, err
	}
	out := make([]*regions.Region, 0, len(docs))
	for _, d := range docs {
		r, err := decodeRegion(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// SaveRegion rewrites an existing region.
func (db *DB) SaveRegion(ctx context.Context, r *regions.Region) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal region: %w", err)
	}
	res, err := db.conn.ExecContext(ctx,
		"UPDATE regions SET controlling_guild = ?, contested = ?, doc = ? WHERE id = ?",
		r.ControllingGuild, boolInt(r.Contested), string(doc), r.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("region %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func decodeRegion(doc string) (*regions.Region, error) {
	var r regions.Region
	if err := json.Unmarshal([]byte(doc), &r); err != nil {
		return nil, fmt.Errorf("decode region: %w", err)
	}
	return &r, nil
}
