package regions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxControlHistory bounds the stored control changes per region.
const maxControlHistory = 50

// Filter narrows a region listing. Zero value lists everything.
type Filter struct {
	ContestedOnly bool
	Guild         string
}

// Store persists region records. GetRegion returns nil, nil for an unknown id.
type Store interface {
	CountRegions(ctx context.Context) (int, error)
	RegionIDs(ctx context.Context) ([]int, error)
	InsertRegion(ctx context.Context, r *Region) error
	GetRegion(ctx context.Context, id int) (*Region, error)
	ListRegions(ctx context.Context, f Filter) ([]*Region, error)
	SaveRegion(ctx context.Context, r *Region) error
}

// PopulationReader answers per-region questions about players.
type PopulationReader interface {
	CountPlayersInRegion(ctx context.Context, regionID int) (int, error)
	SumKarmaInRegion(ctx context.Context, regionID int) (float64, error)
}

// Manager owns region records.
type Manager struct {
	store   Store
	players PopulationReader
	seed    int64
	count   int
	now     func() time.Time

	// mu serialises read-modify-write of region documents.
	mu sync.Mutex
}

// NewManager creates a Manager for count regions. count <= 0 uses DefaultCount.
func NewManager(store Store, players PopulationReader, seed int64, count int) *Manager {
	if count <= 0 {
		count = DefaultCount
	}
	return &Manager{store: store, players: players, seed: seed, count: count, now: time.Now}
}

// SetClock replaces the manager's time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Count returns the size of the region set.
func (m *Manager) Count() int { return m.count }

// Initialize creates any missing regions. Safe to call on every start.
func (m *Manager) Initialize(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.store.CountRegions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count regions: %w", err)
	}
	if n >= m.count {
		return 0, nil
	}

	ids, err := m.store.RegionIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list region ids: %w", err)
	}
	have := make(map[int]bool, len(ids))
	for _, id := range ids {
		have[id] = true
	}

	now := m.now()
	inserted := 0
	for id := 1; id <= m.count; id++ {
		if have[id] {
			continue
		}
		if err := m.store.InsertRegion(ctx, Seed(id, m.count, m.seed, now)); err != nil {
			return inserted, fmt.Errorf("insert region %d: %w", id, err)
		}
		inserted++
	}
	slog.Info("regions initialized", "existing", n, "inserted", inserted)
	return inserted, nil
}

// GetRegion returns a region or ErrNotFound.
func (m *Manager) GetRegion(ctx context.Context, id int) (*Region, error) {
	r, err := m.store.GetRegion(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get region %d: %w", id, err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

// List returns every region ordered by id.
func (m *Manager) List(ctx context.Context) ([]*Region, error) {
	return m.list(ctx, Filter{})
}

// ListContested returns regions currently under contest.
func (m *Manager) ListContested(ctx context.Context) ([]*Region, error) {
	return m.list(ctx, Filter{ContestedOnly: true})
}

// ListControlledBy returns regions held by guildID.
func (m *Manager) ListControlledBy(ctx context.Context, guildID string) ([]*Region, error) {
	if guildID == "" {
		return nil, nil
	}
	return m.list(ctx, Filter{Guild: guildID})
}

// CountContested implements world.ConflictCounter's region half.
func (m *Manager) CountContested(ctx context.Context) (int, error) {
	rs, err := m.ListContested(ctx)
	if err != nil {
		return 0, err
	}
	return len(rs), nil
}

func (m *Manager) list(ctx context.Context, f Filter) ([]*Region, error) {
	rs, err := m.store.ListRegions(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	return rs, nil
}

// AddRegionalEvent appends an event to a region's active list. Adding the
// same event twice is a no-op.
func (m *Manager) AddRegionalEvent(ctx context.Context, regionID int, eventID, name string) (*Region, error) {
	return m.mutate(ctx, regionID, func(r *Region, now time.Time) bool {
		for _, ref := range r.ActiveEvents {
			if ref.EventID == eventID {
				return false
			}
		}
		r.ActiveEvents = append(r.ActiveEvents, EventRef{EventID: eventID, Name: name, AddedAt: now})
		return true
	})
}

// RemoveRegionalEvent drops an event from a region's active list.
func (m *Manager) RemoveRegionalEvent(ctx context.Context, regionID int, eventID string) (*Region, error) {
	return m.mutate(ctx, regionID, func(r *Region, _ time.Time) bool {
		kept := r.ActiveEvents[:0]
		for _, ref := range r.ActiveEvents {
			if ref.EventID != eventID {
				kept = append(kept, ref)
			}
		}
		changed := len(kept) != len(r.ActiveEvents)
		r.ActiveEvents = kept
		return changed
	})
}

// SyncPopulation recomputes a region's population from the player store.
func (m *Manager) SyncPopulation(ctx context.Context, regionID int) (*Region, error) {
	n, err := m.players.CountPlayersInRegion(ctx, regionID)
	if err != nil {
		return nil, fmt.Errorf("count players in region %d: %w", regionID, err)
	}
	return m.mutate(ctx, regionID, func(r *Region, _ time.Time) bool {
		if r.Population == n {
			return false
		}
		r.Population = n
		return true
	})
}

// SyncLocalKarma recomputes a region's karma from the player store.
func (m *Manager) SyncLocalKarma(ctx context.Context, regionID int) (*Region, error) {
	k, err := m.players.SumKarmaInRegion(ctx, regionID)
	if err != nil {
		return nil, fmt.Errorf("sum karma in region %d: %w", regionID, err)
	}
	return m.mutate(ctx, regionID, func(r *Region, _ time.Time) bool {
		if r.LocalKarma == k {
			return false
		}
		r.LocalKarma = k
		return true
	})
}

// SetControl hands a region to guildID, recording the change and ending any
// contest. An empty guild leaves the region unheld.
func (m *Manager) SetControl(ctx context.Context, regionID int, guildID string) (*Region, error) {
	return m.mutate(ctx, regionID, func(r *Region, now time.Time) bool {
		if r.ControllingGuild == guildID && !r.Contested {
			return false
		}
		if r.ControllingGuild != guildID {
			r.ControlHistory = append(r.ControlHistory, ControlChange{GuildID: guildID, At: now})
			if len(r.ControlHistory) > maxControlHistory {
				r.ControlHistory = r.ControlHistory[len(r.ControlHistory)-maxControlHistory:]
			}
			r.ControlStrength = 1.0
			if guildID == "" {
				r.ControlStrength = 0
			}
		}
		r.ControllingGuild = guildID
		r.Contested = false
		r.ContestedBy = ""
		return true
	})
}

// Contest marks a region as contested by guildID. A guild cannot contest a
// region it already holds; that call leaves the region unchanged. A region
// holds one contest at a time, so contesting it again returns ErrContested.
func (m *Manager) Contest(ctx context.Context, regionID int, guildID string) (*Region, error) {
	var busy bool
	r, err := m.mutate(ctx, regionID, func(r *Region, _ time.Time) bool {
		if r.Contested {
			busy = true
			return false
		}
		if guildID == "" || r.ControllingGuild == guildID {
			return false
		}
		r.Contested = true
		r.ContestedBy = guildID
		return true
	})
	if err != nil {
		return nil, err
	}
	if busy {
		return r, fmt.Errorf("%w: region %d by %s", ErrContested, regionID, r.ContestedBy)
	}
	return r, nil
}

// mutate loads a region, applies fn and saves it when fn reports a change.
func (m *Manager) mutate(ctx context.Context, regionID int, fn func(r *Region, now time.Time) bool) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.GetRegion(ctx, regionID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if !fn(r, now) {
		return r, nil
	}
	r.UpdatedAt = now
	if err := m.store.SaveRegion(ctx, r); err != nil {
		return nil, fmt.Errorf("save region %d: %w", regionID, err)
	}
	return r, nil
}
