// Package regions manages the fixed set of territories and their local
// events, control and karma.
package regions

import (
	"errors"
	"math"
	"strconv"
	"time"

	opensimplex "github.com/ojrac/opensimplex-go"
)

var (
	// ErrNotFound is returned when a region id does not exist.
	ErrNotFound = errors.New("region not found")
	// ErrContested is returned when a region already has an open contest.
	ErrContested = errors.New("region already contested")
)

// Conflict is a guild's challenge for a region.
type Conflict struct {
	ID        int64      `json:"id"`
	RegionID  int        `json:"region_id"`
	Attacker  string     `json:"attacker"`
	Defender  string     `json:"defender"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// DefaultCount is the size of the region set.
const DefaultCount = 20

// roster names the first regions in id order.
var roster = []string{
	"Ashenvale", "Brightwater", "Cinderreach", "Duskmire", "Emberfall",
	"Frosthollow", "Gloomwood", "Highspire", "Ironvale", "Jadecliff",
	"Kingsrest", "Lowmarsh", "Moonharbor", "Northwatch", "Oakheart",
	"Pale Steppe", "Quietfen", "Ravenhold", "Sunspire", "Thornreach",
}

// Resources are a region's harvestable stock.
type Resources struct {
	Ore    int `json:"ore"`
	Timber int `json:"timber"`
	Mana   int `json:"mana"`
}

// EventRef is an event active in a region.
type EventRef struct {
	EventID string    `json:"event_id"`
	Name    string    `json:"name"`
	AddedAt time.Time `json:"added_at"`
}

// ControlChange records a change of hands.
type ControlChange struct {
	GuildID string    `json:"guild_id"`
	At      time.Time `json:"at"`
}

// Region is one territory.
type Region struct {
	ID               int             `json:"id"`
	Name             string          `json:"name"`
	ControllingGuild string          `json:"controlling_guild,omitempty"`
	ControlStrength  float64         `json:"control_strength"`
	Contested        bool            `json:"contested"`
	ContestedBy      string          `json:"contested_by,omitempty"`
	Population       int             `json:"population"`
	LocalKarma       float64         `json:"local_karma"`
	Resources        Resources       `json:"resources"`
	ActiveEvents     []EventRef      `json:"active_events"`
	ControlHistory   []ControlChange `json:"control_history"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Name returns the roster name for a region id.
func Name(id int) string {
	if id >= 1 && id <= len(roster) {
		return roster[id-1]
	}
	return "Region " + strconv.Itoa(id)
}

// Seed builds the initial record for region id. Resources come from
// simplex noise sampled at the region's position on a ring, so neighbouring
// regions have related stock and the layout is stable for a seed.
func Seed(id, count int, seed int64, now time.Time) *Region {
	oreNoise := opensimplex.NewNormalized(seed)
	timberNoise := opensimplex.NewNormalized(seed + 1)
	manaNoise := opensimplex.NewNormalized(seed + 2)
	holdNoise := opensimplex.NewNormalized(seed + 3)

	angle := 2 * math.Pi * float64(id-1) / float64(max(count, 1))
	x, y := 3*math.Cos(angle), 3*math.Sin(angle)

	return &Region{
		ID:              id,
		Name:            Name(id),
		ControlStrength: math.Round((0.2+0.3*holdNoise.Eval2(x, y))*100) / 100,
		Resources: Resources{
			Ore:    int(100 + 900*oreNoise.Eval2(x, y)),
			Timber: int(100 + 900*timberNoise.Eval2(x, y)),
			Mana:   int(50 + 450*manaNoise.Eval2(x, y)),
		},
		ActiveEvents:   []EventRef{},
		ControlHistory: []ControlChange{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
