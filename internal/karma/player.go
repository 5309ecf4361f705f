package karma

import "time"

// Polarity labels for logged actions.
const (
	Positive = "positive"
	Negative = "negative"
	Neutral  = "neutral"
)

// PolarityOf classifies a karma delta.
func PolarityOf(delta float64) string {
	switch {
	case delta > 0:
		return Positive
	case delta < 0:
		return Negative
	default:
		return Neutral
	}
}

// Player is the karma-bearing view of a player account.
type Player struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Karma      float64   `json:"karma"`
	Online     bool      `json:"online"`
	RegionID   int       `json:"region_id,omitempty"`
	GuildID    string    `json:"guild_id,omitempty"`
	Alignment  string    `json:"alignment,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Action is one logged player action and the karma it moved.
type Action struct {
	PlayerID   string    `json:"player_id"`
	Action     string    `json:"action"`
	KarmaDelta float64   `json:"karma_delta"`
	RegionID   int       `json:"region_id,omitempty"`
	At         time.Time `json:"at"`
}

// Polarity is the action's classification by karma sign.
func (a Action) Polarity() string { return PolarityOf(a.KarmaDelta) }
