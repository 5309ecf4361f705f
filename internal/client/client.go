// Package client talks to a running worldsim over its HTTP API.
// Reads are public; Trigger and RecordAction need the admin key.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/talgya/karma-world/internal/engine"
	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/regions"
	"github.com/talgya/karma-world/internal/world"
)

// Snapshot holds everything collected in one observation.
type Snapshot struct {
	World     world.WorldState  `json:"world"`
	Karma     engine.KarmaStats `json:"karma"`
	Active    *events.Event     `json:"active_event"`
	Contested []*regions.Region `json:"contested_regions"`
}

// Client is a worldsim API client.
type Client struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// New creates a Client for baseURL. adminKey may be empty for read-only use.
func New(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Observe fetches world, karma, the active event and contested regions.
func (c *Client) Observe(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	if err := c.getJSON(ctx, "/api/v1/world", &snap.World); err != nil {
		return nil, fmt.Errorf("fetch world: %w", err)
	}
	if err := c.getJSON(ctx, "/api/v1/karma", &snap.Karma); err != nil {
		return nil, fmt.Errorf("fetch karma: %w", err)
	}
	var active struct {
		Event *events.Event `json:"event"`
	}
	if err := c.getJSON(ctx, "/api/v1/events/active", &active); err != nil {
		return nil, fmt.Errorf("fetch active event: %w", err)
	}
	snap.Active = active.Event
	var contested struct {
		Regions []*regions.Region `json:"regions"`
	}
	if err := c.getJSON(ctx, "/api/v1/regions?contested=1", &contested); err != nil {
		return nil, fmt.Errorf("fetch contested regions: %w", err)
	}
	snap.Contested = contested.Regions

	return snap, nil
}

// RecentEvents lists up to limit events, newest first.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]*events.Event, error) {
	var out struct {
		Events []*events.Event `json:"events"`
	}
	if err := c.getJSON(ctx, "/api/v1/events?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Regions lists every region.
func (c *Client) Regions(ctx context.Context) ([]*regions.Region, error) {
	var out struct {
		Regions []*regions.Region `json:"regions"`
	}
	if err := c.getJSON(ctx, "/api/v1/regions", &out); err != nil {
		return nil, err
	}
	return out.Regions, nil
}

// Trigger forces an event. An empty kind lets the server choose; a
// positive regionID makes it regional.
func (c *Client) Trigger(ctx context.Context, kind string, regionID int) (*events.Event, error) {
	req := map[string]any{}
	if kind != "" {
		req["kind"] = kind
	}
	if regionID > 0 {
		req["region_id"] = regionID
	}
	var ev events.Event
	if err := c.postJSON(ctx, "/api/v1/events/trigger", req, http.StatusCreated, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// ActionResult is the response from POST /api/v1/actions.
type ActionResult struct {
	PlayerID string  `json:"player_id"`
	Karma    float64 `json:"karma"`
	Polarity string  `json:"polarity"`
}

// RecordAction logs a player action.
func (c *Client) RecordAction(ctx context.Context, playerID, action string, delta float64) (*ActionResult, error) {
	req := map[string]any{"player_id": playerID, "action": action, "karma_delta": delta}
	var res ActionResult
	if err := c.postJSON(ctx, "/api/v1/actions", req, http.StatusOK, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// StartConflict opens a conflict in which attacker contests a region.
func (c *Client) StartConflict(ctx context.Context, regionID int, attacker string) (int64, error) {
	req := map[string]any{"region_id": regionID, "attacker": attacker}
	var res struct {
		ConflictID int64 `json:"conflict_id"`
	}
	if err := c.postJSON(ctx, "/api/v1/conflicts", req, http.StatusCreated, &res); err != nil {
		return 0, err
	}
	return res.ConflictID, nil
}

// EndConflict closes a conflict. An empty winner leaves the region with its holder.
func (c *Client) EndConflict(ctx context.Context, id int64, winner string) (bool, error) {
	req := map[string]any{}
	if winner != "" {
		req["winner"] = winner
	}
	var res struct {
		Ended bool `json:"ended"`
	}
	if err := c.postJSON(ctx, fmt.Sprintf("/api/v1/conflicts/%d/end", id), req, http.StatusOK, &res); err != nil {
		return false, err
	}
	return res.Ended, nil
}

// WaitReady polls the world endpoint with exponential backoff until it
// answers 200 or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	backoff := 2 * time.Second
	const maxBackoff = 30 * time.Second

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/world", nil)
		if err != nil {
			return err
		}
		resp, err := c.HTTPClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		slog.Info("worldsim not ready, retrying", "backoff", backoff)
		select {
		case <-ctx.Done():
			return fmt.Errorf("worldsim not ready: %w", ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// getJSON GETs a path and decodes the JSON response into target.
func (c *Client) getJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, http.StatusOK, target)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, want int, target any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.AdminKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AdminKey)
	}
	return c.do(req, want, target)
}

// StatusError is a non-success API response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func (c *Client) do(req *http.Request, want int, target any) error {
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		return &StatusError{Method: req.Method, Path: path, Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
