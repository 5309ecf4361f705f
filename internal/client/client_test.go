package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/karma-world/internal/events"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/v1/world", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, map[string]any{"collective_karma": 1200, "total_players": 3, "karma_trend": "rising"})
	})
	mux.HandleFunc("GET /api/v1/karma", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, map[string]any{"collective": 1200, "distribution": map[string]int{"0_to_1000": 2}})
	})
	mux.HandleFunc("GET /api/v1/events/active", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, map[string]any{"event": map[string]any{"id": "evt_1", "kind": "golden_age", "status": "active"}})
	})
	mux.HandleFunc("GET /api/v1/regions", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("contested") == "1" {
			write(w, 200, map[string]any{"regions": []map[string]any{{"id": 4, "name": "Duskmere", "contested": true}}})
			return
		}
		write(w, 200, map[string]any{"regions": []map[string]any{{"id": 1}, {"id": 2}}})
	})
	mux.HandleFunc("POST /api/v1/events/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req struct {
			Kind     string `json:"kind"`
			RegionID int    `json:"region_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		write(w, http.StatusCreated, map[string]any{"id": "evt_2", "kind": req.Kind, "is_global": req.RegionID == 0, "status": "active"})
	})
	mux.HandleFunc("POST /api/v1/actions", func(w http.ResponseWriter, r *http.Request) {
		write(w, 200, map[string]any{"player_id": "p1", "karma": 150, "polarity": "positive"})
	})
	mux.HandleFunc("POST /api/v1/conflicts", func(w http.ResponseWriter, r *http.Request) {
		write(w, http.StatusCreated, map[string]any{"conflict_id": 7, "region_id": 4})
	})
	mux.HandleFunc("POST /api/v1/conflicts/{id}/end", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		write(w, 200, map[string]any{"ended": r.PathValue("id") == "7" && req["winner"] == "ash-court"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestObserve(t *testing.T) {
	srv := fakeAPI(t)
	c := New(srv.URL, "")

	snap, err := c.Observe(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 1200, snap.World.CollectiveKarma, 1e-9)
	assert.Equal(t, 3, snap.World.TotalPlayers)
	assert.Equal(t, 2, snap.Karma.Distribution["0_to_1000"])
	require.NotNil(t, snap.Active)
	assert.Equal(t, events.KindGoldenAge, snap.Active.Kind)
	assert.Equal(t, events.StatusActive, snap.Active.Status)
	require.Len(t, snap.Contested, 1)
	assert.Equal(t, "Duskmere", snap.Contested[0].Name)

	all, err := c.Regions(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTriggerSendsAdminKey(t *testing.T) {
	srv := fakeAPI(t)

	_, err := New(srv.URL, "").Trigger(context.Background(), "blood_moon", 0)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)

	ev, err := New(srv.URL, "k").Trigger(context.Background(), "blood_moon", 3)
	require.NoError(t, err)
	assert.Equal(t, events.KindBloodMoon, ev.Kind)
	assert.False(t, ev.IsGlobal)
}

func TestRecordAction(t *testing.T) {
	srv := fakeAPI(t)
	res, err := New(srv.URL, "k").RecordAction(context.Background(), "p1", "heal", 50)
	require.NoError(t, err)
	assert.InDelta(t, 150, res.Karma, 1e-9)
	assert.Equal(t, "positive", res.Polarity)
}

func TestConflicts(t *testing.T) {
	c := New(fakeAPI(t).URL, "k")
	id, err := c.StartConflict(context.Background(), 4, "ash-court")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	ended, err := c.EndConflict(context.Background(), id, "ash-court")
	require.NoError(t, err)
	assert.True(t, ended)
}

func TestWaitReady(t *testing.T) {
	srv := fakeAPI(t)
	require.NoError(t, New(srv.URL, "").WaitReady(context.Background()))

	down := httptest.NewServer(http.NotFoundHandler())
	defer down.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, New(down.URL, "").WaitReady(ctx), context.DeadlineExceeded)
}
