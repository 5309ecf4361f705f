// Package api provides the HTTP API over world state, events and regions.
// GET endpoints are public (read-only observation).
// Admin POST endpoints require a bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/karma-world/internal/engine"
	"github.com/talgya/karma-world/internal/events"
	"github.com/talgya/karma-world/internal/karma"
	"github.com/talgya/karma-world/internal/persistence"
	"github.com/talgya/karma-world/internal/regions"
)

// Server serves the world over HTTP.
type Server struct {
	Svc      *engine.Service
	Port     int
	AdminKey string // Bearer token for admin endpoints. Empty = admin disabled.

	// TriggerLimit caps manual triggers per client per hour. Zero uses 10.
	TriggerLimit int

	ShutdownTimeout time.Duration // zero uses 5s
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	limit := s.TriggerLimit
	if limit <= 0 {
		limit = 10
	}
	triggerLimiter := NewRateLimiter(limit, time.Hour)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/world", s.handleWorld)
	mux.HandleFunc("GET /api/v1/karma", s.handleKarma)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/events/active", s.handleActiveEvent)
	mux.HandleFunc("GET /api/v1/events/{id}", s.handleEventDetail)
	mux.HandleFunc("GET /api/v1/regions", s.handleRegions)
	mux.HandleFunc("GET /api/v1/regions/{id}", s.handleRegionDetail)
	mux.HandleFunc("GET /api/v1/players/{id}/effects", s.handlePlayerEffects)
	mux.HandleFunc("POST /api/v1/events/{id}/participate", s.handleParticipate)

	mux.HandleFunc("POST /api/v1/events/trigger", s.adminOnly(triggerLimiter.Limit(s.handleTrigger)))
	mux.HandleFunc("POST /api/v1/actions", s.adminOnly(s.handleAction))
	mux.HandleFunc("POST /api/v1/conflicts", s.adminOnly(s.handleStartConflict))
	mux.HandleFunc("POST /api/v1/conflicts/{id}/end", s.adminOnly(s.handleEndConflict))

	return corsMiddleware(mux)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("HTTP API stopped")
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// CORS_ORIGINS is a comma-separated allow list; localhost dev servers are
// always allowed.
func corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	if env := os.Getenv("CORS_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				allowedOrigins[origin] = true
			}
		}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly requires the admin bearer token.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no WORLDSIM_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Svc.WorldState(r.Context()))
}

func (s *Server) handleKarma(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Svc.GetKarmaStats(r.Context())
	if err != nil {
		internalError(w, "karma stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	evs, err := s.Svc.GetRecentEvents(r.Context(), limit)
	if err != nil {
		internalError(w, "recent events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "count": len(evs)})
}

func (s *Server) handleActiveEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.Svc.GetActiveGlobalEvent(r.Context())
	if err != nil {
		internalError(w, "active event", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev})
}

func (s *Server) handleEventDetail(w http.ResponseWriter, r *http.Request) {
	ev, err := s.Svc.GetEventByID(r.Context(), r.PathValue("id"))
	if err != nil {
		internalError(w, "event detail", err)
		return
	}
	if ev == nil {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRegions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []*regions.Region
		err  error
	)
	switch {
	case q.Get("guild") != "":
		list, err = s.Svc.ListControlledBy(r.Context(), q.Get("guild"))
	case q.Get("contested") == "1" || q.Get("contested") == "true":
		list, err = s.Svc.ListContested(r.Context())
	default:
		list, err = s.Svc.ListRegions(r.Context())
	}
	if err != nil {
		internalError(w, "list regions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": list, "count": len(list)})
}

func (s *Server) handleRegionDetail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid region id", http.StatusBadRequest)
		return
	}
	region, err := s.Svc.GetRegion(r.Context(), id)
	if errors.Is(err, regions.ErrNotFound) {
		http.Error(w, "region not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "region detail", err)
		return
	}
	writeJSON(w, http.StatusOK, region)
}

func (s *Server) handlePlayerEffects(w http.ResponseWriter, r *http.Request) {
	playerID := r.PathValue("id")
	effs, err := s.Svc.PlayerEffects(r.Context(), playerID)
	if err != nil {
		internalError(w, "player effects", err)
		return
	}
	multipliers := make(map[events.EffectType]float64)
	for _, e := range effs {
		if _, done := multipliers[e.Type]; done {
			continue
		}
		m, err := s.Svc.PlayerMultiplier(r.Context(), playerID, e.Type)
		if err != nil {
			internalError(w, "player multiplier", err)
			return
		}
		multipliers[e.Type] = m
	}
	writeJSON(w, http.StatusOK, map[string]any{"effects": effs, "multipliers": multipliers})
}

func (s *Server) handleParticipate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID string `json:"player_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlayerID == "" {
		http.Error(w, "player_id required", http.StatusBadRequest)
		return
	}
	ok, err := s.Svc.RecordParticipation(r.Context(), r.PathValue("id"), req.PlayerID)
	if errors.Is(err, engine.ErrEventNotFound) {
		http.Error(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "participation", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"recorded": ok})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind     string `json:"kind"`
		RegionID int    `json:"region_id"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	var (
		ev  *events.Event
		err error
	)
	if req.RegionID > 0 {
		ev, err = s.Svc.TriggerRegionalEvent(r.Context(), req.RegionID, req.Kind)
	} else {
		ev, err = s.Svc.TriggerEvent(r.Context(), req.Kind)
	}
	switch {
	case errors.Is(err, events.ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, regions.ErrNotFound):
		http.Error(w, "region not found", http.StatusNotFound)
		return
	case err != nil:
		internalError(w, "trigger event", err)
		return
	}

	slog.Info("admin trigger", "event_id", ev.ID, "kind", ev.Kind, "region", req.RegionID)
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var a karma.Action
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil || a.PlayerID == "" {
		http.Error(w, "player_id and karma_delta required", http.StatusBadRequest)
		return
	}
	updated, err := s.Svc.RecordAction(r.Context(), a)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "player not found", http.StatusNotFound)
		return
	}
	if err != nil {
		internalError(w, "record action", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"player_id": a.PlayerID, "karma": updated, "polarity": a.Polarity()})
}

func (s *Server) handleStartConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RegionID int    `json:"region_id"`
		Attacker string `json:"attacker"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RegionID <= 0 {
		http.Error(w, "region_id and attacker required", http.StatusBadRequest)
		return
	}
	id, err := s.Svc.StartConflict(r.Context(), req.RegionID, req.Attacker)
	switch {
	case errors.Is(err, regions.ErrNotFound):
		http.Error(w, "region not found", http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrInvalidConflict):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		internalError(w, "start conflict", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conflict_id": id, "region_id": req.RegionID})
}

func (s *Server) handleEndConflict(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid conflict id", http.StatusBadRequest)
		return
	}
	var req struct {
		Winner string `json:"winner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	ended, err := s.Svc.EndConflict(r.Context(), id, req.Winner)
	switch {
	case errors.Is(err, engine.ErrConflictNotFound):
		http.Error(w, "conflict not found", http.StatusNotFound)
		return
	case err != nil:
		internalError(w, "end conflict", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ended": ended})
}

func internalError(w http.ResponseWriter, op string, err error) {
	slog.Error("api request failed", "op", op, "error", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
