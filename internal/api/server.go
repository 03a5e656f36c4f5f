package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"reliable-ops/internal/config"
	"reliable-ops/internal/ratelimit"
	"reliable-ops/internal/recovery"
	"reliable-ops/internal/store"
	"reliable-ops/internal/telemetry"
)

// Server wires the admin HTTP surface: transaction lookup, dead-letter
// listing, and manual interventions on stuck money movements.
type Server struct {
	cfg      config.Config
	store    *store.Store
	recovery *recovery.Service
	limiter  *ratelimit.TokenBucket
}

// New constructs the admin API server.
func New(cfg config.Config, st *store.Store, svc *recovery.Service, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		recovery: svc,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/transactions/{id}", s.handleGetTransaction)
	r.Get("/transactions/{id}/interventions", s.handleListInterventions)
	r.Post("/transactions/{id}/complete", s.handleManualComplete)
	r.Post("/transactions/{id}/cancel", s.handleManualCancel)
	r.Get("/deadletters", s.handleListDeadLetters)
	r.Post("/deadletters/{id}/resolve", s.handleResolveDeadLetter)
	return r
}

type interventionRequest struct {
	AdminUserID string         `json:"admin_user_id"`
	Reason      string         `json:"reason"`
	Data        map[string]any `json:"data,omitempty"`
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	dec, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
	if err != nil {
		http.Error(w, "rate limit error", http.StatusInternalServerError)
		return false
	}
	if !dec.Allowed {
		telemetry.RateLimitRejects.Inc()
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return false
	}
	return true
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tx, err := s.recovery.Get(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ivs, err := s.store.ListInterventions(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to list interventions", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": ivs})
}

func (s *Server) handleManualComplete(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	req, ok := decodeIntervention(w, r)
	if !ok {
		return
	}
	if err := s.recovery.ManuallyComplete(r.Context(), id, req.AdminUserID, req.Reason, req.Data); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func (s *Server) handleManualCancel(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	req, ok := decodeIntervention(w, r)
	if !ok {
		return
	}
	if err := s.recovery.ManuallyCancel(r.Context(), id, req.AdminUserID, req.Reason); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	unresolvedOnly := r.URL.Query().Get("all") == ""
	dls, err := s.store.ListDeadLetters(r.Context(), unresolvedOnly, 100)
	if err != nil {
		http.Error(w, "failed to list dead letters", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls})
}

func (s *Server) handleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.ResolveDeadLetter(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func decodeIntervention(w http.ResponseWriter, r *http.Request) (interventionRequest, bool) {
	var req interventionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return req, false
	}
	if req.AdminUserID == "" {
		http.Error(w, "admin_user_id is required", http.StatusBadRequest)
		return req, false
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
