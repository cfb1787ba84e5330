// Package handlers implements the HTTP handlers of the MARS turn service.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/marsnext/mars/internal/auth"
	"github.com/marsnext/mars/internal/executor"
	"github.com/marsnext/mars/internal/router"
	"github.com/marsnext/mars/internal/store"
	"github.com/marsnext/mars/internal/synthesis"
	"github.com/marsnext/mars/pkg/contracts"
	pkgmw "github.com/marsnext/mars/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store       store.Store
	Router      *router.ModelRouter
	Executor    *executor.Executor
	Batch       *executor.BatchRunner
	Synthesizer *synthesis.Synthesizer
	Keys        contracts.KeySource
	Sessions    *auth.SessionProvider
	SessionTTL  time.Duration
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, mr *router.ModelRouter, exec *executor.Executor, batch *executor.BatchRunner, synth *synthesis.Synthesizer, keys contracts.KeySource) *Handlers {
	return &Handlers{
		Store:       s,
		Router:      mr,
		Executor:    exec,
		Batch:       batch,
		Synthesizer: synth,
		Keys:        keys,
	}
}

// ── Providers ───────────────────────────────────────────────

type providerStatus struct {
	Provider   string `json:"provider"`
	Configured bool   `json:"configured"`
}

type cooldownStatus struct {
	Provider          string `json:"provider"`
	Model             string `json:"model,omitempty"`
	ExpiresAt         string `json:"expiresAt"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds"`
}

// ListProviders reports the registered drivers, whether each has a key and
// the active rate-limit cooldowns.
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers := []providerStatus{}
	for _, p := range h.Router.ListDrivers() {
		providers = append(providers, providerStatus{
			Provider:   string(p),
			Configured: h.Keys.APIKey(p) != "",
		})
	}

	cooldowns := []cooldownStatus{}
	for _, e := range h.Executor.Classifier().Limits().Entries() {
		cooldowns = append(cooldowns, cooldownStatus{
			Provider:          string(e.Provider),
			Model:             e.Model,
			ExpiresAt:         e.ExpiresAt().UTC().Format("2006-01-02T15:04:05Z"),
			RetryAfterSeconds: int64(h.Executor.Classifier().RetryAfterTime(e.Provider, e.Model).Seconds()),
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"cooldowns": cooldowns,
	})
}

// ── Usage ───────────────────────────────────────────────────

// ListUsage returns the caller's most recent usage records.
func (h *Handlers) ListUsage(w http.ResponseWriter, r *http.Request) {
	userID := pkgmw.UserID(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	filter := store.UsageFilter{UserID: userID, ProjectID: r.URL.Query().Get("projectId")}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}

	records, err := h.Store.ListUsage(r.Context(), filter)
	if err != nil {
		respondInternalError(w, r, err, "list usage")
		return
	}
	if records == nil {
		respondJSON(w, http.StatusOK, []struct{}{})
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// ── Helpers ─────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondInternalError logs err and sends a fixed 500 so store details
// never reach the client.
func respondInternalError(w http.ResponseWriter, r *http.Request, err error, op string) {
	log.Error().Err(err).
		Str("op", op).
		Str("path", r.URL.Path).
		Msg("Request failed")
	respondError(w, http.StatusInternalServerError, "Internal server error")
}

func isNotFound(err error) bool {
	var nf *store.ErrNotFound
	return errors.As(err, &nf)
}
