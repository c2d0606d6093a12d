package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gpgkd906/auth9-sub008/internal/oauthstate"
)

const maxStateTTL = 30 * time.Minute

// StoreOAuthState persists a login-flow state value for later single-use
// consumption.
func (a *API) StoreOAuthState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State       string `json:"state"`
		Nonce       string `json:"nonce"`
		RedirectURI string `json:"redirect_uri"`
		TTLSeconds  int    `json:"ttl_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil || req.State == "" {
		respondError(w, http.StatusBadRequest, "state is required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 || ttl > maxStateTTL {
		ttl = 10 * time.Minute
	}
	err := a.states.Store(r.Context(), oauthstate.Entry{
		State:       req.State,
		Nonce:       req.Nonce,
		RedirectURI: req.RedirectURI,
	}, ttl)
	if err != nil {
		if errors.Is(err, oauthstate.ErrUnavailable) {
			respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"stored": true})
}

// ConsumeOAuthState claims a state value exactly once. Replays and
// unknown values are both rejected, with distinct reasons.
func (a *API) ConsumeOAuthState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil || req.State == "" {
		respondError(w, http.StatusBadRequest, "state is required")
		return
	}
	entry, err := a.states.Consume(r.Context(), req.State)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"state":        entry.State,
			"nonce":        entry.Nonce,
			"redirect_uri": entry.RedirectURI,
		})
	case errors.Is(err, oauthstate.ErrAlreadyConsumed):
		respondError(w, http.StatusConflict, "state already consumed")
	case errors.Is(err, oauthstate.ErrExpired):
		respondError(w, http.StatusGone, "state expired")
	case errors.Is(err, oauthstate.ErrNotFound):
		respondError(w, http.StatusNotFound, "state not found")
	case errors.Is(err, oauthstate.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
