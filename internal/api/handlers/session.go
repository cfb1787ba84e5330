package handlers

import (
	"net/http"
	"time"

	"github.com/marsnext/mars/internal/auth"
	pkgmw "github.com/marsnext/mars/pkg/middleware"
)

type sessionResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// WithSessions enables CreateSession. Returns h for chaining.
func (h *Handlers) WithSessions(p *auth.SessionProvider, ttl time.Duration) *Handlers {
	h.Sessions = p
	h.SessionTTL = ttl
	return h
}

// CreateSession exchanges an API key for a session token valid for the
// configured TTL. The token is returned in the body and set as a cookie for
// browser clients. Session tokens cannot be used to mint new ones.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	identity := pkgmw.GetIdentity(r.Context())
	if identity == nil || identity.Subject == "" {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	if h.Sessions == nil || !h.Sessions.Enabled() || h.SessionTTL <= 0 {
		respondError(w, http.StatusNotFound, "Session tokens are not enabled")
		return
	}
	if identity.Provider == h.Sessions.Name() {
		respondError(w, http.StatusForbidden, "Session tokens can only be issued for API key credentials")
		return
	}

	expiresAt := time.Now().Add(h.SessionTTL).UTC().Truncate(time.Second)
	token, err := h.Sessions.IssueToken(identity.Subject, identity.Email, h.SessionTTL)
	if err != nil {
		respondInternalError(w, r, err, "issue session")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusCreated, sessionResponse{Token: token, ExpiresAt: expiresAt})
}
