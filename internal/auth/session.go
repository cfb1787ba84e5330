package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/marsnext/mars/pkg/contracts"
)

const (
	// SessionHeader carries a session token on API requests.
	SessionHeader = "X-Session-Token"
	// SessionCookie carries a session token from browser clients.
	SessionCookie = "mars_session"
)

var (
	errMalformedToken = errors.New("malformed token: expected payload.signature")
	errBadSignature   = errors.New("signature mismatch")
	errTokenExpired   = errors.New("token expired")
)

// SessionProvider validates HMAC-signed session tokens issued to signed-in
// users.
//
// Token format: base64url(JSON payload) + "." + base64url(HMAC-SHA256)
// Payload: {"sub": "user-123", "email": "a@example.com", "exp": 1234567890}
type SessionProvider struct {
	secret []byte
}

type sessionPayload struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Exp     int64  `json:"exp"`
}

// NewSessionProvider creates a session provider. An empty secret disables it.
func NewSessionProvider(secret string) *SessionProvider {
	return &SessionProvider{secret: []byte(secret)}
}

func (p *SessionProvider) Name() string  { return "session" }
func (p *SessionProvider) Enabled() bool { return len(p.secret) > 0 }

// Authenticate validates the token from the session header or cookie.
// Returns (nil, nil) if no token is present.
func (p *SessionProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	token := r.Header.Get(SessionHeader)
	if token == "" {
		if c, err := r.Cookie(SessionCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return nil, nil
	}

	payload, err := p.validate(token, time.Now())
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}

	name := payload.Name
	if name == "" {
		name = payload.Email
	}
	return &contracts.Identity{
		Subject:     payload.Subject,
		Email:       payload.Email,
		DisplayName: name,
		Provider:    "session",
		ExpiresAt:   time.Unix(payload.Exp, 0),
	}, nil
}

func (p *SessionProvider) validate(token string, now time.Time) (*sessionPayload, error) {
	i := strings.LastIndexByte(token, '.')
	if i <= 0 || i == len(token)-1 {
		return nil, errMalformedToken
	}
	payloadB64, sigB64 := token[:i], token[i+1:]

	sig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(sig, p.sign(payloadB64)) {
		return nil, errBadSignature
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, fmt.Errorf("invalid payload encoding: %w", err)
	}
	var payload sessionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("invalid payload JSON: %w", err)
	}
	if payload.Exp > 0 && now.Unix() > payload.Exp {
		return nil, errTokenExpired
	}
	if payload.Subject == "" {
		return nil, errors.New("missing subject")
	}
	return &payload, nil
}

func (p *SessionProvider) sign(payloadB64 string) []byte {
	mac := hmac.New(sha256.New, p.secret)
	mac.Write([]byte(payloadB64))
	return mac.Sum(nil)
}

// IssueToken creates a signed session token for subject valid for ttl.
func (p *SessionProvider) IssueToken(subject, email string, ttl time.Duration) (string, error) {
	if !p.Enabled() {
		return "", errors.New("session tokens are disabled")
	}
	raw, err := json.Marshal(sessionPayload{
		Subject: subject,
		Email:   email,
		Exp:     time.Now().Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(raw)
	return payloadB64 + "." + base64.RawURLEncoding.EncodeToString(p.sign(payloadB64)), nil
}
