package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/marsnext/mars/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// APIKeyProvider validates per-user API keys from the Authorization: Bearer
// header, the configured API key header, or the api_key query parameter.
//
// Keys are configured as "user:key" pairs; the user part becomes the
// Identity subject.
type APIKeyProvider struct {
	mu     sync.RWMutex
	keys   map[string]string // key -> user id
	header string
}

// NewAPIKeyProvider creates an API key provider from "user:key" pairs.
// Malformed pairs are skipped with a warning.
func NewAPIKeyProvider(pairs []string, header string) *APIKeyProvider {
	if header == "" {
		header = "X-API-Key"
	}
	p := &APIKeyProvider{keys: make(map[string]string), header: header}
	for _, pair := range pairs {
		user, key, ok := strings.Cut(strings.TrimSpace(pair), ":")
		user, key = strings.TrimSpace(user), strings.TrimSpace(key)
		if !ok || user == "" || key == "" {
			log.Warn().Msg("Ignoring malformed API key entry, want user:key")
			continue
		}
		p.keys[key] = user
	}
	return p
}

func (p *APIKeyProvider) Name() string { return "apikey" }

func (p *APIKeyProvider) Enabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.keys) > 0
}

// Authenticate validates the API key and returns an Identity.
// Returns (nil, nil) if no API key is present (let next provider try).
// Returns (nil, error) if an API key is present but invalid.
func (p *APIKeyProvider) Authenticate(_ context.Context, r *http.Request) (*contracts.Identity, error) {
	apiKey := p.extractKey(r)
	if apiKey == "" {
		return nil, nil
	}

	user, ok := p.lookup(apiKey)
	if !ok {
		return nil, fmt.Errorf("invalid API key")
	}

	return &contracts.Identity{
		Subject:     user,
		Provider:    "apikey",
		DisplayName: user,
	}, nil
}

// lookup compares against every key so timing does not reveal a prefix match.
func (p *APIKeyProvider) lookup(candidate string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var user string
	found := false
	for key, u := range p.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			user, found = u, true
		}
	}
	return user, found
}

// AddKey adds a key for user at runtime.
func (p *APIKeyProvider) AddKey(user, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[key] = user
}

// RemoveKey revokes a key at runtime.
func (p *APIKeyProvider) RemoveKey(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, key)
}

func (p *APIKeyProvider) extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get(p.header); key != "" {
		return key
	}
	// EventSource clients cannot set headers.
	if key := r.URL.Query().Get("api_key"); key != "" {
		return key
	}
	return ""
}
