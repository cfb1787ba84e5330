// Package auth provides the authentication provider chain for the MARS
// turn service.
//
// Providers:
//   - APIKeyProvider: per-user API keys from configuration
//   - SessionProvider: HMAC-signed session tokens
package auth

import (
	"context"
	"net/http"
	"sync"

	"github.com/marsnext/mars/internal/config"
	"github.com/marsnext/mars/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// ProviderChain implements contracts.AuthProviderChain.
// It walks registered providers in order until one returns an Identity.
type ProviderChain struct {
	mu        sync.RWMutex
	providers []contracts.AuthProvider
}

var _ contracts.AuthProviderChain = (*ProviderChain)(nil)

// NewProviderChain creates an empty auth provider chain.
func NewProviderChain() *ProviderChain {
	return &ProviderChain{
		providers: make([]contracts.AuthProvider, 0),
	}
}

// NewChainFromConfig registers the session and API key providers.
// Session tokens are tried first. A nil sessions is built from cfg.
func NewChainFromConfig(cfg config.AuthConfig, sessions *SessionProvider) *ProviderChain {
	if sessions == nil {
		sessions = NewSessionProvider(cfg.SessionSecret)
	}
	c := NewProviderChain()
	c.RegisterProvider(sessions)
	c.RegisterProvider(NewAPIKeyProvider(cfg.APIKeys, cfg.APIKeyHeader))
	return c
}

// RegisterProvider adds a provider to the end of the chain.
func (c *ProviderChain) RegisterProvider(provider contracts.AuthProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers = append(c.providers, provider)
	log.Info().
		Str("provider", provider.Name()).
		Bool("enabled", provider.Enabled()).
		Msg("🔑 Auth provider registered")
}

// Authenticate walks the chain of providers in order.
//
// Contract:
//   - (*Identity, nil) → authenticated, stop walking
//   - (nil, nil) → no provider handled the request, anonymous
//   - (nil, error) → credentials presented but rejected
func (c *ProviderChain) Authenticate(ctx context.Context, r *http.Request) (*contracts.Identity, error) {
	c.mu.RLock()
	providers := make([]contracts.AuthProvider, len(c.providers))
	copy(providers, c.providers)
	c.mu.RUnlock()

	for _, p := range providers {
		if !p.Enabled() {
			continue
		}
		identity, err := p.Authenticate(ctx, r)
		if err != nil {
			log.Debug().
				Str("provider", p.Name()).
				Err(err).
				Msg("Auth provider rejected request")
			return nil, err
		}
		if identity != nil {
			log.Debug().
				Str("provider", p.Name()).
				Str("subject", identity.Subject).
				Msg("Request authenticated")
			return identity, nil
		}
	}

	return nil, nil
}

// ListProviders returns the names of all registered providers.
func (c *ProviderChain) ListProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return names
}
