// Package contracts defines the service interfaces of the MARS turn service.
//
// Handlers, the executor and the synthesizer depend on these interfaces so a
// provider driver or a key source can be swapped at wiring time.
package contracts

import (
	"context"
	"iter"

	"github.com/marsnext/mars/internal/store"
	"github.com/marsnext/mars/pkg/models"
)

// Store is a type alias for the internal Store interface.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Provider Driver ─────────────────────────────────────────

// ProviderDriver is one vendor integration. Drivers are registered in the
// Model Router by Kind; adding a vendor is a registration, not a branch.
type ProviderDriver interface {
	// Kind returns the provider identifier (e.g. "openai", "anthropic").
	Kind() models.Provider

	// Call sends a chat completion and waits for the full answer.
	Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error)

	// Stream sends a chat completion and yields content deltas as they
	// arrive. The last successful chunk has Done set. Iteration stops at the
	// first error.
	Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error]
}

// ── Model Router Service ────────────────────────────────────

// ModelRouterService dispatches requests to the registered driver.
type ModelRouterService interface {
	Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error)
	Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error]
	ListDrivers() []models.Provider
}

// ── Key Source ──────────────────────────────────────────────

// KeySource resolves the API key for a provider. An empty string means the
// provider is not configured, which is a normal condition.
type KeySource interface {
	APIKey(provider models.Provider) string
}

// ── Usage Recorder ──────────────────────────────────────────

// UsageRecorder persists usage records.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
}
