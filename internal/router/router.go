// Package router implements the Model Router.
//
// The router keeps one ProviderDriver per vendor and dispatches chat
// requests to it by provider kind. Drivers talk to vendor HTTP APIs directly
// and report errors as *apierror.ProviderError so they can be classified.
package router

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/marsnext/mars/pkg/contracts"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

// Default vendor endpoints.
const (
	DefaultOpenAIURL    = "https://api.openai.com/v1"
	DefaultXAIURL       = "https://api.x.ai/v1"
	DefaultDeepSeekURL  = "https://api.deepseek.com/v1"
	DefaultAnthropicURL = "https://api.anthropic.com"
	DefaultGoogleURL    = "https://generativelanguage.googleapis.com"
)

// ModelRouter routes chat requests to registered provider drivers.
type ModelRouter struct {
	mu      sync.RWMutex
	drivers map[models.Provider]contracts.ProviderDriver
}

// Option configures a ModelRouter.
type Option func(*routerOptions)

type routerOptions struct {
	client   *http.Client
	baseURLs map[models.Provider]string
}

// WithHTTPClient sets the client used by the built-in drivers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *routerOptions) { o.client = c }
}

// WithBaseURL overrides the endpoint of a built-in driver. Empty values are
// ignored.
func WithBaseURL(p models.Provider, url string) Option {
	return func(o *routerOptions) {
		if url != "" {
			o.baseURLs[p] = url
		}
	}
}

// NewModelRouter creates a router with the built-in drivers registered.
func NewModelRouter(opts ...Option) *ModelRouter {
	o := &routerOptions{
		client: &http.Client{Timeout: 5 * time.Minute},
		baseURLs: map[models.Provider]string{
			models.ProviderOpenAI:    DefaultOpenAIURL,
			models.ProviderXAI:       DefaultXAIURL,
			models.ProviderDeepSeek:  DefaultDeepSeekURL,
			models.ProviderAnthropic: DefaultAnthropicURL,
			models.ProviderGoogle:    DefaultGoogleURL,
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	mr := &ModelRouter{
		drivers: make(map[models.Provider]contracts.ProviderDriver),
	}

	mr.RegisterDriver(NewOpenAICompatDriver(models.ProviderOpenAI, o.baseURLs[models.ProviderOpenAI], o.client))
	mr.RegisterDriver(NewOpenAICompatDriver(models.ProviderXAI, o.baseURLs[models.ProviderXAI], o.client))
	mr.RegisterDriver(NewOpenAICompatDriver(models.ProviderDeepSeek, o.baseURLs[models.ProviderDeepSeek], o.client))
	mr.RegisterDriver(NewAnthropicDriver(o.baseURLs[models.ProviderAnthropic], o.client))
	mr.RegisterDriver(NewGoogleDriver(o.baseURLs[models.ProviderGoogle], o.client))

	return mr
}

// RegisterDriver adds or replaces the driver for its Kind.
func (mr *ModelRouter) RegisterDriver(d contracts.ProviderDriver) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	mr.drivers[d.Kind()] = d
	log.Debug().Str("provider", string(d.Kind())).Msg("Provider driver registered")
}

// GetDriver returns the driver for kind, or nil.
func (mr *ModelRouter) GetDriver(kind models.Provider) contracts.ProviderDriver {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	return mr.drivers[kind]
}

// ListDrivers returns the registered kinds in sorted order.
func (mr *ModelRouter) ListDrivers() []models.Provider {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	kinds := make([]models.Provider, 0, len(mr.drivers))
	for k := range mr.drivers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Call sends a request and waits for the complete answer.
func (mr *ModelRouter) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	d := mr.GetDriver(req.Provider)
	if d == nil {
		return nil, fmt.Errorf("provider %q not supported", req.Provider)
	}

	start := time.Now()
	resp, err := d.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// Stream sends a request and yields deltas as they arrive. Unknown
// providers fail immediately.
func (mr *ModelRouter) Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error] {
	d := mr.GetDriver(req.Provider)
	if d == nil {
		return func(yield func(models.StreamChunk, error) bool) {
			yield(models.StreamChunk{}, fmt.Errorf("provider %q not supported for streaming", req.Provider))
		}
	}
	return d.Stream(ctx, req)
}

// Collect drains a stream into a RouteResponse. Drivers use it to implement
// Call on top of Stream.
func Collect(provider models.Provider, req *models.RouteRequest, seq iter.Seq2[models.StreamChunk, error]) (*models.RouteResponse, error) {
	resp := &models.RouteResponse{Provider: provider, Model: req.Model}
	var text []byte
	for chunk, err := range seq {
		if err != nil {
			return nil, err
		}
		text = append(text, chunk.Content...)
		if chunk.Done {
			if chunk.Model != "" {
				resp.Model = chunk.Model
			}
			resp.FinishReason = chunk.FinishReason
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		}
	}
	resp.Content = string(text)
	if resp.Usage.TotalTokens == 0 {
		resp.Usage = models.ApproxUsage(req.Messages, resp.Content)
	}
	return resp, nil
}
