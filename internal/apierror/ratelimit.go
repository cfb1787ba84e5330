package apierror

import (
	"sync"
	"time"

	"github.com/marsnext/mars/pkg/models"
)

// RateLimitEntry is one active cooldown. An empty Model means the whole
// provider is limited.
type RateLimitEntry struct {
	Provider   models.Provider `json:"provider"`
	Model      string          `json:"model,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
	Cooldown   time.Duration   `json:"cooldown"`
}

// ExpiresAt is the end of the cooldown.
func (e RateLimitEntry) ExpiresAt() time.Time {
	return e.RecordedAt.Add(e.Cooldown)
}

func (e RateLimitEntry) remaining(now time.Time) time.Duration {
	return e.ExpiresAt().Sub(now)
}

func (e RateLimitEntry) matches(provider models.Provider, model string) bool {
	if e.Provider != provider {
		return false
	}
	return model == "" || e.Model == "" || e.Model == model
}

// RateLimitCache holds cooldowns in insertion order. It is process-local and
// never persisted.
type RateLimitCache struct {
	mu      sync.Mutex
	entries []RateLimitEntry
	now     func() time.Time
}

// CacheOption configures a RateLimitCache.
type CacheOption func(*RateLimitCache)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) CacheOption {
	return func(c *RateLimitCache) { c.now = now }
}

// NewRateLimitCache creates an empty cache.
func NewRateLimitCache(opts ...CacheOption) *RateLimitCache {
	c := &RateLimitCache{now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Record upserts the cooldown for (provider, model). The entry moves to the
// back of the list and expired entries are evicted from the front.
func (c *RateLimitCache) Record(provider models.Provider, retryAfter time.Duration, model string) {
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for i, e := range c.entries {
		if e.Provider == provider && e.Model == model {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.entries = append(c.entries, RateLimitEntry{
		Provider:   provider,
		Model:      model,
		RecordedAt: now,
		Cooldown:   retryAfter,
	})
	c.pruneFront(now)
}

// IsRateLimited reports whether a matching cooldown is still active. A
// caller without a model matches any entry of the provider.
func (c *RateLimitCache) IsRateLimited(provider models.Provider, model string) bool {
	return c.RetryAfter(provider, model) > 0
}

// RetryAfter returns the longest remaining matching cooldown, or 0.
func (c *RateLimitCache) RetryAfter(provider models.Provider, model string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var longest time.Duration
	for _, e := range c.entries {
		if !e.matches(provider, model) {
			continue
		}
		if r := e.remaining(now); r > longest {
			longest = r
		}
	}
	return longest
}

// Prune drops every expired entry.
func (c *RateLimitCache) Prune() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.remaining(now) > 0 {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

// Entries returns the active cooldowns in insertion order.
func (c *RateLimitCache) Entries() []RateLimitEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]RateLimitEntry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.remaining(now) > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of stored entries, expired ones included.
func (c *RateLimitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RateLimitCache) pruneFront(now time.Time) {
	n := 0
	for n < len(c.entries) && c.entries[n].remaining(now) <= 0 {
		n++
	}
	if n > 0 {
		c.entries = append(c.entries[:0], c.entries[n:]...)
	}
}
