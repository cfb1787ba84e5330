// Package apierror normalizes provider failures into a shared taxonomy and
// tracks short-lived rate-limit cooldowns per provider and model.
package apierror

import (
	"fmt"
	"time"

	"github.com/marsnext/mars/pkg/models"
)

// Kind is the normalized class of a provider failure.
type Kind string

const (
	KindRateLimit        Kind = "RATE_LIMIT"
	KindQuotaExceeded    Kind = "QUOTA_EXCEEDED"
	KindInvalidAPIKey    Kind = "INVALID_API_KEY"
	KindModelUnavailable Kind = "MODEL_UNAVAILABLE"
	KindBadRequest       Kind = "BAD_REQUEST"
	KindTimeout          Kind = "TIMEOUT"
	KindContentFilter    Kind = "CONTENT_FILTER"
	KindUnknown          Kind = "UNKNOWN"
)

// DefaultRetryAfter is used for rate limits when the vendor gives no hint.
const DefaultRetryAfter = 60 * time.Second

// ProviderError is the raw failure reported by a vendor API, either as a
// non-2xx response or as an error event inside a stream.
type ProviderError struct {
	Provider   models.Provider
	Status     int    // HTTP status, 0 for in-stream errors
	Type       string // vendor error type or status string
	Code       string // vendor error code
	Message    string
	RetryAfter time.Duration // from the Retry-After header, 0 if absent
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Error is a classified failure.
type Error struct {
	Kind       Kind
	Message    string // technical message, kept for logs and usage metadata
	Retryable  bool
	RetryAfter time.Duration
	Provider   models.Provider
	Model      string
	Err        error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns the readable sentence for this failure.
func (e *Error) UserMessage() string {
	return UserMessage(e.Kind, e.Provider, e.Model)
}

// MissingKey is the configuration failure reported when no API key is set
// for a provider. It is never retryable.
func MissingKey(provider models.Provider, model string) *Error {
	return &Error{
		Kind:     KindInvalidAPIKey,
		Message:  fmt.Sprintf("no API key configured for provider %q", provider),
		Provider: provider,
		Model:    model,
	}
}
