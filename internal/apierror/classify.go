package apierror

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/marsnext/mars/pkg/models"
)

// classifyFunc maps a vendor error onto a Kind.
type classifyFunc func(pe *ProviderError) Kind

// Classifier turns raw errors into classified ones. It owns the rate-limit
// cache consulted before and after every provider call.
type Classifier struct {
	limits     *RateLimitCache
	retryAfter time.Duration
	vendors    map[models.Provider]classifyFunc
}

// NewClassifier returns a Classifier backed by limits. A nil cache gets a
// fresh one with the wall clock.
func NewClassifier(limits *RateLimitCache) *Classifier {
	if limits == nil {
		limits = NewRateLimitCache()
	}
	return &Classifier{
		limits:     limits,
		retryAfter: DefaultRetryAfter,
		vendors: map[models.Provider]classifyFunc{
			models.ProviderOpenAI:    classifyOpenAICompat,
			models.ProviderXAI:       classifyOpenAICompat,
			models.ProviderDeepSeek:  classifyOpenAICompat,
			models.ProviderAnthropic: classifyAnthropic,
			models.ProviderGoogle:    classifyGoogle,
		},
	}
}

// Limits returns the rate-limit cache.
func (c *Classifier) Limits() *RateLimitCache { return c.limits }

// IsRateLimited reports whether an active cooldown matches provider/model.
func (c *Classifier) IsRateLimited(provider models.Provider, model string) bool {
	return c.limits.IsRateLimited(provider, model)
}

// RecordRateLimit starts a cooldown for provider/model.
func (c *Classifier) RecordRateLimit(provider models.Provider, retryAfter time.Duration, model string) {
	c.limits.Record(provider, retryAfter, model)
}

// RetryAfterTime returns the remaining cooldown for provider/model.
func (c *Classifier) RetryAfterTime(provider models.Provider, model string) time.Duration {
	return c.limits.RetryAfter(provider, model)
}

// Classify normalizes err. Errors that are already classified are returned
// unchanged.
func (c *Classifier) Classify(err error, provider models.Provider, model string) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	out := &Error{
		Kind:     KindUnknown,
		Message:  err.Error(),
		Provider: provider,
		Model:    model,
		Err:      err,
	}

	var pe *ProviderError
	switch {
	case errors.As(err, &pe):
		if fn, ok := c.vendors[provider]; ok {
			out.Kind = fn(pe)
		} else {
			out.Kind = classifyByStatus(pe.Status)
		}
		if out.Kind == KindUnknown {
			out.Kind = classifyMessage(pe.Message)
		}
		out.RetryAfter = pe.RetryAfter
	case isTimeout(err):
		out.Kind = KindTimeout
	default:
		out.Kind = classifyMessage(err.Error())
	}

	if out.Kind == KindRateLimit {
		out.Retryable = true
		if out.RetryAfter <= 0 {
			out.RetryAfter = c.retryAfter
		}
	} else {
		out.RetryAfter = 0
	}
	return out
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ── Vendor heuristics ───────────────────────────────────────

// classifyOpenAICompat covers OpenAI, xAI and DeepSeek, which share the
// OpenAI error envelope {"error": {"message", "type", "code"}}.
func classifyOpenAICompat(pe *ProviderError) Kind {
	code := strings.ToLower(pe.Code)
	typ := strings.ToLower(pe.Type)
	msg := strings.ToLower(pe.Message)

	switch {
	case code == "insufficient_quota" || typ == "insufficient_quota" || strings.Contains(msg, "exceeded your current quota"):
		return KindQuotaExceeded
	case code == "content_filter" || code == "content_policy_violation" || strings.Contains(msg, "content management policy"):
		return KindContentFilter
	case code == "invalid_api_key" || strings.Contains(msg, "incorrect api key"):
		return KindInvalidAPIKey
	case code == "model_not_found" || strings.Contains(msg, "does not exist"):
		return KindModelUnavailable
	case code == "rate_limit_exceeded" || typ == "rate_limit_error":
		return KindRateLimit
	}

	switch pe.Status {
	case 402:
		return KindQuotaExceeded
	}
	return classifyByStatus(pe.Status)
}

// classifyAnthropic relies on the "type" of {"type":"error","error":{...}}.
func classifyAnthropic(pe *ProviderError) Kind {
	msg := strings.ToLower(pe.Message)

	switch pe.Type {
	case "rate_limit_error":
		return KindRateLimit
	case "authentication_error", "permission_error":
		return KindInvalidAPIKey
	case "not_found_error":
		return KindModelUnavailable
	case "overloaded_error", "api_error":
		return KindModelUnavailable
	case "request_too_large":
		return KindBadRequest
	case "invalid_request_error":
		if strings.Contains(msg, "credit balance") {
			return KindQuotaExceeded
		}
		return KindBadRequest
	}

	if pe.Status == 529 {
		return KindModelUnavailable
	}
	return classifyByStatus(pe.Status)
}

// classifyGoogle relies on the gRPC-style status string of
// {"error":{"code","message","status"}} and on block reasons.
func classifyGoogle(pe *ProviderError) Kind {
	msg := strings.ToLower(pe.Message)

	switch {
	case pe.Code == "API_KEY_INVALID" || strings.Contains(msg, "api key not valid"):
		return KindInvalidAPIKey
	case pe.Code == "SAFETY" || pe.Code == "PROHIBITED_CONTENT" || pe.Code == "BLOCKLIST":
		return KindContentFilter
	}

	switch pe.Type {
	case "RESOURCE_EXHAUSTED":
		if strings.Contains(msg, "billing") {
			return KindQuotaExceeded
		}
		return KindRateLimit
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		return KindInvalidAPIKey
	case "NOT_FOUND":
		return KindModelUnavailable
	case "INVALID_ARGUMENT", "FAILED_PRECONDITION", "OUT_OF_RANGE":
		return KindBadRequest
	case "DEADLINE_EXCEEDED":
		return KindTimeout
	case "UNAVAILABLE", "INTERNAL":
		return KindModelUnavailable
	}
	return classifyByStatus(pe.Status)
}

func classifyByStatus(status int) Kind {
	switch {
	case status == 429:
		return KindRateLimit
	case status == 401 || status == 403:
		return KindInvalidAPIKey
	case status == 404:
		return KindModelUnavailable
	case status == 408 || status == 504:
		return KindTimeout
	case status == 400 || status == 413 || status == 422:
		return KindBadRequest
	case status >= 500:
		return KindModelUnavailable
	}
	return KindUnknown
}

func classifyMessage(msg string) Kind {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests"):
		return KindRateLimit
	case strings.Contains(m, "quota"):
		return KindQuotaExceeded
	case strings.Contains(m, "timeout") || strings.Contains(m, "timed out"):
		return KindTimeout
	}
	return KindUnknown
}

// Describe renders a classified error for logs.
func Describe(e *Error) string {
	return fmt.Sprintf("%s (%s/%s): %s", e.Kind, e.Provider, e.Model, e.Message)
}
