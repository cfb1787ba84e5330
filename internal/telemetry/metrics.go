package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InstrumentationName scopes every tracer and meter of the service.
const InstrumentationName = "github.com/marsnext/mars"

// Metrics holds the turn-level instruments. A nil *Metrics records nothing.
type Metrics struct {
	attempts metric.Int64Counter
	tokens   metric.Int64Counter
	duration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	attempts, err := meter.Int64Counter("mars.provider.attempts",
		metric.WithDescription("Provider calls made for agent turns and synthesis"))
	if err != nil {
		return nil, err
	}
	tokens, err := meter.Int64Counter("mars.provider.tokens",
		metric.WithDescription("Tokens consumed by provider calls"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("mars.provider.duration",
		metric.WithDescription("Duration of provider calls"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &Metrics{attempts: attempts, tokens: tokens, duration: duration}, nil
}

// DefaultMetrics creates the instruments on the global meter provider. It
// returns nil when the instruments cannot be created.
func DefaultMetrics() *Metrics {
	m, err := NewMetrics(otel.Meter(InstrumentationName))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create metric instruments")
		return nil
	}
	return m
}

// RecordAttempt records one provider call.
func (m *Metrics) RecordAttempt(ctx context.Context, provider, model, status string, totalTokens int64, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.attempts.Add(ctx, 1, attrs)
	if totalTokens > 0 {
		m.tokens.Add(ctx, totalTokens, attrs)
	}
	m.duration.Record(ctx, float64(d.Microseconds())/1000, attrs)
}
