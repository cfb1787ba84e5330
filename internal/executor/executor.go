// Package executor runs agent turns against the Model Router.
//
// A turn is one agent answering one query:
//
//	resolve API key → assemble prompt → call provider →
//	stream deltas (or collect the answer) → terminal metadata.
//
// Stream serves the interactive SSE path. Execute serves the multi-agent
// batch path and never fails: every outcome becomes an AgentResponse.
// Both share one retry/fallback policy; on the streaming path it only
// applies until the first delta has been forwarded.
package executor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/internal/prompt"
	"github.com/marsnext/mars/internal/telemetry"
	"github.com/marsnext/mars/pkg/contracts"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxRetries is how often a retryable failure is retried on the same
// model before the fallback is tried.
const DefaultMaxRetries = 2

// ReasonRateLimited tags a fallback taken because the primary model was
// cooling down.
const ReasonRateLimited = "Rate limit exceeded"

// errConsumerStopped marks an attempt whose consumer stopped reading before
// the provider finished.
var errConsumerStopped = errors.New("stream consumer stopped before the turn completed")

var tracer = otel.Tracer(telemetry.InstrumentationName + "/executor")

// Turn is the input of a single agent turn.
type Turn struct {
	UserID    string
	ProjectID string
	Agent     *models.AgentConfig
	Query     string
	Contexts  []models.ContextDocument
	History   []models.ChatMessage
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Executor runs agent turns.
type Executor struct {
	router     contracts.ModelRouterService
	classifier *apierror.Classifier
	keys       contracts.KeySource
	usage      *AsyncRecorder
	assembler  *prompt.Assembler
	metrics    *telemetry.Metrics
	maxRetries int
	sleep      Sleeper
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxRetries overrides DefaultMaxRetries. Negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// WithSleeper replaces the wait between retries.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) { e.sleep = s }
}

// WithContextBudget sets the character budget for rendered contexts.
func WithContextBudget(budget int) Option {
	return func(e *Executor) { e.assembler = prompt.New(budget) }
}

// WithMetrics sets the instruments updated after every provider call.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New creates an Executor. usage may be nil.
func New(r contracts.ModelRouterService, classifier *apierror.Classifier, keys contracts.KeySource, usage contracts.UsageRecorder, opts ...Option) *Executor {
	if classifier == nil {
		classifier = apierror.NewClassifier(nil)
	}
	rec, ok := usage.(*AsyncRecorder)
	if !ok {
		rec = NewAsyncRecorder(usage)
	}
	e := &Executor{
		router:     r,
		classifier: classifier,
		keys:       keys,
		usage:      rec,
		assembler:  prompt.New(prompt.DefaultContextBudget),
		maxRetries: DefaultMaxRetries,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recorder returns the usage recorder shared with other components.
func (e *Executor) Recorder() *AsyncRecorder { return e.usage }

// Classifier returns the classifier and its rate-limit cache.
func (e *Executor) Classifier() *apierror.Classifier { return e.classifier }

// Wait blocks until pending usage writes have finished.
func (e *Executor) Wait() { e.usage.Wait() }

// ── Streaming Path ──────────────────────────────────────────

// Stream runs the turn and yields content chunks as they arrive, followed by
// exactly one metadata chunk. A failure yields an error chunk before the
// metadata chunk. Nothing more is yielded once the consumer stops or ctx is
// cancelled.
func (e *Executor) Stream(ctx context.Context, turn *Turn) iter.Seq[models.AgentResponseChunk] {
	return func(yield func(models.AgentResponseChunk) bool) {
		agentID := agentIDOf(turn)

		ctx, span := e.startSpan(ctx, "executor.Stream", turn)
		defer span.End()

		if turn.Agent == nil {
			e.streamFailure(yield, agentID, "", nil, unknownError("turn has no agent"))
			return
		}

		messages := e.assembler.Assemble(turn.Agent, turn.Query, turn.Contexts, turn.History)
		res := e.run(ctx, turn, messages, func(ctx context.Context, req *models.RouteRequest) (outcome, error) {
			var out outcome
			var text strings.Builder
			for chunk, err := range e.router.Stream(ctx, req) {
				if err != nil {
					out.content = text.String()
					return out, err
				}
				if chunk.Content != "" {
					out.committed = true
					text.WriteString(chunk.Content)
					if !yield(models.ContentChunk(agentID, chunk.Content)) {
						out.stopped = true
						break
					}
				}
				if chunk.Done {
					out.model = chunk.Model
					out.finish = chunk.FinishReason
					out.usage = chunk.Usage
				}
			}
			out.content = text.String()
			if out.stopped {
				return out, nil
			}
			return out, ctx.Err()
		})

		if res.stopped {
			log.Debug().Str("agent_id", agentID).Msg("Stream consumer went away")
			return
		}
		if ctx.Err() != nil {
			return
		}

		if res.err != nil {
			span.SetStatus(codes.Error, string(res.err.Kind))
			e.streamFailure(yield, agentID, res.target.Model, res.fallback, res.err)
			return
		}

		yield(models.MetadataChunk(agentID, models.ChunkMetadata{
			Usage:        res.usage,
			Model:        res.model,
			FinishReason: res.finish,
			FallbackUsed: res.fallback,
		}))
	}
}

func (e *Executor) streamFailure(yield func(models.AgentResponseChunk) bool, agentID, model string, fb *models.FallbackInfo, ae *apierror.Error) {
	msg := ae.UserMessage()
	if !yield(models.ErrorChunk(agentID, msg)) {
		return
	}
	yield(models.MetadataChunk(agentID, models.ChunkMetadata{
		Usage:        nil,
		Model:        model,
		FinishReason: models.FinishReasonError,
		Error:        &msg,
		FallbackUsed: fb,
	}))
}

// ── Batch Path ──────────────────────────────────────────────

// Execute runs the turn to completion. It always returns a response; on
// failure Response holds the readable message and Error the technical one.
func (e *Executor) Execute(ctx context.Context, turn *Turn) *models.AgentResponse {
	start := time.Now()
	ctx, span := e.startSpan(ctx, "executor.Execute", turn)
	defer span.End()

	if turn.Agent == nil {
		return failedResponse(turn, "", "", unknownError("turn has no agent"), nil, start)
	}
	agent := turn.Agent

	messages := e.assembler.Assemble(agent, turn.Query, turn.Contexts, turn.History)
	res := e.run(ctx, turn, messages, func(ctx context.Context, req *models.RouteRequest) (outcome, error) {
		resp, err := e.router.Call(ctx, req)
		if err != nil {
			return outcome{}, err
		}
		usage := resp.Usage
		return outcome{content: resp.Content, model: resp.Model, finish: resp.FinishReason, usage: &usage}, nil
	})

	if res.err != nil {
		span.SetStatus(codes.Error, string(res.err.Kind))
		return failedResponse(turn, res.target.Provider, res.target.Model, res.err, res.fallback, start)
	}

	return &models.AgentResponse{
		AgentID:      agent.ID,
		AgentName:    agent.DisplayName(),
		Provider:     res.target.Provider,
		Model:        res.model,
		Response:     res.content,
		Usage:        res.usage,
		DurationMs:   time.Since(start).Milliseconds(),
		FallbackUsed: res.fallback,
	}
}

func failedResponse(turn *Turn, provider models.Provider, model string, ae *apierror.Error, fb *models.FallbackInfo, start time.Time) *models.AgentResponse {
	resp := &models.AgentResponse{
		AgentID:      agentIDOf(turn),
		Provider:     provider,
		Model:        model,
		Response:     ae.UserMessage(),
		DurationMs:   time.Since(start).Milliseconds(),
		Error:        ae.Message,
		ErrorKind:    string(ae.Kind),
		FallbackUsed: fb,
	}
	if turn.Agent != nil {
		resp.AgentName = turn.Agent.DisplayName()
	}
	return resp
}

// ── Retry / Fallback Policy ─────────────────────────────────

// outcome is what one provider attempt produced.
type outcome struct {
	content   string
	model     string
	finish    string
	usage     *models.TokenUsage
	committed bool // output already reached the consumer
	stopped   bool // the consumer stopped iterating
}

type attemptFunc func(ctx context.Context, req *models.RouteRequest) (outcome, error)

type result struct {
	outcome
	target   apierror.Target
	fallback *models.FallbackInfo
	err      *apierror.Error
}

// run applies the retry/fallback policy around attempt. Attempts are
// strictly sequential.
func (e *Executor) run(ctx context.Context, turn *Turn, messages []models.ChatMessage, attempt attemptFunc) result {
	agent := turn.Agent
	primary := apierror.Target{Provider: agent.Provider, Model: agent.Model}

	key := e.apiKey(primary.Provider)
	if key == "" {
		ae := apierror.MissingKey(primary.Provider, primary.Model)
		e.record(ctx, turn, primary, nil, 0, ae, nil)
		log.Warn().Str("agent_id", agent.ID).Str("provider", string(primary.Provider)).Msg("No API key configured")
		return result{target: primary, err: ae}
	}

	target := primary
	var fallback *models.FallbackInfo
	var original *apierror.Error
	retries := 0

	if e.classifier.IsRateLimited(primary.Provider, primary.Model) {
		if alt, altKey, ok := e.fallbackTarget(primary); ok {
			target, key = alt, altKey
			fallback = fallbackInfo(primary, ReasonRateLimited)
			log.Info().
				Str("agent_id", agent.ID).
				Str("from", primary.String()).
				Str("to", alt.String()).
				Msg("Primary model cooling down, using fallback")
		} else {
			for e.classifier.IsRateLimited(primary.Provider, primary.Model) {
				if retries >= e.maxRetries {
					ae := &apierror.Error{
						Kind:     apierror.KindRateLimit,
						Message:  fmt.Sprintf("rate limit for %s still active after %d retries and no fallback is available", primary, retries),
						Provider: primary.Provider,
						Model:    primary.Model,
					}
					e.record(ctx, turn, primary, nil, 0, ae, nil)
					return result{target: primary, err: ae}
				}
				if err := e.sleep(ctx, e.classifier.RetryAfterTime(primary.Provider, primary.Model)); err != nil {
					return result{target: primary, err: e.classifier.Classify(err, primary.Provider, primary.Model)}
				}
				retries++
			}
		}
	}

	for {
		req := e.request(agent, target, key, messages)

		start := time.Now()
		out, err := attempt(ctx, req)
		elapsed := time.Since(start)

		if out.stopped {
			approx := models.ApproxUsage(messages, out.content)
			e.record(ctx, turn, target, &approx, elapsed, &apierror.Error{
				Kind:     apierror.KindUnknown,
				Message:  errConsumerStopped.Error(),
				Provider: target.Provider,
				Model:    target.Model,
				Err:      errConsumerStopped,
			}, fallback)
			return result{outcome: out, target: target, fallback: fallback}
		}

		if err == nil {
			if out.usage == nil {
				approx := models.ApproxUsage(messages, out.content)
				out.usage = &approx
			}
			if out.model == "" {
				out.model = target.Model
			}
			if out.finish == "" {
				out.finish = models.FinishReasonUnknown
			}
			e.record(ctx, turn, target, out.usage, elapsed, nil, fallback)
			return result{outcome: out, target: target, fallback: fallback}
		}

		ae := e.classifier.Classify(err, target.Provider, target.Model)
		e.record(ctx, turn, target, nil, elapsed, ae, fallback)
		log.Warn().
			Str("agent_id", agent.ID).
			Str("kind", string(ae.Kind)).
			Int("retries", retries).
			Msg(apierror.Describe(ae))

		if ae.Kind == apierror.KindRateLimit {
			e.classifier.RecordRateLimit(target.Provider, ae.RetryAfter, target.Model)
		}

		if ctx.Err() != nil || out.committed {
			return result{outcome: out, target: target, fallback: fallback, err: ae}
		}

		if fallback != nil {
			// The fallback gets one attempt.
			if original != nil {
				ae = original
			}
			return result{outcome: out, target: target, fallback: fallback, err: ae}
		}

		if ae.Retryable && retries < e.maxRetries {
			retries++
			if err := e.sleep(ctx, ae.RetryAfter); err != nil {
				return result{target: target, err: ae}
			}
			continue
		}

		alt, altKey, ok := e.fallbackTarget(primary)
		if !ok {
			return result{target: target, err: ae}
		}
		log.Info().
			Str("agent_id", agent.ID).
			Str("from", primary.String()).
			Str("to", alt.String()).
			Str("kind", string(ae.Kind)).
			Msg("Trying fallback model")
		original = ae
		target, key = alt, altKey
		fallback = fallbackInfo(primary, fallbackReason(ae))
	}
}

func (e *Executor) request(agent *models.AgentConfig, target apierror.Target, key string, messages []models.ChatMessage) *models.RouteRequest {
	return &models.RouteRequest{
		Provider:    target.Provider,
		Model:       target.Model,
		Messages:    messages,
		APIKey:      key,
		Temperature: agent.Temperature,
		MaxTokens:   agent.MaxTokens,
	}
}

func (e *Executor) apiKey(p models.Provider) string {
	if e.keys == nil {
		return ""
	}
	return e.keys.APIKey(p)
}

// fallbackTarget returns the fallback for primary when its provider has a
// key configured.
func (e *Executor) fallbackTarget(primary apierror.Target) (apierror.Target, string, bool) {
	alt, ok := apierror.FallbackFor(primary.Provider, primary.Model)
	if !ok {
		return apierror.Target{}, "", false
	}
	key := e.apiKey(alt.Provider)
	if key == "" {
		return apierror.Target{}, "", false
	}
	return alt, key, true
}

func fallbackInfo(primary apierror.Target, reason string) *models.FallbackInfo {
	return &models.FallbackInfo{
		OriginalProvider: primary.Provider,
		OriginalModel:    primary.Model,
		Reason:           reason,
	}
}

func fallbackReason(ae *apierror.Error) string {
	if ae.Kind == apierror.KindRateLimit {
		return ReasonRateLimited
	}
	return fmt.Sprintf("Primary model failed (%s)", ae.Kind)
}

// ── Usage + Telemetry ───────────────────────────────────────

func (e *Executor) record(ctx context.Context, turn *Turn, target apierror.Target, usage *models.TokenUsage, elapsed time.Duration, ae *apierror.Error, fb *models.FallbackInfo) {
	rec := &models.UsageRecord{
		ID:         uuid.NewString(),
		UserID:     turn.UserID,
		ProjectID:  turn.ProjectID,
		AgentID:    agentIDOf(turn),
		Provider:   target.Provider,
		Model:      target.Model,
		Status:     models.UsageSuccess,
		DurationMs: elapsed.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}

	meta := map[string]interface{}{}
	if ae != nil {
		rec.Status = models.UsageError
		meta["error"] = ae.Message
		meta["errorKind"] = string(ae.Kind)
		if errors.Is(ae, errConsumerStopped) {
			meta["cancelled"] = true
		}
	}
	if fb != nil {
		meta["fallbackFrom"] = string(fb.OriginalProvider) + "/" + fb.OriginalModel
		meta["fallbackReason"] = fb.Reason
	}
	if len(meta) > 0 {
		rec.Metadata = meta
	}

	e.metrics.RecordAttempt(ctx, string(rec.Provider), rec.Model, string(rec.Status), rec.TotalTokens, elapsed)
	_ = e.usage.RecordUsage(ctx, rec)
}

func (e *Executor) startSpan(ctx context.Context, name string, turn *Turn) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("mars.project_id", turn.ProjectID),
		attribute.String("mars.agent_id", agentIDOf(turn)),
	}
	if turn.Agent != nil {
		attrs = append(attrs,
			attribute.String("mars.provider", string(turn.Agent.Provider)),
			attribute.String("mars.model", turn.Agent.Model),
		)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func agentIDOf(turn *Turn) string {
	if turn == nil || turn.Agent == nil {
		return ""
	}
	return turn.Agent.ID
}

func unknownError(msg string) *apierror.Error {
	return &apierror.Error{Kind: apierror.KindUnknown, Message: msg}
}

// sleepContext waits for d unless ctx ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
