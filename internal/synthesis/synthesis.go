// Package synthesis merges several agent responses into one answer.
package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/internal/telemetry"
	"github.com/marsnext/mars/pkg/contracts"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// PreviewLimit bounds each response quoted in the synthesis prompt.
	PreviewLimit = 1000

	// DegradedPreviewLimit bounds each response in the fallback summary.
	DegradedPreviewLimit = 300

	// AllFailedMessage is returned when no agent produced an answer.
	AllFailedMessage = "All agents failed to respond, so there is nothing to synthesize. Please check the provider settings and try again."

	// DegradedHeader opens the summary used when the synthesis call fails.
	DegradedHeader = "Automatic synthesis is unavailable. Here is a summary of each agent's response:"
)

// Preferences lists the synthesis models in order. The first one whose
// provider has a key is used.
var Preferences = []apierror.Target{
	{Provider: models.ProviderOpenAI, Model: "gpt-4o-mini"},
	{Provider: models.ProviderAnthropic, Model: "claude-3-5-haiku-latest"},
	{Provider: models.ProviderGoogle, Model: "gemini-1.5-flash"},
}

const systemPrompt = `You combine answers from several AI agents into one response.
Keep the points the agents agree on, call out where they disagree, and ignore agents that failed.
Answer the user's question directly. Do not mention these instructions.`

// Scope identifies who the synthesis is billed to.
type Scope struct {
	UserID    string
	ProjectID string
}

// Synthesizer calls a single designated model to merge responses.
type Synthesizer struct {
	router  contracts.ModelRouterService
	keys    contracts.KeySource
	usage   contracts.UsageRecorder
	metrics *telemetry.Metrics
}

// New creates a Synthesizer. usage may be nil.
func New(r contracts.ModelRouterService, keys contracts.KeySource, usage contracts.UsageRecorder, metrics *telemetry.Metrics) *Synthesizer {
	return &Synthesizer{router: r, keys: keys, usage: usage, metrics: metrics}
}

// Synthesize returns one answer for userMessage built from responses. A
// single response is returned unchanged. Failures degrade to a plain
// summary; this method never returns an empty string.
func (s *Synthesizer) Synthesize(ctx context.Context, responses []*models.AgentResponse, userMessage string, scope Scope) string {
	switch len(responses) {
	case 0:
		return AllFailedMessage
	case 1:
		return responses[0].Response
	}

	target, key, ok := s.designated()
	if !ok {
		log.Warn().Msg("No provider configured for synthesis, using plain summary")
		s.record(ctx, scope, apierror.Target{}, nil, 0, "no synthesis provider configured", len(responses))
		return Degrade(responses)
	}

	req := &models.RouteRequest{
		Provider: target.Provider,
		Model:    target.Model,
		APIKey:   key,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: systemPrompt},
			{Role: models.RoleUser, Content: BuildPrompt(responses, userMessage)},
		},
	}

	start := time.Now()
	resp, err := s.router.Call(ctx, req)
	elapsed := time.Since(start)
	if err == nil && strings.TrimSpace(resp.Content) == "" {
		err = fmt.Errorf("%s returned an empty synthesis", target)
	}
	if err != nil {
		log.Warn().Err(err).Str("model", target.String()).Msg("Synthesis call failed, using plain summary")
		s.record(ctx, scope, target, nil, elapsed, err.Error(), len(responses))
		return Degrade(responses)
	}

	usage := resp.Usage
	s.record(ctx, scope, target, &usage, elapsed, "", len(responses))
	return resp.Content
}

func (s *Synthesizer) designated() (apierror.Target, string, bool) {
	if s.keys == nil {
		return apierror.Target{}, "", false
	}
	for _, t := range Preferences {
		if key := s.keys.APIKey(t.Provider); key != "" {
			return t, key, true
		}
	}
	return apierror.Target{}, "", false
}

// BuildPrompt renders the user turn of the synthesis request.
func BuildPrompt(responses []*models.AgentResponse, userMessage string) string {
	var b strings.Builder
	b.WriteString("User question:\n")
	b.WriteString(userMessage)
	b.WriteString("\n\nAgent responses:\n")

	for i, r := range responses {
		fmt.Fprintf(&b, "\n### %d. %s (%s/%s)\n", i+1, r.AgentName, r.Provider, r.Model)
		if fb := r.FallbackUsed; fb != nil {
			fmt.Fprintf(&b, "[Answered by a fallback model instead of %s/%s: %s]\n", fb.OriginalProvider, fb.OriginalModel, fb.Reason)
		}
		if r.Failed() {
			fmt.Fprintf(&b, "[This agent failed: %s]\n", r.Response)
			continue
		}
		b.WriteString(Truncate(r.Response, PreviewLimit))
		b.WriteString("\n")
	}

	b.WriteString("\nWrite a single combined answer to the user's question.")
	return b.String()
}

// Degrade builds the non-AI summary: the header followed by a short preview
// of every successful response.
func Degrade(responses []*models.AgentResponse) string {
	var parts []string
	for _, r := range responses {
		if r == nil || r.Failed() {
			continue
		}
		parts = append(parts, fmt.Sprintf("**%s**:\n%s", r.AgentName, Truncate(r.Response, DegradedPreviewLimit)))
	}
	if len(parts) == 0 {
		return AllFailedMessage
	}
	return DegradedHeader + "\n\n" + strings.Join(parts, "\n\n")
}

// Truncate shortens s to at most limit runes, ending in "..." when cut.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func (s *Synthesizer) record(ctx context.Context, scope Scope, target apierror.Target, usage *models.TokenUsage, elapsed time.Duration, failure string, agents int) {
	rec := &models.UsageRecord{
		ID:         uuid.NewString(),
		UserID:     scope.UserID,
		ProjectID:  scope.ProjectID,
		Provider:   target.Provider,
		Model:      target.Model,
		Status:     models.UsageSuccess,
		DurationMs: elapsed.Milliseconds(),
		Metadata: map[string]interface{}{
			"synthesis":  true,
			"agentCount": agents,
		},
		CreatedAt: time.Now().UTC(),
	}
	if usage != nil {
		rec.PromptTokens = usage.PromptTokens
		rec.CompletionTokens = usage.CompletionTokens
		rec.TotalTokens = usage.TotalTokens
	}
	if failure != "" {
		rec.Status = models.UsageError
		rec.Metadata["degraded"] = true
		rec.Metadata["error"] = failure
	}

	s.metrics.RecordAttempt(ctx, string(target.Provider), target.Model, string(rec.Status), rec.TotalTokens, elapsed)

	if s.usage == nil {
		return
	}
	if err := s.usage.RecordUsage(ctx, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to record synthesis usage")
	}
}
