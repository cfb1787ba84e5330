package router

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/pkg/models"
)

// ── Anthropic Driver ────────────────────────────────────────

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 4096
)

// AnthropicDriver speaks the Anthropic Messages API.
type AnthropicDriver struct {
	baseURL string
	client  *http.Client
}

// NewAnthropicDriver creates the Anthropic driver.
func NewAnthropicDriver(baseURL string, client *http.Client) *AnthropicDriver {
	return &AnthropicDriver{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (d *AnthropicDriver) Kind() models.Provider { return models.ProviderAnthropic }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Usage *anthropicUsage     `json:"usage"`
	Error *anthropicErrorBody `json:"error"`
}

func (d *AnthropicDriver) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	return Collect(models.ProviderAnthropic, req, d.Stream(ctx, req))
}

// buildAnthropicRequest moves system messages into the top-level system
// field, which is where the Messages API expects them.
func buildAnthropicRequest(req *models.RouteRequest) anthropicRequest {
	var system []string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := anthropicDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return anthropicRequest{
		Model:       req.Model,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
}

func (d *AnthropicDriver) Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		headers := map[string]string{
			"x-api-key":         req.APIKey,
			"anthropic-version": anthropicVersion,
		}
		httpResp, err := postJSON(ctx, d.client, models.ProviderAnthropic, d.baseURL+"/v1/messages",
			headers, buildAnthropicRequest(req), parseAnthropicError)
		if err != nil {
			yield(models.StreamChunk{}, err)
			return
		}
		defer httpResp.Body.Close()

		st := newStreamState(req)
		usage := models.TokenUsage{}
		for data, err := range sseData(httpResp.Body) {
			if err != nil {
				yield(models.StreamChunk{}, fmt.Errorf("anthropic: read stream: %w", err))
				return
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				yield(models.StreamChunk{}, fmt.Errorf("anthropic: decode stream event: %w", err))
				return
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					if ev.Message.Model != "" {
						st.model = ev.Message.Model
					}
					usage.PromptTokens = ev.Message.Usage.InputTokens
					usage.CompletionTokens = ev.Message.Usage.OutputTokens
				}
			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Text == "" {
					continue
				}
				if !yield(st.delta(ev.Delta.Text), nil) {
					return
				}
			case "message_delta":
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					st.finish = ev.Delta.StopReason
				}
				if ev.Usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
				}
			case "error":
				pe := &apierror.ProviderError{Provider: models.ProviderAnthropic}
				if ev.Error != nil {
					pe.Type = ev.Error.Type
					pe.Message = ev.Error.Message
				}
				yield(models.StreamChunk{}, pe)
				return
			case "message_stop":
				if usage.PromptTokens+usage.CompletionTokens > 0 {
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
					st.usage = &usage
				}
				yield(st.done(), nil)
				return
			}
		}

		if usage.PromptTokens+usage.CompletionTokens > 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			st.usage = &usage
		}
		yield(st.done(), nil)
	}
}

func parseAnthropicError(_ int, raw []byte) *apierror.ProviderError {
	var env struct {
		Error anthropicErrorBody `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &apierror.ProviderError{}
	}
	return &apierror.ProviderError{Type: env.Error.Type, Message: env.Error.Message}
}
