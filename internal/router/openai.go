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

// ── OpenAI-compatible Driver ────────────────────────────────

// OpenAICompatDriver speaks the OpenAI chat completions API. OpenAI, xAI and
// DeepSeek differ only in base URL.
type OpenAICompatDriver struct {
	kind    models.Provider
	baseURL string
	client  *http.Client
}

// NewOpenAICompatDriver creates a driver for kind at baseURL.
func NewOpenAICompatDriver(kind models.Provider, baseURL string, client *http.Client) *OpenAICompatDriver {
	return &OpenAICompatDriver{kind: kind, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (d *OpenAICompatDriver) Kind() models.Provider { return d.kind }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIRequest struct {
	Model         string               `json:"model"`
	Messages      []openAIMessage      `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     *int                 `json:"max_tokens,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type openAIErrorBody struct {
	Message string     `json:"message"`
	Type    string     `json:"type"`
	Code    flexString `json:"code"`
}

type openAIStreamEvent struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage     `json:"usage"`
	Error *openAIErrorBody `json:"error"`
}

func (d *OpenAICompatDriver) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	return Collect(d.kind, req, d.Stream(ctx, req))
}

func (d *OpenAICompatDriver) Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		msgs := make([]openAIMessage, 0, len(req.Messages))
		for _, m := range req.Messages {
			msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
		}
		body := openAIRequest{
			Model:         req.Model,
			Messages:      msgs,
			Stream:        true,
			StreamOptions: &openAIStreamOptions{IncludeUsage: true},
			Temperature:   req.Temperature,
			MaxTokens:     req.MaxTokens,
		}

		httpResp, err := postJSON(ctx, d.client, d.kind, d.baseURL+"/chat/completions",
			map[string]string{"Authorization": "Bearer " + req.APIKey}, body, parseOpenAIError)
		if err != nil {
			yield(models.StreamChunk{}, err)
			return
		}
		defer httpResp.Body.Close()

		st := newStreamState(req)
		for data, err := range sseData(httpResp.Body) {
			if err != nil {
				yield(models.StreamChunk{}, fmt.Errorf("%s: read stream: %w", d.kind, err))
				return
			}

			var ev openAIStreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				yield(models.StreamChunk{}, fmt.Errorf("%s: decode stream event: %w", d.kind, err))
				return
			}
			if ev.Error != nil {
				yield(models.StreamChunk{}, &apierror.ProviderError{
					Provider: d.kind,
					Type:     ev.Error.Type,
					Code:     string(ev.Error.Code),
					Message:  ev.Error.Message,
				})
				return
			}
			if ev.Model != "" {
				st.model = ev.Model
			}
			if ev.Usage != nil {
				st.usage = &models.TokenUsage{
					PromptTokens:     ev.Usage.PromptTokens,
					CompletionTokens: ev.Usage.CompletionTokens,
					TotalTokens:      ev.Usage.TotalTokens,
				}
			}
			for _, ch := range ev.Choices {
				if ch.FinishReason != nil && *ch.FinishReason != "" {
					st.finish = *ch.FinishReason
				}
				if ch.Delta.Content == "" {
					continue
				}
				if !yield(st.delta(ch.Delta.Content), nil) {
					return
				}
			}
		}

		yield(st.done(), nil)
	}
}

func parseOpenAIError(_ int, raw []byte) *apierror.ProviderError {
	var env struct {
		Error openAIErrorBody `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return &apierror.ProviderError{}
	}
	return &apierror.ProviderError{
		Type:    env.Error.Type,
		Code:    string(env.Error.Code),
		Message: env.Error.Message,
	}
}
