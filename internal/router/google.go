package router

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/pkg/models"
)

// ── Google Gemini Driver ────────────────────────────────────

// GoogleDriver speaks the Gemini generateContent API.
type GoogleDriver struct {
	baseURL string
	client  *http.Client
}

// NewGoogleDriver creates the Gemini driver.
func NewGoogleDriver(baseURL string, client *http.Client) *GoogleDriver {
	return &GoogleDriver{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (d *GoogleDriver) Kind() models.Provider { return models.ProviderGoogle }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiStreamEvent struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
		TotalTokenCount      int64 `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

func (d *GoogleDriver) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	return Collect(models.ProviderGoogle, req, d.Stream(ctx, req))
}

// buildGeminiRequest maps assistant turns to the "model" role and system
// messages to systemInstruction.
func buildGeminiRequest(req *models.RouteRequest) geminiRequest {
	out := geminiRequest{}
	var system []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case models.RoleAssistant:
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.GenerationConfig = &geminiGenerationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxTokens}
	}
	return out
}

func (d *GoogleDriver) Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", d.baseURL, url.PathEscape(req.Model))
		httpResp, err := postJSON(ctx, d.client, models.ProviderGoogle, endpoint,
			map[string]string{"x-goog-api-key": req.APIKey}, buildGeminiRequest(req), parseGoogleError)
		if err != nil {
			yield(models.StreamChunk{}, err)
			return
		}
		defer httpResp.Body.Close()

		st := newStreamState(req)
		for data, err := range sseData(httpResp.Body) {
			if err != nil {
				yield(models.StreamChunk{}, fmt.Errorf("google: read stream: %w", err))
				return
			}

			var ev geminiStreamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				yield(models.StreamChunk{}, fmt.Errorf("google: decode stream event: %w", err))
				return
			}
			if ev.PromptFeedback != nil && ev.PromptFeedback.BlockReason != "" {
				yield(models.StreamChunk{}, &apierror.ProviderError{
					Provider: models.ProviderGoogle,
					Code:     ev.PromptFeedback.BlockReason,
					Message:  "prompt blocked: " + ev.PromptFeedback.BlockReason,
				})
				return
			}
			if ev.ModelVersion != "" {
				st.model = ev.ModelVersion
			}
			if u := ev.UsageMetadata; u != nil {
				st.usage = &models.TokenUsage{
					PromptTokens:     u.PromptTokenCount,
					CompletionTokens: u.CandidatesTokenCount,
					TotalTokens:      u.TotalTokenCount,
				}
			}
			for _, c := range ev.Candidates {
				if c.FinishReason != "" {
					st.finish = strings.ToLower(c.FinishReason)
				}
				for _, p := range c.Content.Parts {
					if p.Text == "" {
						continue
					}
					if !yield(st.delta(p.Text), nil) {
						return
					}
				}
			}
		}

		yield(st.done(), nil)
	}
}

func parseGoogleError(_ int, raw []byte) *apierror.ProviderError {
	var env struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
			Details []struct {
				Reason string `json:"reason"`
			} `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		// Gemini sometimes wraps the error in a one-element array.
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) == nil && len(arr) > 0 {
			return parseGoogleError(0, arr[0])
		}
		return &apierror.ProviderError{}
	}
	pe := &apierror.ProviderError{Type: env.Error.Status, Message: env.Error.Message}
	for _, d := range env.Error.Details {
		if d.Reason != "" {
			pe.Code = d.Reason
			break
		}
	}
	return pe
}
