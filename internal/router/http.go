package router

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/pkg/models"
)

// maxSSELine bounds a single SSE line; vendors send one JSON object per line.
const maxSSELine = 1 << 20

// postJSON sends body as JSON and returns the response when it is 2xx.
// Other statuses are decoded into *apierror.ProviderError by parseErr.
func postJSON(ctx context.Context, client *http.Client, provider models.Provider, url string, headers map[string]string, body interface{}, parseErr func(status int, raw []byte) *apierror.ProviderError) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", provider, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		defer httpResp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 64<<10))
		pe := parseErr(httpResp.StatusCode, raw)
		pe.Provider = provider
		pe.Status = httpResp.StatusCode
		if pe.Message == "" {
			pe.Message = strings.TrimSpace(string(raw))
		}
		if pe.Message == "" {
			pe.Message = http.StatusText(httpResp.StatusCode)
		}
		pe.RetryAfter = parseRetryAfter(httpResp.Header, time.Now())
		return nil, pe
	}
	return httpResp, nil
}

// parseRetryAfter reads retry-after-ms, then Retry-After as seconds or as
// an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if v := h.Get("retry-after-ms"); v != "" {
		if ms, err := strconv.ParseFloat(v, 64); err == nil && ms > 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// sseData yields the payload of every "data:" line in r until "[DONE]" or
// EOF. Event names, comments and blank lines are skipped.
func sseData(r io.Reader) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64<<10), maxSSELine)
		for sc.Scan() {
			line := sc.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				return
			}
			if !yield([]byte(data), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// streamState accumulates what a driver needs for the final Done chunk.
type streamState struct {
	req    *models.RouteRequest
	model  string
	finish string
	usage  *models.TokenUsage
	text   strings.Builder
}

func newStreamState(req *models.RouteRequest) *streamState {
	return &streamState{req: req, model: req.Model}
}

func (s *streamState) delta(content string) models.StreamChunk {
	s.text.WriteString(content)
	return models.StreamChunk{Content: content, Model: s.model}
}

// done builds the closing chunk, approximating usage when the vendor sent
// none.
func (s *streamState) done() models.StreamChunk {
	usage := s.usage
	if usage == nil || usage.TotalTokens == 0 {
		approx := models.ApproxUsage(s.req.Messages, s.text.String())
		if usage != nil && usage.PromptTokens+usage.CompletionTokens > 0 {
			approx = *usage
			approx.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		usage = &approx
	}
	finish := s.finish
	if finish == "" {
		finish = models.FinishReasonUnknown
	}
	return models.StreamChunk{Done: true, Model: s.model, FinishReason: finish, Usage: usage}
}

// flexString accepts a JSON string, number or null.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.Trim(string(b), `"`))
	return nil
}
