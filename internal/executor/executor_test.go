package executor_test

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/internal/executor"
	"github.com/marsnext/mars/pkg/models"
)

// scriptedRouter answers every request with handle(n, req), where n counts
// the requests seen so far.
type scriptedRouter struct {
	mu     sync.Mutex
	calls  []*models.RouteRequest
	handle func(n int, req *models.RouteRequest) ([]string, error)
}

func (r *scriptedRouter) next(req *models.RouteRequest) ([]string, error) {
	r.mu.Lock()
	n := len(r.calls)
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return r.handle(n, req)
}

func (r *scriptedRouter) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	deltas, err := r.next(req)
	if err != nil {
		return nil, err
	}
	return &models.RouteResponse{
		Provider:     req.Provider,
		Model:        req.Model,
		Content:      strings.Join(deltas, ""),
		FinishReason: "stop",
		Usage:        models.TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
	}, nil
}

// Stream yields the deltas, then either the error or a Done chunk.
func (r *scriptedRouter) Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error] {
	return func(yield func(models.StreamChunk, error) bool) {
		deltas, err := r.next(req)
		for _, d := range deltas {
			if !yield(models.StreamChunk{Content: d, Model: req.Model}, nil) {
				return
			}
		}
		if err != nil {
			yield(models.StreamChunk{}, err)
			return
		}
		yield(models.StreamChunk{
			Done:         true,
			Model:        req.Model,
			FinishReason: "stop",
			Usage:        &models.TokenUsage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3},
		}, nil)
	}
}

func (r *scriptedRouter) ListDrivers() []models.Provider { return nil }

func (r *scriptedRouter) models() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.Model
	}
	return out
}

type staticKeys map[models.Provider]string

func (k staticKeys) APIKey(p models.Provider) string { return k[p] }

type memRecorder struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (m *memRecorder) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) statuses() []models.UsageStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.UsageStatus, len(m.records))
	for i, r := range m.records {
		out[i] = r.Status
	}
	return out
}

type sleepLog struct {
	mu     sync.Mutex
	waited []time.Duration
}

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waited = append(s.waited, d)
	return ctx.Err()
}

func rateLimited() error {
	return &apierror.ProviderError{Provider: models.ProviderOpenAI, Status: 429, Message: "Rate limit reached"}
}

func newTurn(provider models.Provider, model string) *executor.Turn {
	return &executor.Turn{
		UserID:    "u1",
		ProjectID: "p1",
		Agent: &models.AgentConfig{
			ID:        "a1",
			ProjectID: "p1",
			Name:      "Analyst",
			Provider:  provider,
			Model:     model,
		},
		Query: "What changed?",
	}
}

type harness struct {
	router *scriptedRouter
	usage  *memRecorder
	sleeps *sleepLog
	exec   *executor.Executor
}

func newHarness(keys staticKeys, cls *apierror.Classifier, handle func(int, *models.RouteRequest) ([]string, error)) *harness {
	h := &harness{
		router: &scriptedRouter{handle: handle},
		usage:  &memRecorder{},
		sleeps: &sleepLog{},
	}
	h.exec = executor.New(h.router, cls, keys, h.usage, executor.WithSleeper(h.sleeps.sleep))
	return h
}

func collect(seq iter.Seq[models.AgentResponseChunk]) []models.AgentResponseChunk {
	var out []models.AgentResponseChunk
	for c := range seq {
		out = append(out, c)
	}
	return out
}

// ── Batch Path ──────────────────────────────────────────────

func TestExecute_RetriesRateLimitThenSucceeds(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		if n < 2 {
			return nil, rateLimited()
		}
		return []string{"ok"}, nil
	})

	resp := h.exec.Execute(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o"))
	h.exec.Wait()

	if resp.Failed() {
		t.Fatalf("Execute() failed: %s", resp.Error)
	}
	if resp.Response != "ok" {
		t.Errorf("Response = %q, want %q", resp.Response, "ok")
	}
	if got := len(h.router.calls); got != 3 {
		t.Errorf("provider calls = %d, want 3", got)
	}
	if got := len(h.sleeps.waited); got != 2 {
		t.Fatalf("retries = %d, want 2", got)
	}
	if h.sleeps.waited[0] != apierror.DefaultRetryAfter {
		t.Errorf("wait = %v, want %v", h.sleeps.waited[0], apierror.DefaultRetryAfter)
	}
	if resp.FallbackUsed != nil {
		t.Errorf("FallbackUsed = %+v, want nil", resp.FallbackUsed)
	}

	// Records are written concurrently, so only the counts are stable.
	counts := map[models.UsageStatus]int{}
	for _, s := range h.usage.statuses() {
		counts[s]++
	}
	if counts[models.UsageError] != 2 || counts[models.UsageSuccess] != 1 {
		t.Errorf("usage statuses = %v, want 2 error and 1 success", counts)
	}
}

func TestExecute_RetriesExhaustedUsesFallback(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		if req.Model == "gpt-4o" {
			return nil, rateLimited()
		}
		return []string{"from mini"}, nil
	})

	resp := h.exec.Execute(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o"))

	if resp.Failed() {
		t.Fatalf("Execute() failed: %s", resp.Error)
	}
	wantModels := []string{"gpt-4o", "gpt-4o", "gpt-4o", "gpt-4o-mini"}
	gotModels := h.router.models()
	if strings.Join(gotModels, ",") != strings.Join(wantModels, ",") {
		t.Errorf("models called = %v, want %v", gotModels, wantModels)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want %q", resp.Model, "gpt-4o-mini")
	}
	fb := resp.FallbackUsed
	if fb == nil {
		t.Fatal("FallbackUsed = nil, want fallback info")
	}
	if fb.OriginalModel != "gpt-4o" || fb.OriginalProvider != models.ProviderOpenAI {
		t.Errorf("FallbackUsed = %+v, want original openai/gpt-4o", fb)
	}
	if fb.Reason != executor.ReasonRateLimited {
		t.Errorf("FallbackUsed.Reason = %q, want %q", fb.Reason, executor.ReasonRateLimited)
	}
}

func TestExecute_FallbackFailureSurfacesOriginalError(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		if req.Model == "gpt-4o" {
			return nil, &apierror.ProviderError{Status: 401, Code: "invalid_api_key", Message: "Incorrect API key provided"}
		}
		return nil, &apierror.ProviderError{Status: 500, Message: "internal"}
	})

	resp := h.exec.Execute(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o"))

	if !resp.Failed() {
		t.Fatal("Execute() succeeded, want failure")
	}
	if resp.ErrorKind != string(apierror.KindInvalidAPIKey) {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, apierror.KindInvalidAPIKey)
	}
	want := apierror.UserMessage(apierror.KindInvalidAPIKey, models.ProviderOpenAI, "gpt-4o")
	if resp.Response != want {
		t.Errorf("Response = %q, want %q", resp.Response, want)
	}
	if got := len(h.router.calls); got != 2 {
		t.Errorf("provider calls = %d, want 2 (primary + one fallback)", got)
	}
	if len(h.sleeps.waited) != 0 {
		t.Errorf("waited %v, want no retries for a non-retryable error", h.sleeps.waited)
	}
}

func TestExecute_MissingKey(t *testing.T) {
	h := newHarness(staticKeys{}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"unreachable"}, nil
	})

	resp := h.exec.Execute(context.Background(), newTurn(models.ProviderAnthropic, "claude-3-5-sonnet-latest"))
	h.exec.Wait()

	if resp.ErrorKind != string(apierror.KindInvalidAPIKey) {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, apierror.KindInvalidAPIKey)
	}
	if len(h.router.calls) != 0 {
		t.Errorf("provider calls = %d, want 0", len(h.router.calls))
	}
	if len(h.sleeps.waited) != 0 {
		t.Errorf("waited %v, want none", h.sleeps.waited)
	}
	if got := h.usage.statuses(); len(got) != 1 || got[0] != models.UsageError {
		t.Errorf("usage = %v, want one error record", got)
	}
}

func TestExecute_CoolingDownUsesFallbackFirst(t *testing.T) {
	cls := apierror.NewClassifier(nil)
	cls.RecordRateLimit(models.ProviderOpenAI, 30*time.Second, "gpt-4o")

	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, cls, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"fast"}, nil
	})

	resp := h.exec.Execute(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o"))

	if got := h.router.models(); len(got) != 1 || got[0] != "gpt-4o-mini" {
		t.Errorf("models called = %v, want [gpt-4o-mini]", got)
	}
	if resp.FallbackUsed == nil || resp.FallbackUsed.Reason != executor.ReasonRateLimited {
		t.Errorf("FallbackUsed = %+v, want reason %q", resp.FallbackUsed, executor.ReasonRateLimited)
	}
}

func TestExecute_CoolingDownWithoutFallbackGivesUp(t *testing.T) {
	cls := apierror.NewClassifier(nil)
	cls.RecordRateLimit(models.ProviderAnthropic, 30*time.Second, "")

	// The universal fallback is OpenAI, which has no key here.
	h := newHarness(staticKeys{models.ProviderAnthropic: "sk"}, cls, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"unreachable"}, nil
	})

	resp := h.exec.Execute(context.Background(), newTurn(models.ProviderAnthropic, "claude-3-5-haiku-latest"))

	if resp.ErrorKind != string(apierror.KindRateLimit) {
		t.Errorf("ErrorKind = %q, want %q", resp.ErrorKind, apierror.KindRateLimit)
	}
	if len(h.router.calls) != 0 {
		t.Errorf("provider calls = %d, want 0", len(h.router.calls))
	}
	if got := len(h.sleeps.waited); got != executor.DefaultMaxRetries {
		t.Errorf("waits = %d, want %d", got, executor.DefaultMaxRetries)
	}
}

// ── Streaming Path ──────────────────────────────────────────

func TestStream_ForwardsDeltasThenMetadata(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"Hel", "lo"}, nil
	})

	chunks := collect(h.exec.Stream(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o")))

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3: %+v", len(chunks), chunks)
	}
	for i, want := range []string{"Hel", "lo"} {
		if chunks[i].Type != models.ChunkTypeContent || chunks[i].Content != want {
			t.Errorf("chunk[%d] = %+v, want content %q", i, chunks[i], want)
		}
		if chunks[i].AgentID != "a1" {
			t.Errorf("chunk[%d].AgentID = %q, want %q", i, chunks[i].AgentID, "a1")
		}
	}
	md := chunks[2].Metadata
	if chunks[2].Type != models.ChunkTypeMetadata || md == nil {
		t.Fatalf("last chunk = %+v, want metadata", chunks[2])
	}
	if md.Usage == nil || md.Usage.TotalTokens != 3 {
		t.Errorf("metadata usage = %+v, want total 3", md.Usage)
	}
	if md.FinishReason != "stop" {
		t.Errorf("FinishReason = %q, want %q", md.FinishReason, "stop")
	}
	if md.Error != nil {
		t.Errorf("metadata error = %q, want nil", *md.Error)
	}
}

func TestStream_MidStreamErrorEndsWithMetadata(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"partial"}, &apierror.ProviderError{Status: 429, Message: "Rate limit reached"}
	})

	chunks := collect(h.exec.Stream(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o")))

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3: %+v", len(chunks), chunks)
	}
	if chunks[1].Type != models.ChunkTypeError {
		t.Errorf("chunk[1].Type = %q, want error", chunks[1].Type)
	}
	md := chunks[2].Metadata
	if md == nil {
		t.Fatalf("last chunk = %+v, want metadata", chunks[2])
	}
	if md.Usage != nil {
		t.Errorf("metadata usage = %+v, want nil", md.Usage)
	}
	if md.FinishReason != models.FinishReasonError {
		t.Errorf("FinishReason = %q, want %q", md.FinishReason, models.FinishReasonError)
	}
	if md.Error == nil || *md.Error != chunks[1].Error {
		t.Errorf("metadata error = %v, want %q", md.Error, chunks[1].Error)
	}
	// Output already reached the client, so no retry.
	if len(h.router.calls) != 1 {
		t.Errorf("provider calls = %d, want 1", len(h.router.calls))
	}
}

func TestStream_RetriesBeforeFirstDelta(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		if n == 0 {
			return nil, rateLimited()
		}
		return []string{"second try"}, nil
	})

	chunks := collect(h.exec.Stream(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o")))

	if len(chunks) != 2 || chunks[0].Content != "second try" {
		t.Fatalf("chunks = %+v, want one delta and metadata", chunks)
	}
	if chunks[1].Type != models.ChunkTypeMetadata {
		t.Errorf("chunk[1].Type = %q, want metadata", chunks[1].Type)
	}
	if len(h.sleeps.waited) != 1 {
		t.Errorf("waits = %d, want 1", len(h.sleeps.waited))
	}
}

func TestStream_MissingKey(t *testing.T) {
	h := newHarness(staticKeys{}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"unreachable"}, nil
	})

	chunks := collect(h.exec.Stream(context.Background(), newTurn(models.ProviderGoogle, "gemini-1.5-pro")))

	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2: %+v", len(chunks), chunks)
	}
	want := apierror.UserMessage(apierror.KindInvalidAPIKey, models.ProviderGoogle, "gemini-1.5-pro")
	if chunks[0].Type != models.ChunkTypeError || chunks[0].Error != want {
		t.Errorf("chunk[0] = %+v, want error %q", chunks[0], want)
	}
	if chunks[1].Metadata == nil || chunks[1].Metadata.FinishReason != models.FinishReasonError {
		t.Errorf("chunk[1] = %+v, want error metadata", chunks[1])
	}
	if len(h.router.calls) != 0 || len(h.sleeps.waited) != 0 {
		t.Errorf("calls=%d waits=%d, want no attempt", len(h.router.calls), len(h.sleeps.waited))
	}
}

func TestStream_ConsumerStops(t *testing.T) {
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		return []string{"first delta", "b", "c"}, nil
	})

	var got []models.AgentResponseChunk
	for c := range h.exec.Stream(context.Background(), newTurn(models.ProviderOpenAI, "gpt-4o")) {
		got = append(got, c)
		break
	}

	if len(got) != 1 || got[0].Content != "first delta" {
		t.Errorf("chunks = %+v, want only the first delta", got)
	}
	if len(h.router.calls) != 1 {
		t.Errorf("provider calls = %d, want 1", len(h.router.calls))
	}

	h.exec.Wait()
	h.usage.mu.Lock()
	defer h.usage.mu.Unlock()
	if len(h.usage.records) != 1 {
		t.Fatalf("usage records = %d, want 1 for the interrupted attempt", len(h.usage.records))
	}
	rec := h.usage.records[0]
	if rec.Status != models.UsageError || rec.Metadata["cancelled"] != true {
		t.Errorf("usage record = %+v, want error status with cancelled metadata", rec)
	}
	if rec.CompletionTokens == 0 || rec.PromptTokens == 0 {
		t.Errorf("usage tokens = %d/%d, want approximated counts", rec.PromptTokens, rec.CompletionTokens)
	}
}

func TestStream_CancelledContextStopsOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		cancel()
		return nil, context.Canceled
	})

	chunks := collect(h.exec.Stream(ctx, newTurn(models.ProviderOpenAI, "gpt-4o")))
	if len(chunks) != 0 {
		t.Errorf("chunks = %+v, want none after cancellation", chunks)
	}
}

// ── Batch Runner ────────────────────────────────────────────

func agents(ids ...string) []*models.AgentConfig {
	out := make([]*models.AgentConfig, len(ids))
	for i, id := range ids {
		out[i] = &models.AgentConfig{ID: id, Name: "agent " + id, Provider: models.ProviderOpenAI, Model: "gpt-4o"}
	}
	return out
}

func TestBatchRunner_IsolatesFailures(t *testing.T) {
	list := agents("a1", "a2", "a3")
	list[1].Model = "broken-model"

	h := newHarness(staticKeys{models.ProviderOpenAI: "sk"}, nil, func(n int, req *models.RouteRequest) ([]string, error) {
		if req.Model == "gpt-4o" {
			return []string{"fine"}, nil
		}
		return nil, errors.New("boom")
	})

	results := executor.NewBatchRunner(h.exec, 5).Run(context.Background(), list, "hi", executor.Turn{UserID: "u1"})

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for _, id := range []string{"a1", "a3"} {
		if results[id] == nil || results[id].Failed() {
			t.Errorf("results[%s] = %+v, want success", id, results[id])
		}
	}
	if r := results["a2"]; r == nil || !r.Failed() {
		t.Errorf("results[a2] = %+v, want failure", r)
	} else if !strings.Contains(r.Error, "boom") {
		t.Errorf("results[a2].Error = %q, want it to contain %q", r.Error, "boom")
	}
}

type panickyExecutor struct{}

func (panickyExecutor) Execute(ctx context.Context, turn *executor.Turn) *models.AgentResponse {
	if turn.Agent.ID == "a2" {
		panic("driver exploded")
	}
	return &models.AgentResponse{AgentID: turn.Agent.ID, Response: turn.Query}
}

func TestBatchRunner_RecoversPanics(t *testing.T) {
	results := executor.NewBatchRunner(panickyExecutor{}, 2).Run(context.Background(), agents("a1", "a2", "a3"), "echo", executor.Turn{})

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results["a1"].Response != "echo" || results["a3"].Response != "echo" {
		t.Errorf("siblings = %+v / %+v, want echoed query", results["a1"], results["a3"])
	}
	r := results["a2"]
	if !r.Failed() || r.Error != "driver exploded" {
		t.Errorf("results[a2] = %+v, want panic converted to error", r)
	}
	if r.ErrorKind != string(apierror.KindUnknown) {
		t.Errorf("ErrorKind = %q, want %q", r.ErrorKind, apierror.KindUnknown)
	}
}

type countingExecutor struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (c *countingExecutor) Execute(ctx context.Context, turn *executor.Turn) *models.AgentResponse {
	n := c.active.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	c.active.Add(-1)
	return &models.AgentResponse{AgentID: turn.Agent.ID}
}

func TestBatchRunner_BoundsConcurrency(t *testing.T) {
	exec := &countingExecutor{}
	results := executor.NewBatchRunner(exec, 3).Run(context.Background(), agents("1", "2", "3", "4", "5", "6", "7"), "q", executor.Turn{})

	if len(results) != 7 {
		t.Errorf("results = %d, want 7", len(results))
	}
	if peak := exec.peak.Load(); peak > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak)
	}
}
