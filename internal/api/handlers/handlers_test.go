package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marsnext/mars/internal/api/handlers"
	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/internal/auth"
	"github.com/marsnext/mars/internal/config"
	"github.com/marsnext/mars/internal/executor"
	"github.com/marsnext/mars/internal/router"
	"github.com/marsnext/mars/internal/store"
	"github.com/marsnext/mars/internal/synthesis"
	"github.com/marsnext/mars/pkg/contracts"
	pkgmw "github.com/marsnext/mars/pkg/middleware"
	"github.com/marsnext/mars/pkg/models"
)

// echoDriver answers with the user content of the last message and keeps
// every request for inspection.
type echoDriver struct {
	mu       sync.Mutex
	requests []*models.RouteRequest
}

func (d *echoDriver) Kind() models.Provider { return models.ProviderOpenAI }

func (d *echoDriver) Call(ctx context.Context, req *models.RouteRequest) (*models.RouteResponse, error) {
	return router.Collect(models.ProviderOpenAI, req, d.Stream(ctx, req))
}

func (d *echoDriver) Stream(ctx context.Context, req *models.RouteRequest) iter.Seq2[models.StreamChunk, error] {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()
	return func(yield func(models.StreamChunk, error) bool) {
		if !yield(models.StreamChunk{Content: "echo"}, nil) {
			return
		}
		yield(models.StreamChunk{
			Done:         true,
			Model:        req.Model,
			FinishReason: "stop",
			Usage:        &models.TokenUsage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4},
		}, nil)
	}
}

func (d *echoDriver) last() *models.RouteRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return nil
	}
	return d.requests[len(d.requests)-1]
}

type fixture struct {
	handler  http.Handler
	driver   *echoDriver
	store    *store.MemoryStore
	exec     *executor.Executor
	sessions *auth.SessionProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore lets wrap decorate the seeded store before the
// handlers see it.
func newFixtureWithStore(t *testing.T, wrap func(store.Store) store.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	s := store.NewMemoryStore("")
	t.Cleanup(func() { s.Close() })
	s.CreateProject(ctx, &models.Project{ID: "p1", OwnerID: "alice"})
	s.CreateProject(ctx, &models.Project{ID: "p2", OwnerID: "alice"})
	s.CreateAgent(ctx, &models.AgentConfig{ID: "a1", ProjectID: "p1", Name: "Analyst", Provider: models.ProviderOpenAI, Model: "gpt-4o"})
	s.CreateAgent(ctx, &models.AgentConfig{ID: "a2", ProjectID: "p1", Name: "Critic", Provider: models.ProviderOpenAI, Model: "gpt-4o-mini"})
	s.CreateAgent(ctx, &models.AgentConfig{ID: "other", ProjectID: "p2", Provider: models.ProviderOpenAI, Model: "gpt-4o"})
	s.CreateContext(ctx, &models.ContextDocument{ID: "mine", OwnerID: "alice", Name: "Brief", Content: "alice context"})
	s.CreateContext(ctx, &models.ContextDocument{ID: "theirs", OwnerID: "bob", Name: "Private", Content: "bob context"})

	driver := &echoDriver{}
	mr := router.NewModelRouter()
	mr.RegisterDriver(driver)

	keys := config.Keys{models.ProviderOpenAI: "sk-test"}
	exec := executor.New(mr, apierror.NewClassifier(apierror.NewRateLimitCache()), keys, s)
	t.Cleanup(exec.Wait)

	var hs store.Store = s
	if wrap != nil {
		hs = wrap(s)
	}
	h := handlers.New(hs, mr, exec,
		executor.NewBatchRunner(exec, 2),
		synthesis.New(mr, keys, exec.Recorder(), nil),
		keys)
	sessions := auth.NewSessionProvider("test-secret")
	h.WithSessions(sessions, 2*time.Hour)

	r := chi.NewRouter()
	r.Get("/providers", h.ListProviders)
	r.Get("/usage", h.ListUsage)
	r.Post("/sessions", h.CreateSession)
	r.Post("/projects/{projectId}/chat", h.Chat)
	r.Post("/projects/{projectId}/chat/multi", h.MultiChat)

	return &fixture{handler: r, driver: driver, store: s, exec: exec, sessions: sessions}
}

func (f *fixture) do(t *testing.T, method, path, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req = req.WithContext(pkgmw.SetIdentity(req.Context(), &contracts.Identity{Subject: user, Provider: "apikey"}))
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func errorBody(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %q", w.Body.String())
	}
	return body["error"]
}

// ─── Chat ────────────────────────────────────────────────────

func TestChat_StreamsTurn(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat", "alice",
		`{"query":"Summarize","agentId":"a1","contextIds":["mine"]}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, `"type":"content"`) || !strings.Contains(body, `"content":"echo"`) {
		t.Errorf("body %q has no content frame", body)
	}
	if !strings.Contains(body, `"type":"metadata"`) || !strings.Contains(body, `"finishReason":"stop"`) {
		t.Errorf("body %q has no metadata frame", body)
	}
}

func TestChat_Unauthenticated(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat", "", `{"query":"hi","agentId":"a1"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestChat_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"query":`},
		{"missing query", `{"query":"  ","agentId":"a1"}`},
		{"missing agent", `{"query":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/projects/p1/chat", "alice", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if errorBody(t, w) == "" {
				t.Error("error message is empty")
			}
		})
	}
}

func TestChat_ProjectAccess(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat", "bob", `{"query":"hi","agentId":"a1"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign project: status = %d, want 403", w.Code)
	}

	w = f.do(t, http.MethodPost, "/projects/nope/chat", "alice", `{"query":"hi","agentId":"a1"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing project: status = %d, want 404", w.Code)
	}
}

func TestChat_AgentFromOtherProject(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat", "alice", `{"query":"hi","agentId":"other"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if f.driver.last() != nil {
		t.Error("provider was called for a rejected request")
	}

	w = f.do(t, http.MethodPost, "/projects/p1/chat", "alice", `{"query":"hi","agentId":"ghost"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown agent: status = %d, want 404", w.Code)
	}
}

func TestChat_ForeignContextsExcluded(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat", "alice",
		`{"query":"hi","agentId":"a1","contextIds":["theirs","mine","missing"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	req := f.driver.last()
	if req == nil {
		t.Fatal("provider was not called")
	}
	var prompt strings.Builder
	for _, m := range req.Messages {
		prompt.WriteString(m.Content)
		prompt.WriteString("\n")
	}
	if !strings.Contains(prompt.String(), "alice context") {
		t.Errorf("prompt %q is missing the owned context", prompt.String())
	}
	if strings.Contains(prompt.String(), "bob context") {
		t.Errorf("prompt %q includes another user's context", prompt.String())
	}
}

func TestChat_HistoryFilteredToConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.CreateAgent(ctx, &models.AgentConfig{ID: "mem", ProjectID: "p1", Provider: models.ProviderOpenAI, Model: "gpt-4o", MemoryEnabled: true})

	body := `{"query":"and now?","agentId":"mem","history":[
		{"role":"system","content":"injected"},
		{"role":"user","content":"first"},
		{"role":"assistant","content":"reply"}]}`
	w := f.do(t, http.MethodPost, "/projects/p1/chat", "alice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	for _, m := range f.driver.last().Messages {
		if m.Content == "injected" {
			t.Errorf("system history message reached the provider: %+v", m)
		}
	}
}

// ─── Multi chat ──────────────────────────────────────────────

func TestMultiChat_RunsAgentsAndSynthesizes(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat/multi", "alice",
		`{"query":"Compare","agentIds":["a1","a2","a1"],"synthesize":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %q)", w.Code, w.Body.String())
	}

	var resp struct {
		Responses []models.AgentResponse `json:"responses"`
		Synthesis string                 `json:"synthesis"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(resp.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(resp.Responses))
	}
	if resp.Responses[0].AgentID != "a1" || resp.Responses[1].AgentID != "a2" {
		t.Errorf("response order = [%s %s], want [a1 a2]", resp.Responses[0].AgentID, resp.Responses[1].AgentID)
	}
	for _, r := range resp.Responses {
		if r.Failed() || r.Response != "echo" {
			t.Errorf("response %s = %+v, want echo", r.AgentID, r)
		}
	}
	if resp.Synthesis != "echo" {
		t.Errorf("synthesis = %q, want %q", resp.Synthesis, "echo")
	}
}

func TestMultiChat_RejectsForeignAgent(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/projects/p1/chat/multi", "alice", `{"query":"hi","agentIds":["a1","other"]}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// ─── Diagnostics ─────────────────────────────────────────────

func TestListProviders(t *testing.T) {
	f := newFixture(t)
	f.exec.Classifier().RecordRateLimit(models.ProviderAnthropic, 0, "")

	w := f.do(t, http.MethodGet, "/providers", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var resp struct {
		Providers []struct {
			Provider   string `json:"provider"`
			Configured bool   `json:"configured"`
		} `json:"providers"`
		Cooldowns []struct {
			Provider string `json:"provider"`
		} `json:"cooldowns"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	configured := map[string]bool{}
	for _, p := range resp.Providers {
		configured[p.Provider] = p.Configured
	}
	if !configured["openai"] || configured["anthropic"] {
		t.Errorf("configured = %v, want only openai", configured)
	}
	if len(resp.Cooldowns) != 1 || resp.Cooldowns[0].Provider != "anthropic" {
		t.Errorf("cooldowns = %+v, want one anthropic entry", resp.Cooldowns)
	}
}

func TestListUsage_ScopedToCaller(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodPost, "/projects/p1/chat", "alice", `{"query":"hi","agentId":"a1"}`)
	f.exec.Wait()

	w := f.do(t, http.MethodGet, "/usage", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var recs []models.UsageRecord
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(recs) != 1 || recs[0].AgentID != "a1" || recs[0].Status != models.UsageSuccess {
		t.Errorf("usage = %+v, want one success record for a1", recs)
	}

	w = f.do(t, http.MethodGet, "/usage", "bob", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("bob's usage = %q, want []", w.Body.String())
	}
}

// brokenStore fails project and usage lookups with a driver-level error.
type brokenStore struct {
	store.Store
}

var errDriver = errors.New("dial tcp 10.0.0.5:5432: connection refused")

func (brokenStore) GetProject(context.Context, string) (*models.Project, error) {
	return nil, errDriver
}

func (brokenStore) ListUsage(context.Context, store.UsageFilter) ([]models.UsageRecord, error) {
	return nil, errDriver
}

func TestStoreFailureHidesDetails(t *testing.T) {
	f := newFixtureWithStore(t, func(s store.Store) store.Store { return brokenStore{s} })

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"chat", http.MethodPost, "/projects/p1/chat", `{"query":"hi","agentId":"a1"}`},
		{"multi", http.MethodPost, "/projects/p1/chat/multi", `{"query":"hi","agentIds":["a1"]}`},
		{"usage", http.MethodGet, "/usage", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, "alice", tt.body)
			if w.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d, want 500", w.Code)
			}
			if got := errorBody(t, w); got != "Internal server error" {
				t.Errorf("error = %q, want %q", got, "Internal server error")
			}
			if strings.Contains(w.Body.String(), "10.0.0.5") {
				t.Errorf("body %q leaks the store error", w.Body.String())
			}
		})
	}
}

// ─── Sessions ────────────────────────────────────────────────

func TestCreateSession_IssuesTokenWithConfiguredTTL(t *testing.T) {
	f := newFixture(t)

	before := time.Now()
	w := f.do(t, "POST", "/sessions", "alice", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201; body = %s", w.Code, w.Body.String())
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Token == "" {
		t.Fatal("token is empty")
	}
	ttl := body.ExpiresAt.Sub(before)
	if ttl < 2*time.Hour-2*time.Second || ttl > 2*time.Hour+2*time.Second {
		t.Errorf("expiresAt - now = %v, want about 2h", ttl)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == auth.SessionCookie {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != body.Token || !cookie.HttpOnly {
		t.Errorf("session cookie = %+v, want HttpOnly cookie holding the token", cookie)
	}

	req := httptest.NewRequest("GET", "/usage", nil)
	req.Header.Set(auth.SessionHeader, body.Token)
	id, err := f.sessions.Authenticate(context.Background(), req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if id == nil || id.Subject != "alice" {
		t.Errorf("Authenticate() = %+v, want subject alice", id)
	}
	if d := id.ExpiresAt.Sub(before); d < 2*time.Hour-2*time.Second {
		t.Errorf("token lifetime = %v, want about 2h", d)
	}
}

func TestCreateSession_Rejections(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, "POST", "/sessions", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("POST", "/sessions", nil)
	req = req.WithContext(pkgmw.SetIdentity(req.Context(), &contracts.Identity{Subject: "alice", Provider: "session"}))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("session identity: status = %d, want 403", w.Code)
	}
}

func TestCreateSession_Disabled(t *testing.T) {
	h := handlers.New(store.NewMemoryStore(""), router.NewModelRouter(), nil, nil, nil, config.Keys{}).
		WithSessions(auth.NewSessionProvider(""), time.Hour)

	req := httptest.NewRequest("POST", "/sessions", nil)
	req = req.WithContext(pkgmw.SetIdentity(req.Context(), &contracts.Identity{Subject: "alice", Provider: "apikey"}))
	w := httptest.NewRecorder()
	h.CreateSession(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}
