package models

import (
	"time"
)

// ── Providers ────────────────────────────────────────────────

type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
	ProviderDeepSeek  Provider = "deepseek"
)

// KnownProviders lists every provider the service can be configured for.
var KnownProviders = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderGoogle,
	ProviderXAI,
	ProviderDeepSeek,
}

// Valid reports whether p is one of the known providers.
func (p Provider) Valid() bool {
	for _, k := range KnownProviders {
		if p == k {
			return true
		}
	}
	return false
}

// ── Projects & Agents ────────────────────────────────────────

type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentConfig is an agent as the turn pipeline sees it. It is read-only for
// the duration of a turn.
type AgentConfig struct {
	ID            string    `json:"id"`
	ProjectID     string    `json:"project_id"`
	Name          string    `json:"name"`
	Provider      Provider  `json:"provider"`
	Model         string    `json:"model"`
	SystemPrompt  string    `json:"system_prompt,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	MaxTokens     *int      `json:"max_tokens,omitempty"`
	MemoryEnabled bool      `json:"memory_enabled"`
	CreatedAt     time.Time `json:"created_at"`
}

// DisplayName returns the agent name, or its id when unnamed.
func (a *AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// ── Context Documents ────────────────────────────────────────

type ContextMetadata struct {
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

type ContextDocument struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	ProjectID string          `json:"project_id,omitempty"`
	Name      string          `json:"name"`
	Content   string          `json:"content"`
	Metadata  ContextMetadata `json:"metadata"`
	CreatedAt time.Time       `json:"created_at"`
}

// ── Chat ─────────────────────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// AgentStep records one agent's contribution to an assistant message.
type AgentStep struct {
	AgentID   string `json:"agentId"`
	AgentName string `json:"agentName,omitempty"`
	Model     string `json:"model,omitempty"`
	Content   string `json:"content"`
	Error     string `json:"error,omitempty"`
}

type ChatMessage struct {
	Role    Role        `json:"role"`
	Content string      `json:"content"`
	ID      string      `json:"id,omitempty"`
	Steps   []AgentStep `json:"steps,omitempty"`
}

// ── Response Chunks ──────────────────────────────────────────

type ChunkType string

const (
	ChunkTypeContent  ChunkType = "content"
	ChunkTypeMetadata ChunkType = "metadata"
	ChunkTypeError    ChunkType = "error"
)

// FinishReasonUnknown is reported when the provider never signals one.
const (
	FinishReasonUnknown = "unknown"
	FinishReasonError   = "error"
)

type TokenUsage struct {
	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`
}

type FallbackInfo struct {
	OriginalProvider Provider `json:"originalProvider"`
	OriginalModel    string   `json:"originalModel"`
	Reason           string   `json:"reason"`
}

// ChunkMetadata terminates every turn. Usage is nil when the turn failed.
type ChunkMetadata struct {
	Usage        *TokenUsage   `json:"usage"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finishReason"`
	Error        *string       `json:"error"`
	FallbackUsed *FallbackInfo `json:"fallbackUsed,omitempty"`
}

// AgentResponseChunk is one frame of a streamed turn.
type AgentResponseChunk struct {
	Type     ChunkType      `json:"type"`
	AgentID  string         `json:"agentId"`
	Content  string         `json:"content,omitempty"`
	Error    string         `json:"error,omitempty"`
	Metadata *ChunkMetadata `json:"metadata,omitempty"`
}

// ContentChunk builds a content delta chunk.
func ContentChunk(agentID, delta string) AgentResponseChunk {
	return AgentResponseChunk{Type: ChunkTypeContent, AgentID: agentID, Content: delta}
}

// ErrorChunk builds a terminal error chunk.
func ErrorChunk(agentID, msg string) AgentResponseChunk {
	return AgentResponseChunk{Type: ChunkTypeError, AgentID: agentID, Error: msg}
}

// MetadataChunk builds the closing metadata chunk.
func MetadataChunk(agentID string, md ChunkMetadata) AgentResponseChunk {
	return AgentResponseChunk{Type: ChunkTypeMetadata, AgentID: agentID, Metadata: &md}
}

// AgentResponse is the structured result of a non-streamed turn. Response
// always holds displayable text, including on failure.
type AgentResponse struct {
	AgentID      string        `json:"agentId"`
	AgentName    string        `json:"agentName"`
	Provider     Provider      `json:"provider"`
	Model        string        `json:"model"`
	Response     string        `json:"response"`
	Usage        *TokenUsage   `json:"usage,omitempty"`
	DurationMs   int64         `json:"durationMs"`
	Error        string        `json:"error,omitempty"`
	ErrorKind    string        `json:"errorKind,omitempty"`
	FallbackUsed *FallbackInfo `json:"fallbackUsed,omitempty"`
}

// Failed reports whether the turn ended in an error.
func (r *AgentResponse) Failed() bool {
	return r.Error != ""
}

// ── Usage Accounting ─────────────────────────────────────────

type UsageStatus string

const (
	UsageSuccess UsageStatus = "success"
	UsageError   UsageStatus = "error"
)

// UsageRecord is append-only; it is written once per provider attempt or
// synthesis call and never updated.
type UsageRecord struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"user_id"`
	ProjectID        string                 `json:"project_id,omitempty"`
	AgentID          string                 `json:"agent_id,omitempty"`
	Provider         Provider               `json:"provider"`
	Model            string                 `json:"model"`
	PromptTokens     int64                  `json:"prompt_tokens"`
	CompletionTokens int64                  `json:"completion_tokens"`
	TotalTokens      int64                  `json:"total_tokens"`
	Status           UsageStatus            `json:"status"`
	DurationMs       int64                  `json:"duration_ms"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ── Model Routing ────────────────────────────────────────────

type RouteRequest struct {
	Provider    Provider      `json:"provider"`
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	APIKey      string        `json:"-"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type RouteResponse struct {
	Provider     Provider   `json:"provider"`
	Model        string     `json:"model"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
	LatencyMs    int64      `json:"latency_ms"`
}

// StreamChunk is a single delta from a streaming model response. The final
// chunk has Done set and carries usage when the provider reported it.
type StreamChunk struct {
	Content      string      `json:"content,omitempty"`
	Done         bool        `json:"done"`
	Model        string      `json:"model,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// ApproxTokens estimates a token count from text length.
func ApproxTokens(text string) int64 {
	return int64(len(text) / 4)
}

// ApproxUsage estimates usage when the provider does not report it.
func ApproxUsage(messages []ChatMessage, completion string) TokenUsage {
	var prompt int64
	for _, m := range messages {
		prompt += ApproxTokens(m.Content)
	}
	c := ApproxTokens(completion)
	return TokenUsage{PromptTokens: prompt, CompletionTokens: c, TotalTokens: prompt + c}
}
