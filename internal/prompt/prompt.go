// Package prompt builds the ordered message list sent to a provider for one
// agent turn.
package prompt

import (
	"strings"

	"github.com/marsnext/mars/pkg/models"
)

const (
	// DefaultContextBudget is the maximum number of characters of rendered
	// context documents included in a prompt.
	DefaultContextBudget = 16000

	// TruncationMarker is appended when the context exceeded the budget.
	TruncationMarker = "\n\n[... Context truncated ...]"

	// ContextHeader prefixes the context system message.
	ContextHeader = "Relevant Context Document(s):\n"

	contextSeparator = "\n\n---\n\n"
)

// Assembler builds prompts with a fixed context budget.
type Assembler struct {
	Budget int
}

// New returns an Assembler using budget, or DefaultContextBudget when
// budget is not positive.
func New(budget int) *Assembler {
	if budget <= 0 {
		budget = DefaultContextBudget
	}
	return &Assembler{Budget: budget}
}

// Assemble uses the default budget.
func Assemble(agent *models.AgentConfig, query string, contexts []models.ContextDocument, history []models.ChatMessage) []models.ChatMessage {
	return New(DefaultContextBudget).Assemble(agent, query, contexts, history)
}

// Assemble returns the messages for one turn: the agent's system prompt,
// the rendered context, the history when the agent has memory enabled, and
// finally the query. Inputs are never modified.
func (a *Assembler) Assemble(agent *models.AgentConfig, query string, contexts []models.ContextDocument, history []models.ChatMessage) []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(history)+3)

	if agent.SystemPrompt != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: agent.SystemPrompt})
	}

	if rendered := a.RenderContexts(contexts); rendered != "" {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: ContextHeader + rendered})
	}

	if agent.MemoryEnabled && len(history) > 0 {
		msgs = append(msgs, history...)
	}

	return append(msgs, models.ChatMessage{Role: models.RoleUser, Content: query})
}

// RenderContexts joins the documents in order and cuts the result to the
// budget, appending TruncationMarker when anything was dropped.
func (a *Assembler) RenderContexts(contexts []models.ContextDocument) string {
	if len(contexts) == 0 {
		return ""
	}

	parts := make([]string, 0, len(contexts))
	for _, c := range contexts {
		label := c.Name
		if label == "" {
			label = c.ID
		}
		parts = append(parts, label+"\nContent:\n"+c.Content)
	}
	joined := strings.Join(parts, contextSeparator)

	runes := []rune(joined)
	if len(runes) <= a.Budget {
		return joined
	}
	return string(runes[:a.Budget]) + TruncationMarker
}
