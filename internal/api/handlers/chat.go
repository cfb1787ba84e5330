package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/marsnext/mars/internal/executor"
	"github.com/marsnext/mars/internal/sse"
	"github.com/marsnext/mars/internal/synthesis"
	pkgmw "github.com/marsnext/mars/pkg/middleware"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

type chatRequest struct {
	Query      string               `json:"query"`
	AgentID    string               `json:"agentId"`
	ContextIDs []string             `json:"contextIds"`
	History    []models.ChatMessage `json:"history"`
}

type multiChatRequest struct {
	Query      string               `json:"query"`
	AgentIDs   []string             `json:"agentIds"`
	ContextIDs []string             `json:"contextIds"`
	History    []models.ChatMessage `json:"history"`
	Synthesize bool                 `json:"synthesize"`
}

type multiChatResponse struct {
	Responses []*models.AgentResponse `json:"responses"`
	Synthesis string                  `json:"synthesis,omitempty"`
}

// Chat runs one agent turn and streams it back as Server-Sent Events.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	userID := pkgmw.UserID(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.AgentID == "" {
		respondError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	projectID := chi.URLParam(r, "projectId")
	if !h.authorizeProject(w, r, projectID, userID) {
		return
	}

	agent, ok := h.projectAgent(w, r, projectID, req.AgentID)
	if !ok {
		return
	}

	contexts, err := h.ownedContexts(r, req.ContextIDs, userID)
	if err != nil {
		respondInternalError(w, r, err, "load contexts")
		return
	}

	turn := &executor.Turn{
		UserID:    userID,
		ProjectID: projectID,
		Agent:     agent,
		Query:     req.Query,
		Contexts:  contexts,
		History:   conversationHistory(req.History),
	}

	log.Info().
		Str("project", projectID).
		Str("agent", agent.ID).
		Str("provider", string(agent.Provider)).
		Int("contexts", len(contexts)).
		Int("history", len(turn.History)).
		Msg("Streaming agent turn")

	err = sse.Write(w, r, sse.Infallible(h.Executor.Stream(r.Context(), turn)))
	if errors.Is(err, sse.ErrStreamingUnsupported) {
		respondError(w, http.StatusInternalServerError, "Streaming unsupported")
	}
}

// MultiChat runs the same query against several agents of a project and
// optionally synthesizes their answers.
func (h *Handlers) MultiChat(w http.ResponseWriter, r *http.Request) {
	userID := pkgmw.UserID(r.Context())
	if userID == "" {
		respondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req multiChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	if len(req.AgentIDs) == 0 {
		respondError(w, http.StatusBadRequest, "agentIds is required")
		return
	}

	projectID := chi.URLParam(r, "projectId")
	if !h.authorizeProject(w, r, projectID, userID) {
		return
	}

	var agents []*models.AgentConfig
	seen := make(map[string]bool, len(req.AgentIDs))
	for _, id := range req.AgentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		agent, ok := h.projectAgent(w, r, projectID, id)
		if !ok {
			return
		}
		agents = append(agents, agent)
	}

	contexts, err := h.ownedContexts(r, req.ContextIDs, userID)
	if err != nil {
		respondInternalError(w, r, err, "load contexts")
		return
	}

	template := executor.Turn{
		UserID:    userID,
		ProjectID: projectID,
		Contexts:  contexts,
		History:   conversationHistory(req.History),
	}
	results := h.Batch.Run(r.Context(), agents, req.Query, template)

	resp := multiChatResponse{Responses: make([]*models.AgentResponse, 0, len(agents))}
	for _, a := range agents {
		resp.Responses = append(resp.Responses, results[a.ID])
	}
	if req.Synthesize {
		resp.Synthesis = h.Synthesizer.Synthesize(r.Context(), resp.Responses, req.Query,
			synthesis.Scope{UserID: userID, ProjectID: projectID})
	}

	respondJSON(w, http.StatusOK, resp)
}

// authorizeProject writes 404 or 403 and returns false unless userID owns
// the project.
func (h *Handlers) authorizeProject(w http.ResponseWriter, r *http.Request, projectID, userID string) bool {
	project, err := h.Store.GetProject(r.Context(), projectID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "Project not found")
		return false
	}
	if err != nil {
		respondInternalError(w, r, err, "get project")
		return false
	}
	if project.OwnerID != userID {
		log.Warn().Str("project", projectID).Str("user", userID).Msg("Project access denied")
		respondError(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

// projectAgent loads agentID and writes 404 unless it belongs to projectID.
func (h *Handlers) projectAgent(w http.ResponseWriter, r *http.Request, projectID, agentID string) (*models.AgentConfig, bool) {
	agent, err := h.Store.GetAgent(r.Context(), agentID)
	if isNotFound(err) {
		respondError(w, http.StatusNotFound, "Agent not found")
		return nil, false
	}
	if err != nil {
		respondInternalError(w, r, err, "get agent")
		return nil, false
	}
	if agent.ProjectID != projectID {
		respondError(w, http.StatusNotFound, "Agent not found")
		return nil, false
	}
	return agent, true
}

// ownedContexts re-fetches the requested context documents scoped to the
// caller. Ids the caller does not own are dropped with a warning.
func (h *Handlers) ownedContexts(r *http.Request, ids []string, userID string) ([]models.ContextDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	docs, err := h.Store.GetContextsByIDs(r.Context(), ids, userID)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool, len(docs))
	for _, d := range docs {
		found[d.ID] = true
	}
	var dropped []string
	for _, id := range ids {
		if !found[id] {
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		log.Warn().
			Str("user", userID).
			Strs("context_ids", dropped).
			Msg("Ignoring context documents not owned by the caller")
	}
	return docs, nil
}

// conversationHistory keeps the user and assistant turns of history.
func conversationHistory(history []models.ChatMessage) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}
