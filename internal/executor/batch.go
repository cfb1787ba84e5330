package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/marsnext/mars/internal/apierror"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency is the batch size used when none is configured.
const DefaultMaxConcurrency = 5

// TurnExecutor runs one turn to completion.
type TurnExecutor interface {
	Execute(ctx context.Context, turn *Turn) *models.AgentResponse
}

// BatchRunner runs the same query against several agents. Agents are split
// into batches of MaxConcurrency; batches run one after another and the
// agents of a batch run concurrently.
type BatchRunner struct {
	exec           TurnExecutor
	MaxConcurrency int
}

// NewBatchRunner creates a runner. maxConcurrency <= 0 selects the default.
func NewBatchRunner(exec TurnExecutor, maxConcurrency int) *BatchRunner {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &BatchRunner{exec: exec, MaxConcurrency: maxConcurrency}
}

// Run executes userMessage for every agent and returns one response per
// agent ID. template supplies the user, project, contexts and history shared
// by all turns. A failing or panicking agent never affects its siblings.
func (b *BatchRunner) Run(ctx context.Context, agents []*models.AgentConfig, userMessage string, template Turn) map[string]*models.AgentResponse {
	size := b.MaxConcurrency
	if size <= 0 {
		size = DefaultMaxConcurrency
	}

	results := make(map[string]*models.AgentResponse, len(agents))
	var mu sync.Mutex

	for start := 0; start < len(agents); start += size {
		end := min(start+size, len(agents))

		// A plain Group: one member's failure must not cancel the others.
		var g errgroup.Group
		for _, agent := range agents[start:end] {
			if agent == nil {
				continue
			}
			g.Go(func() error {
				resp := b.runOne(ctx, agent, userMessage, template)
				mu.Lock()
				results[agent.ID] = resp
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		log.Debug().
			Int("batch_start", start).
			Int("batch_size", end-start).
			Msg("Agent batch completed")
	}

	return results
}

func (b *BatchRunner) runOne(ctx context.Context, agent *models.AgentConfig, userMessage string, template Turn) (resp *models.AgentResponse) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("agent_id", agent.ID).
				Interface("panic", r).
				Msg("Agent turn panicked")
			resp = panicResponse(agent, r)
		}
	}()

	turn := template
	turn.Agent = agent
	turn.Query = userMessage

	resp = b.exec.Execute(ctx, &turn)
	if resp == nil {
		resp = panicResponse(agent, "executor returned no response")
	}
	return resp
}

func panicResponse(agent *models.AgentConfig, v interface{}) *models.AgentResponse {
	return &models.AgentResponse{
		AgentID:   agent.ID,
		AgentName: agent.DisplayName(),
		Provider:  agent.Provider,
		Model:     agent.Model,
		Response:  apierror.UserMessage(apierror.KindUnknown, agent.Provider, agent.Model),
		Error:     fmt.Sprint(v),
		ErrorKind: string(apierror.KindUnknown),
	}
}
