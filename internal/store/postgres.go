package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/marsnext/mars/pkg/models"
)

// PostgresStore implements Store backed by PostgreSQL.
// It accepts an externally created pool and takes ownership of it: Close
// closes the pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore using an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates all required tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature DOUBLE PRECISION,
			max_tokens INTEGER,
			memory_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS agents_project_idx ON agents(project_id)`,

		`CREATE TABLE IF NOT EXISTS context_documents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS context_documents_owner_idx ON context_documents(owner_id)`,

		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS usage_records_user_idx ON usage_records(user_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}

// ── Project Store ───────────────────────────────────────────

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, owner_id, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get project: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	stamp(&project.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO projects (id, name, owner_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, owner_id = EXCLUDED.owner_id`,
		project.ID, project.Name, project.OwnerID, project.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

const agentColumns = `id, project_id, name, provider, model, system_prompt, temperature, max_tokens, memory_enabled, created_at`

func scanAgent(row pgx.Row) (*models.AgentConfig, error) {
	var a models.AgentConfig
	var provider string
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &provider, &a.Model, &a.SystemPrompt,
		&a.Temperature, &a.MaxTokens, &a.MemoryEnabled, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Provider = models.Provider(provider)
	return &a, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*models.AgentConfig, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent *models.AgentConfig) error {
	stamp(&agent.CreatedAt)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET project_id = EXCLUDED.project_id, name = EXCLUDED.name,
		   provider = EXCLUDED.provider, model = EXCLUDED.model, system_prompt = EXCLUDED.system_prompt,
		   temperature = EXCLUDED.temperature, max_tokens = EXCLUDED.max_tokens,
		   memory_enabled = EXCLUDED.memory_enabled`,
		agent.ID, agent.ProjectID, agent.Name, string(agent.Provider), agent.Model, agent.SystemPrompt,
		agent.Temperature, agent.MaxTokens, agent.MemoryEnabled, agent.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAgents(ctx context.Context, projectID string) ([]models.AgentConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE ($1 = '' OR project_id = $1) ORDER BY id`, projectID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var result []models.AgentConfig
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// ── Context Store ───────────────────────────────────────────

func (s *PostgresStore) GetContextsByIDs(ctx context.Context, ids []string, ownerID string) ([]models.ContextDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, project_id, name, content, metadata, created_at
		 FROM context_documents WHERE id = ANY($1) AND owner_id = $2`, ids, ownerID)
	if err != nil {
		return nil, fmt.Errorf("postgres: get contexts: %w", err)
	}
	defer rows.Close()

	var docs []models.ContextDocument
	for rows.Next() {
		var d models.ContextDocument
		var meta []byte
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.ProjectID, &d.Name, &d.Content, &meta, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan context: %w", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &d.Metadata)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: get contexts: %w", err)
	}
	return orderByIDs(ids, docs), nil
}

func (s *PostgresStore) CreateContext(ctx context.Context, doc *models.ContextDocument) error {
	stamp(&doc.CreatedAt)
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("postgres: marshal context metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO context_documents (id, owner_id, project_id, name, content, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, content = EXCLUDED.content,
		   metadata = EXCLUDED.metadata`,
		doc.ID, doc.OwnerID, doc.ProjectID, doc.Name, doc.Content, meta, doc.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create context: %w", err)
	}
	return nil
}

// ── Usage Store ─────────────────────────────────────────────

func (s *PostgresStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	stamp(&rec.CreatedAt)
	var meta []byte
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("postgres: marshal usage metadata: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_records (id, user_id, project_id, agent_id, provider, model,
		   prompt_tokens, completion_tokens, total_tokens, status, duration_ms, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.UserID, rec.ProjectID, rec.AgentID, string(rec.Provider), rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, string(rec.Status), rec.DurationMs,
		meta, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: record usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.UserID != "" {
		add("user_id = $%d", filter.UserID)
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}
	if !filter.Before.IsZero() {
		if filter.BeforeID != "" {
			args = append(args, filter.Before, filter.BeforeID)
			conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
		} else {
			add("created_at < $%d", filter.Before)
		}
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.limit())

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, project_id, agent_id, provider, model, prompt_tokens, completion_tokens,
		   total_tokens, status, duration_ms, metadata, created_at
		 FROM usage_records `+where+fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list usage: %w", err)
	}
	defer rows.Close()

	var result []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var provider, status string
		var meta []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.AgentID, &provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &status, &r.DurationMs,
			&meta, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan usage: %w", err)
		}
		r.Provider = models.Provider(provider)
		r.Status = models.UsageStatus(status)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) PurgeUsage(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM usage_records WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge usage: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
