package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore implements Store backed by a local SQLite file.
// Timestamps are stored as Unix nanoseconds and metadata as JSON text.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the SQLite file at path. All goroutines share one
// connection so concurrent writers never hit SQLITE_BUSY.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	log.Debug().Str("path", path).Msg("SQLite store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Migrate creates all required tables. Safe to call multiple times.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			system_prompt TEXT NOT NULL DEFAULT '',
			temperature REAL,
			max_tokens INTEGER,
			memory_enabled INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS context_documents (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlite: create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_agents_project ON agents(project_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_contexts_owner ON context_documents(owner_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_usage_user ON usage_records(user_id, created_at)`)
	return nil
}

// ── Project Store ───────────────────────────────────────────

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get project: %w", err)
	}
	p.CreatedAt = fromUnix(created)
	return &p, nil
}

func (s *SQLiteStore) CreateProject(ctx context.Context, project *models.Project) error {
	stamp(&project.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO projects (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		project.ID, project.Name, project.OwnerID, project.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create project: %w", err)
	}
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAgent(row rowScanner) (*models.AgentConfig, error) {
	var a models.AgentConfig
	var provider string
	var temp sql.NullFloat64
	var maxTokens sql.NullInt64
	var created int64
	err := row.Scan(&a.ID, &a.ProjectID, &a.Name, &provider, &a.Model, &a.SystemPrompt,
		&temp, &maxTokens, &a.MemoryEnabled, &created)
	if err != nil {
		return nil, err
	}
	a.Provider = models.Provider(provider)
	if temp.Valid {
		a.Temperature = &temp.Float64
	}
	if maxTokens.Valid {
		n := int(maxTokens.Int64)
		a.MaxTokens = &n
	}
	a.CreatedAt = fromUnix(created)
	return &a, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.AgentConfig, error) {
	a, err := scanSQLiteAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *models.AgentConfig) error {
	stamp(&agent.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.ProjectID, agent.Name, string(agent.Provider), agent.Model, agent.SystemPrompt,
		agent.Temperature, agent.MaxTokens, agent.MemoryEnabled, agent.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create agent: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context, projectID string) ([]models.AgentConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE (? = '' OR project_id = ?) ORDER BY id`, projectID, projectID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer rows.Close()

	var result []models.AgentConfig
	for rows.Next() {
		a, err := scanSQLiteAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

// ── Context Store ───────────────────────────────────────────

func (s *SQLiteStore) GetContextsByIDs(ctx context.Context, ids []string, ownerID string) ([]models.ContextDocument, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, ownerID)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, project_id, name, content, metadata, created_at
		 FROM context_documents WHERE id IN (`+placeholders+`) AND owner_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get contexts: %w", err)
	}
	defer rows.Close()

	var docs []models.ContextDocument
	for rows.Next() {
		var d models.ContextDocument
		var meta sql.NullString
		var created int64
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.ProjectID, &d.Name, &d.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan context: %w", err)
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &d.Metadata)
		}
		d.CreatedAt = fromUnix(created)
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: get contexts: %w", err)
	}
	return orderByIDs(ids, docs), nil
}

func (s *SQLiteStore) CreateContext(ctx context.Context, doc *models.ContextDocument) error {
	stamp(&doc.CreatedAt)
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("sqlite: marshal context metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO context_documents (id, owner_id, project_id, name, content, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.ProjectID, doc.Name, doc.Content, string(meta), doc.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: create context: %w", err)
	}
	return nil
}

// ── Usage Store ─────────────────────────────────────────────

func (s *SQLiteStore) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	stamp(&rec.CreatedAt)
	var meta *string
	if len(rec.Metadata) > 0 {
		data, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("sqlite: marshal usage metadata: %w", err)
		}
		str := string(data)
		meta = &str
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, user_id, project_id, agent_id, provider, model,
		   prompt_tokens, completion_tokens, total_tokens, status, duration_ms, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.ProjectID, rec.AgentID, string(rec.Provider), rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, string(rec.Status), rec.DurationMs,
		meta, rec.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: record usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	var conds []string
	var args []any
	if filter.UserID != "" {
		conds, args = append(conds, "user_id = ?"), append(args, filter.UserID)
	}
	if filter.ProjectID != "" {
		conds, args = append(conds, "project_id = ?"), append(args, filter.ProjectID)
	}
	if !filter.Before.IsZero() {
		if filter.BeforeID != "" {
			before := filter.Before.UnixNano()
			conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
			args = append(args, before, before, filter.BeforeID)
		} else {
			conds, args = append(conds, "created_at < ?"), append(args, filter.Before.UnixNano())
		}
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.limit())

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, project_id, agent_id, provider, model, prompt_tokens, completion_tokens,
		   total_tokens, status, duration_ms, metadata, created_at
		 FROM usage_records `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list usage: %w", err)
	}
	defer rows.Close()

	var result []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var provider, status string
		var meta sql.NullString
		var created int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.AgentID, &provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &status, &r.DurationMs,
			&meta, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan usage: %w", err)
		}
		r.Provider = models.Provider(provider)
		r.Status = models.UsageStatus(status)
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &r.Metadata)
		}
		r.CreatedAt = fromUnix(created)
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) PurgeUsage(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_records WHERE created_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge usage: %w", err)
	}
	return int(n), nil
}

func fromUnix(nanos int64) time.Time {
	return time.Unix(0, nanos).UTC()
}
