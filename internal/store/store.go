// Package store provides the storage interface and implementations for the
// MARS turn service: an in-memory store with JSON snapshots for local use,
// PostgreSQL for production and SQLite for single-node deployments.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/marsnext/mars/pkg/models"
)

// Store is the primary storage interface. Handlers and the executor depend
// on it, so implementations can be swapped at wiring time.
type Store interface {
	ProjectStore
	AgentStore
	ContextStore
	UsageStore

	// Ping checks if the database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates the schema. It is idempotent.
	Migrate(ctx context.Context) error
}

// ── Project Store ───────────────────────────────────────────

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, project *models.Project) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*models.AgentConfig, error)
	CreateAgent(ctx context.Context, agent *models.AgentConfig) error
	ListAgents(ctx context.Context, projectID string) ([]models.AgentConfig, error)
}

// ── Context Store ───────────────────────────────────────────

type ContextStore interface {
	// GetContextsByIDs returns the documents among ids that ownerID owns,
	// in the order of ids. Unknown and foreign ids are skipped silently.
	GetContextsByIDs(ctx context.Context, ids []string, ownerID string) ([]models.ContextDocument, error)
	CreateContext(ctx context.Context, doc *models.ContextDocument) error
}

// ── Usage Store ─────────────────────────────────────────────

// UsageStore is append-only. Records are never updated; PurgeUsage only
// removes records past retention.
type UsageStore interface {
	RecordUsage(ctx context.Context, rec *models.UsageRecord) error
	ListUsage(ctx context.Context, filter UsageFilter) ([]models.UsageRecord, error)
	// PurgeUsage deletes records created before the cutoff and returns how
	// many were removed.
	PurgeUsage(ctx context.Context, before time.Time) (int, error)
}

// UsageFilter narrows ListUsage. Results are ordered by CreatedAt then ID,
// newest first.
type UsageFilter struct {
	UserID    string
	ProjectID string
	// Before keeps records created strictly before it. Zero means no bound.
	Before time.Time
	// BeforeID, together with Before, also keeps records created exactly at
	// Before whose ID sorts below it. Passing the last record of a page as
	// (Before, BeforeID) yields the next page without gaps.
	BeforeID string
	Limit    int
}

// DefaultUsageLimit caps ListUsage when the filter sets no limit.
const DefaultUsageLimit = 100

func (f UsageFilter) limit() int {
	if f.Limit <= 0 {
		return DefaultUsageLimit
	}
	return f.Limit
}

func (f UsageFilter) matches(rec *models.UsageRecord) bool {
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	if f.ProjectID != "" && rec.ProjectID != f.ProjectID {
		return false
	}
	if !f.Before.IsZero() && !rec.CreatedAt.Before(f.Before) {
		if f.BeforeID == "" || !rec.CreatedAt.Equal(f.Before) || rec.ID >= f.BeforeID {
			return false
		}
	}
	return true
}

// compareUsage orders records by CreatedAt, then ID.
func compareUsage(a, b *models.UsageRecord) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// orderByIDs arranges docs in the order of ids, dropping duplicates.
func orderByIDs(ids []string, docs []models.ContextDocument) []models.ContextDocument {
	byID := make(map[string]models.ContextDocument, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]models.ContextDocument, 0, len(docs))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, d)
	}
	return out
}

// stamp fills CreatedAt when unset.
func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}
