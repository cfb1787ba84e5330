// In-memory Store implementation.
// Used for local development and tests. Supports file-based snapshot
// persistence so seeded projects, agents and contexts survive restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Projects map[string]*models.Project         `json:"projects"`
	Agents   map[string]*models.AgentConfig     `json:"agents"`
	Contexts map[string]*models.ContextDocument `json:"contexts"`
	Usage    []*models.UsageRecord              `json:"usage"`
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*models.Project         // key: id
	agents   map[string]*models.AgentConfig     // key: id
	contexts map[string]*models.ContextDocument // key: id
	usage    []*models.UsageRecord              // sorted by CreatedAt, then ID

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
	closeOnce    sync.Once
}

// NewMemoryStore creates a new in-memory store. When dataDir is set, data is
// persisted to dataDir/data.json.
func NewMemoryStore(dataDir string) *MemoryStore {
	m := &MemoryStore{
		projects: make(map[string]*models.Project),
		agents:   make(map[string]*models.AgentConfig),
		contexts: make(map[string]*models.ContextDocument),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data (debounced).
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Projects: m.projects,
		Agents:   m.agents,
		Contexts: m.contexts,
		Usage:    m.usage,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Int("bytes", len(data)).Msg("Snapshot saved")
}

// loadSnapshot reads persisted data from disk into memory.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Projects != nil {
		m.projects = snap.Projects
	}
	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Contexts != nil {
		m.contexts = snap.Contexts
	}
	m.usage = snap.Usage
	slices.SortFunc(m.usage, compareUsage)

	log.Info().
		Str("path", m.snapshotPath).
		Int("projects", len(m.projects)).
		Int("agents", len(m.agents)).
		Int("contexts", len(m.contexts)).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.doneCh)
		if m.snapshotPath != "" {
			log.Info().Msg("Flushing final snapshot before shutdown...")
			m.saveSnapshot()
		}
		log.Info().Msg("Memory store closed")
	})
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Project Store ───────────────────────────────────────────

func (m *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProject(_ context.Context, project *models.Project) error {
	cp := *project
	stamp(&cp.CreatedAt)
	m.mu.Lock()
	m.projects[cp.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.AgentConfig) error {
	cp := *agent
	stamp(&cp.CreatedAt)
	m.mu.Lock()
	m.agents[cp.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context, projectID string) ([]models.AgentConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.AgentConfig
	for _, a := range m.agents {
		if a.ProjectID == projectID || projectID == "" {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ── Context Store ───────────────────────────────────────────

func (m *MemoryStore) GetContextsByIDs(_ context.Context, ids []string, ownerID string) ([]models.ContextDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found []models.ContextDocument
	for _, id := range ids {
		d, ok := m.contexts[id]
		if !ok || d.OwnerID != ownerID {
			continue
		}
		found = append(found, *d)
	}
	return orderByIDs(ids, found), nil
}

func (m *MemoryStore) CreateContext(_ context.Context, doc *models.ContextDocument) error {
	cp := *doc
	stamp(&cp.CreatedAt)
	m.mu.Lock()
	m.contexts[cp.ID] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Usage Store ─────────────────────────────────────────────

func (m *MemoryStore) RecordUsage(_ context.Context, rec *models.UsageRecord) error {
	cp := *rec
	stamp(&cp.CreatedAt)
	m.mu.Lock()
	// Keep the log sorted so PurgeUsage can cut a prefix.
	i := sort.Search(len(m.usage), func(i int) bool {
		return compareUsage(m.usage[i], &cp) > 0
	})
	m.usage = slices.Insert(m.usage, i, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListUsage(_ context.Context, filter UsageFilter) ([]models.UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := filter.limit()
	var result []models.UsageRecord
	for i := len(m.usage) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.matches(m.usage[i]) {
			result = append(result, *m.usage[i])
		}
	}
	return result, nil
}

func (m *MemoryStore) PurgeUsage(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	n := sort.Search(len(m.usage), func(i int) bool {
		return !m.usage[i].CreatedAt.Before(before)
	})
	if n > 0 {
		m.usage = append([]*models.UsageRecord(nil), m.usage[n:]...)
	}
	m.mu.Unlock()

	if n > 0 {
		m.requestSave()
	}
	return n, nil
}
