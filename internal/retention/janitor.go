// Package retention expires old usage records.
//
// The janitor runs as a background goroutine on a fixed interval. Each cycle
// selects usage records older than the configured TTL and either purges them
// or archives them first and purges only if every archive write succeeded.
// Archive failures are fail-safe: nothing is deleted.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marsnext/mars/internal/store"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultArchiveBatchSize is the max records per archive write.
const DefaultArchiveBatchSize = 5000

// Archiver writes expired usage records to durable storage and returns a
// URI describing where they went.
type Archiver interface {
	Kind() string
	Archive(ctx context.Context, recs []models.UsageRecord) (string, error)
}

// CycleStats tracks what happened in a single retention cycle.
type CycleStats struct {
	Cutoff   time.Time
	Archived int
	Purged   int
	URIs     []string
}

// Janitor periodically archives and purges expired usage records.
type Janitor struct {
	store     store.UsageStore
	archiver  Archiver
	ttl       time.Duration
	interval  time.Duration
	batchSize int
}

// NewJanitor creates a janitor that expires records older than ttl. A nil
// archiver purges without archiving.
func NewJanitor(s store.UsageStore, archiver Archiver, ttl, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:     s,
		archiver:  archiver,
		ttl:       ttl,
		interval:  interval,
		batchSize: DefaultArchiveBatchSize,
	}
}

// WithBatchSize overrides the archive batch size. Returns j for chaining.
func (j *Janitor) WithBatchSize(n int) *Janitor {
	if n > 0 {
		j.batchSize = n
	}
	return j
}

// Start runs the janitor until ctx is canceled. It blocks.
func (j *Janitor) Start(ctx context.Context) {
	archiver := "none"
	if j.archiver != nil {
		archiver = j.archiver.Kind()
	}
	log.Info().
		Dur("ttl", j.ttl).
		Dur("interval", j.interval).
		Str("archiver", archiver).
		Msg("🧹 Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

func (j *Janitor) runCycle(ctx context.Context) {
	start := time.Now()
	stats, err := j.RunCycle(ctx, start.UTC())
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Time("cutoff", stats.Cutoff).Msg("Retention cycle failed")
		return
	}
	if stats.Archived > 0 || stats.Purged > 0 {
		log.Info().
			Int("archived", stats.Archived).
			Int("purged", stats.Purged).
			Time("cutoff", stats.Cutoff).
			Dur("elapsed", time.Since(start)).
			Msg("Retention cycle complete")
	}
}

// RunCycle performs one sweep relative to now.
func (j *Janitor) RunCycle(ctx context.Context, now time.Time) (CycleStats, error) {
	stats := CycleStats{Cutoff: now.Add(-j.ttl)}

	if j.archiver != nil {
		if err := j.archive(ctx, &stats); err != nil {
			return stats, fmt.Errorf("archive usage: %w; skipping purge", err)
		}
	}

	n, err := j.store.PurgeUsage(ctx, stats.Cutoff)
	if err != nil {
		return stats, fmt.Errorf("purge usage: %w", err)
	}
	stats.Purged = n
	return stats, nil
}

// archive pages through expired records newest first. Each page resumes
// after the (CreatedAt, ID) of the last record of the previous one.
func (j *Janitor) archive(ctx context.Context, stats *CycleStats) error {
	filter := store.UsageFilter{Before: stats.Cutoff, Limit: j.batchSize}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := j.store.ListUsage(ctx, filter)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		uri, err := j.archiver.Archive(ctx, batch)
		if err != nil {
			log.Warn().Err(err).
				Str("archiver", j.archiver.Kind()).
				Int("batch_size", len(batch)).
				Msg("Failed to archive usage records")
			return err
		}
		stats.Archived += len(batch)
		stats.URIs = append(stats.URIs, uri)

		if len(batch) < j.batchSize {
			return nil
		}
		last := batch[len(batch)-1]
		filter.Before, filter.BeforeID = last.CreatedAt, last.ID
	}
}
