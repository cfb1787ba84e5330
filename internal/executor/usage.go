package executor

import (
	"context"
	"sync"

	"github.com/marsnext/mars/pkg/contracts"
	"github.com/marsnext/mars/pkg/models"
	"github.com/rs/zerolog/log"
)

// AsyncRecorder writes usage records on background goroutines so the turn
// never waits on storage. Write failures are logged and dropped.
type AsyncRecorder struct {
	next contracts.UsageRecorder
	wg   sync.WaitGroup
}

// NewAsyncRecorder wraps next. A nil next discards every record.
func NewAsyncRecorder(next contracts.UsageRecorder) *AsyncRecorder {
	return &AsyncRecorder{next: next}
}

// RecordUsage schedules the write and returns immediately.
func (r *AsyncRecorder) RecordUsage(ctx context.Context, rec *models.UsageRecord) error {
	if r == nil || r.next == nil {
		return nil
	}

	// The request may finish before the write does.
	ctx = context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.next.RecordUsage(ctx, rec); err != nil {
			log.Warn().Err(err).
				Str("provider", string(rec.Provider)).
				Str("model", rec.Model).
				Str("status", string(rec.Status)).
				Msg("Failed to record usage")
		}
	}()
	return nil
}

// Wait blocks until every scheduled write has finished.
func (r *AsyncRecorder) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}
