// Package jobs holds the River maintenance workers.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/telestackhq/db/internal/pkg/logger"
	"github.com/telestackhq/db/internal/repository"
)

// DefaultTombstoneRetention is how long soft-deleted document rows are kept
// before the purge job hard-deletes them.
const DefaultTombstoneRetention = 30 * 24 * time.Hour

// TombstonePurgeArgs is the periodic maintenance job that hard-deletes
// long-tombstoned document rows. Events are never pruned: they are the
// workspace's version source and feed the incremental sync stream.
type TombstonePurgeArgs struct{}

// Kind returns the job kind identifier.
func (TombstonePurgeArgs) Kind() string { return "tombstone_purge" }

// InsertOpts ensures at most one purge job is enqueued within the same day.
func (TombstonePurgeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: 24 * time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// TombstonePurgeWorker removes document rows tombstoned before the retention
// cutoff.
type TombstonePurgeWorker struct {
	river.WorkerDefaults[TombstonePurgeArgs]
	store     *repository.Store
	retention time.Duration
}

// NewTombstonePurgeWorker creates a purge worker. Non-positive retention
// falls back to the 30-day default.
func NewTombstonePurgeWorker(store *repository.Store, retention time.Duration) *TombstonePurgeWorker {
	if retention <= 0 {
		retention = DefaultTombstoneRetention
	}
	return &TombstonePurgeWorker{store: store, retention: retention}
}

// Work removes expired tombstones.
func (w *TombstonePurgeWorker) Work(ctx context.Context, _ *river.Job[TombstonePurgeArgs]) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("tombstone purge worker is not initialized")
	}

	cutoff := time.Now().UTC().Add(-w.retention)
	deleted, err := w.store.PurgeTombstones(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge tombstones before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	logger.Info("tombstone purge completed",
		zap.Int64("deleted_rows", deleted),
		zap.String("cutoff", cutoff.Format(time.RFC3339)),
		zap.Duration("retention", w.retention),
	)
	return nil
}
