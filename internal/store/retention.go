package store

import (
	"context"
	"log/slog"
	"time"
)

// RetentionWindow is how long update-log batches are kept before the
// sweeper prunes them; clients that have been offline longer than this
// fall back to a full resync instead of gap recovery (spec.md §4.4, Open
// Question resolved in DESIGN.md).
const RetentionWindow = 48 * time.Hour

// retentionSweepInterval is how often the sweeper runs.
const retentionSweepInterval = 15 * time.Minute

// RetentionSweeper periodically prunes update-log rows older than
// RetentionWindow so the durable log doesn't grow without bound.
type RetentionSweeper struct {
	store *Store
	log   *slog.Logger
	clock func() time.Time
}

// NewRetentionSweeper builds a sweeper bound to s.
func NewRetentionSweeper(s *Store, log *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{store: s, log: log, clock: time.Now}
}

// Run blocks, sweeping every retentionSweepInterval until ctx is canceled.
func (r *RetentionSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *RetentionSweeper) sweepOnce(ctx context.Context) {
	cutoff := r.clock().Add(-RetentionWindow)
	n, err := r.store.PruneUpdateLog(ctx, cutoff)
	if err != nil {
		r.log.Error("retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("retention sweep pruned update log rows", "count", n, "cutoff", cutoff)
	}
}
