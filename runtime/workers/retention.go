package workers

import (
	"context"
	"log/slog"
	"server-hub/observability"
	"time"
)

type Archiver interface {
	Archive(ctx context.Context, olderThan time.Time) (int, error)
}

// RetentionWorker periodically moves read and acknowledged records older
// than the retention period out of the live keyspace.
type RetentionWorker struct {
	log      *slog.Logger
	store    Archiver
	metrics  *observability.Metrics
	period   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewRetentionWorker(log *slog.Logger, store Archiver, metrics *observability.Metrics,
	period, interval time.Duration) *RetentionWorker {
	return &RetentionWorker{
		log:      log,
		store:    store,
		metrics:  metrics,
		period:   period,
		interval: interval,
		now:      time.Now,
	}
}

// Run returns the store error so that the supervisor restarts the worker.
func (w *RetentionWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				return err
			}
		}
	}
}

func (w *RetentionWorker) sweep(ctx context.Context) error {
	archived, err := w.store.Archive(ctx, w.now().Add(-w.period))
	if err != nil {
		return err
	}
	w.metrics.AddArchived(archived)
	if archived > 0 {
		w.log.Info("Records archived", "count", archived, "retention", w.period)
	}
	return nil
}
