package runtime

import (
	"context"
	"log/slog"
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/observability"
	"server-hub/repositories"
)

type replayResult struct {
	count int
	err   error
}

// Reconciler replays, on a fresh connection, every record stored after the
// connection's acknowledgement watermark. Replay runs on the delivery loop
// of the session, so it never holds a recipient lane and live pushes queue
// behind it in the outbox.
type Reconciler struct {
	log      *slog.Logger
	store    repositories.INotificationRepository
	metrics  *observability.Metrics
	pageSize int
}

func NewReconciler(log *slog.Logger, store repositories.INotificationRepository,
	metrics *observability.Metrics, pageSize int) *Reconciler {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Reconciler{log: log, store: store, metrics: metrics, pageSize: pageSize}
}

// Reconcile asks the delivery loop of s for another replay and waits for it.
// Records the session already got are skipped, so it is safe to repeat.
func (r *Reconciler) Reconcile(ctx context.Context, s *Session) (int, error) {
	result := make(chan replayResult, 1)
	select {
	case s.replays <- result:
	case <-s.Done():
		return 0, errors.ErrUnknownConnection
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-result:
		return res.count, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// replay pages through the store from the last pushed sequence and hands
// every record to send, in order. Records are replayed whatever their scope.
func (r *Reconciler) replay(s *Session, send func(domain.NotificationRecord) error) (int, error) {
	after := s.LastPushed()
	total := 0
	defer func() { r.metrics.AddReplayed(total) }()

	for {
		page, err := r.store.ListPending(s.Context(), s.Identity(), after, r.pageSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}
		for _, record := range page {
			if s.delivered(record.Seq) {
				continue
			}
			if err = send(record); err != nil {
				return total, err
			}
			total++
		}
		after = page[len(page)-1].Seq
	}
	if total > 0 {
		r.log.Debug("Replayed pending records", "connection", s.ID(), "identity", s.Identity(), "count", total)
	}
	return total, nil
}
