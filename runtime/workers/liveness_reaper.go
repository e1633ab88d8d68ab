package workers

import (
	"context"
	"log/slog"
	"server-hub/domain"
	"time"
)

// ConnectionReaper is the part of the registry the reaper needs.
type ConnectionReaper interface {
	Expired(cutoff time.Time) []domain.ConnectionID
	Deregister(id domain.ConnectionID)
}

// LivenessReaperWorker deregisters connections silent for longer than
// timeout. Pongs, acknowledgements and client frames count as activity.
type LivenessReaperWorker struct {
	log      *slog.Logger
	registry ConnectionReaper
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewLivenessReaperWorker(log *slog.Logger, registry ConnectionReaper, timeout time.Duration) *LivenessReaperWorker {
	return &LivenessReaperWorker{
		log:      log,
		registry: registry,
		timeout:  timeout,
		interval: max(timeout/2, 10*time.Millisecond),
		now:      time.Now,
	}
}

func (w *LivenessReaperWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.reap()
		}
	}
}

func (w *LivenessReaperWorker) reap() int {
	expired := w.registry.Expired(w.now().UTC().Add(-w.timeout))
	for _, id := range expired {
		w.registry.Deregister(id)
	}
	if len(expired) > 0 {
		w.log.Info("Idle connections reaped", "count", len(expired))
	}
	return len(expired)
}
