package workers

import (
	"context"
	"errors"
	"log/slog"
	"server-hub/domain"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	mu           sync.Mutex
	lastSeen     map[domain.ConnectionID]time.Time
	deregistered []domain.ConnectionID
}

func (f *fakeRegistry) Expired(cutoff time.Time) []domain.ConnectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []domain.ConnectionID
	for id, at := range f.lastSeen {
		if at.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeRegistry) Deregister(id domain.ConnectionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.lastSeen, id)
	f.deregistered = append(f.deregistered, id)
}

func TestLivenessReaper_DeregistersIdleConnectionsOnly(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	registry := &fakeRegistry{lastSeen: map[domain.ConnectionID]time.Time{
		"idle":   now.Add(-2 * time.Minute),
		"active": now.Add(-10 * time.Second),
	}}
	worker := NewLivenessReaperWorker(slog.Default(), registry, time.Minute)
	worker.now = func() time.Time { return now }

	req.Equal(1, worker.reap())
	req.Equal([]domain.ConnectionID{"idle"}, registry.deregistered)
	req.Zero(worker.reap())
}

func TestLivenessReaper_StopsWithContext(t *testing.T) {
	registry := &fakeRegistry{lastSeen: map[domain.ConnectionID]time.Time{}}
	worker := NewLivenessReaperWorker(slog.Default(), registry, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, worker.Run(ctx))
}

type fakeArchiver struct {
	olderThan time.Time
	archived  int
	err       error
}

func (f *fakeArchiver) Archive(_ context.Context, olderThan time.Time) (int, error) {
	f.olderThan = olderThan
	return f.archived, f.err
}

func TestRetentionWorker_Sweep(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeArchiver{archived: 3}
	worker := NewRetentionWorker(slog.Default(), store, nil, 24*time.Hour, time.Hour)
	worker.now = func() time.Time { return now }

	req.NoError(worker.sweep(context.Background()))
	req.Equal(now.Add(-24*time.Hour), store.olderThan)

	store.err = errors.New("store unavailable")
	req.Error(worker.sweep(context.Background()))
}
