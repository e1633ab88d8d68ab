package repositories

import (
	"context"
	"log/slog"
	"server-hub/domain"
	"server-hub/errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func openDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func welcome(recipient domain.Identity) domain.NewNotification {
	return domain.NewNotification{
		Recipient: recipient,
		Heading:   "Welcome",
		Message:   "Welcome to Server Hub",
	}
}

func TestNotificationRepository_Append_AssignsContiguousSequences(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)

	for i := 1; i <= 3; i++ {
		rec, err := repository.Append(ctx, welcome("alice"))
		req.NoError(err)
		req.Equal(uint64(i), rec.Seq)
		req.Equal(domain.StatePending, rec.State)
		req.False(rec.Read)
	}

	// Sequences are per recipient
	rec, err := repository.Append(ctx, welcome("bob"))
	req.NoError(err)
	req.Equal(uint64(1), rec.Seq)
}

func TestNotificationRepository_Append_ConcurrentProducersNeverShareASequence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 500)

	const producers = 50
	var wg sync.WaitGroup
	seqs := make(chan uint64, producers)
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := repository.Append(ctx, welcome("alice"))
			if err == nil {
				seqs <- rec.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	var got []uint64
	for s := range seqs {
		got = append(got, s)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	req.Len(got, producers)
	for i, s := range got {
		req.Equal(uint64(i+1), s)
	}

	// Storage order matches sequence order
	stored, err := repository.ListPending(ctx, "alice", 0, producers)
	req.NoError(err)
	req.Len(stored, producers)
	for i, rec := range stored {
		req.Equal(uint64(i+1), rec.Seq)
	}
}

func TestNotificationRepository_Append_RejectsInvalidInput(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)

	tests := []struct {
		name string
		in   domain.NewNotification
	}{
		{"missing recipient", domain.NewNotification{Heading: "h", Message: "m"}},
		{"missing heading", domain.NewNotification{Recipient: "alice", Message: "m"}},
		{"separator in recipient", domain.NewNotification{Recipient: "a/b", Heading: "h", Message: "m"}},
		{"empty scope", domain.NewNotification{Recipient: "alice", Heading: "h", Message: "m",
			Scope: lo.ToPtr(domain.TenantScope(""))}},
		{"link is not an uri", domain.NewNotification{Recipient: "alice", Heading: "h", Message: "m",
			Link: lo.ToPtr("not a link")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repository.Append(ctx, tt.in)
			require.ErrorIs(t, err, errors.ErrInvalidNotification)
		})
	}

	// Nothing was consumed from the counter
	rec, err := repository.Append(ctx, welcome("alice"))
	req.NoError(err)
	req.Equal(uint64(1), rec.Seq)
}

func TestNotificationRepository_RoundTrip_KeepsOptionalFields(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)
	at := time.Date(2026, 3, 1, 10, 0, 0, 42, time.UTC)
	repository.now = func() time.Time { return at }

	scoped, err := repository.Append(ctx, domain.NewNotification{
		Recipient: "alice",
		Scope:     lo.ToPtr(domain.TenantScope("server-1")),
		Heading:   "New member",
		Message:   "bob joined server-1",
		Link:      lo.ToPtr("https://hub.example/servers/1"),
	})
	req.NoError(err)
	plain, err := repository.Append(ctx, welcome("alice"))
	req.NoError(err)

	records, err := repository.ListPending(ctx, "alice", 0, 0)
	req.NoError(err)
	req.Equal([]domain.NotificationRecord{scoped, plain}, records)
	req.Equal(at, records[0].CreatedAt)
	req.True(records[0].HasScope())
	req.Nil(records[1].Scope)
	req.Nil(records[1].Link)
}

func TestNotificationRepository_ListPending_IsRestartableAndPaged(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 2)
	for i := 0; i < 5; i++ {
		_, err := repository.Append(ctx, welcome("alice"))
		req.NoError(err)
	}

	first, err := repository.ListPending(ctx, "alice", 0, 10)
	req.NoError(err)
	req.Len(first, 2, "page size caps the limit")

	again, err := repository.ListPending(ctx, "alice", 0, 10)
	req.NoError(err)
	req.Equal(first, again)

	next, err := repository.ListPending(ctx, "alice", first[1].Seq, 0)
	req.NoError(err)
	req.Equal([]uint64{3, 4}, lo.Map(next, func(r domain.NotificationRecord, _ int) uint64 { return r.Seq }))

	last, err := repository.ListPending(ctx, "alice", 4, 0)
	req.NoError(err)
	req.Len(last, 1)

	none, err := repository.ListPending(ctx, "alice", 5, 0)
	req.NoError(err)
	req.Empty(none)
}

func TestNotificationRepository_MarkRead_IsIdempotentAndKeepsHistory(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)
	rec, err := repository.Append(ctx, welcome("alice"))
	req.NoError(err)

	// Round trip: the record is immediately listed
	pending, err := repository.ListPending(ctx, "alice", 0, 0)
	req.NoError(err)
	req.Len(pending, 1)

	req.NoError(repository.MarkDelivered(ctx, "alice", rec.Seq))
	req.NoError(repository.MarkRead(ctx, "alice", rec.Seq))
	once, err := repository.Get(ctx, "alice", rec.Seq)
	req.NoError(err)
	req.NoError(repository.MarkRead(ctx, "alice", rec.Seq))
	twice, err := repository.Get(ctx, "alice", rec.Seq)
	req.NoError(err)
	req.Equal(once, twice)
	req.True(twice.Read)

	unread, err := repository.ListUnread(ctx, "alice", 0)
	req.NoError(err)
	req.Empty(unread)

	history, err := repository.ListPending(ctx, "alice", 0, 0)
	req.NoError(err)
	req.Len(history, 1)
	req.True(history[0].Read)
}

func TestNotificationRepository_MarkRead_UnknownSequence(t *testing.T) {
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)

	err := repository.MarkRead(context.Background(), "alice", 7)

	require.ErrorIs(t, err, errors.ErrNotificationNotFound)
}

func TestNotificationRepository_StatesOnlyMoveForward(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)
	for i := 0; i < 3; i++ {
		_, err := repository.Append(ctx, welcome("alice"))
		req.NoError(err)
	}

	req.NoError(repository.MarkDelivered(ctx, "alice", 1))
	req.NoError(repository.MarkDelivered(ctx, "alice", 2))
	req.NoError(repository.Acknowledge(ctx, "alice", 3))
	// A late delivery report does not move an acknowledged record back
	req.NoError(repository.MarkDelivered(ctx, "alice", 1))

	records, err := repository.ListPending(ctx, "alice", 0, 0)
	req.NoError(err)
	req.Equal(domain.StateAcknowledged, records[0].State)
	req.Equal(domain.StateAcknowledged, records[1].State)
	req.Equal(domain.StatePending, records[2].State, "never pushed, stays pending")

	// The watermark stops below the record nobody received
	watermark, err := repository.AckWatermark(ctx, "alice")
	req.NoError(err)
	req.Equal(uint64(2), watermark)

	// Lower acknowledgements never move the watermark down
	req.NoError(repository.Acknowledge(ctx, "alice", 1))
	watermark, err = repository.AckWatermark(ctx, "alice")
	req.NoError(err)
	req.Equal(uint64(2), watermark)
}

func TestNotificationRepository_Acknowledge_WatermarkWaitsForPendingHole(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)
	for i := 0; i < 4; i++ {
		_, err := repository.Append(ctx, welcome("alice"))
		req.NoError(err)
	}

	// Given record 1 was never pushed while 2..4 were delivered and acknowledged
	for seq := uint64(2); seq <= 4; seq++ {
		req.NoError(repository.MarkDelivered(ctx, "alice", seq))
	}
	req.NoError(repository.Acknowledge(ctx, "alice", 4))

	watermark, err := repository.AckWatermark(ctx, "alice")
	req.NoError(err)
	req.Zero(watermark)
	records, err := repository.ListPending(ctx, "alice", watermark, 0)
	req.NoError(err)
	req.Equal(uint64(1), records[0].Seq)
	req.Equal(domain.StatePending, records[0].State)

	// When the hole is finally delivered and acknowledged
	req.NoError(repository.MarkDelivered(ctx, "alice", 1))
	req.NoError(repository.Acknowledge(ctx, "alice", 1))

	// Then the watermark catches up over the records acknowledged earlier
	watermark, err = repository.AckWatermark(ctx, "alice")
	req.NoError(err)
	req.Equal(uint64(4), watermark)
}

func TestNotificationRepository_Acknowledge_IsClampedToLastSequence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)
	_, err := repository.Append(ctx, welcome("alice"))
	req.NoError(err)
	req.NoError(repository.MarkDelivered(ctx, "alice", 1))

	req.NoError(repository.Acknowledge(ctx, "alice", 10))

	watermark, err := repository.AckWatermark(ctx, "alice")
	req.NoError(err)
	req.Equal(uint64(1), watermark)
	last, err := repository.LastSeq(ctx, "alice")
	req.NoError(err)
	req.Equal(uint64(1), last)
	last, err = repository.LastSeq(ctx, "nobody")
	req.NoError(err)
	req.Zero(last)
}

func TestNotificationRepository_Archive(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	repository := NewNotificationRepository(openDB(t), slog.Default(), 0)
	old := time.Now().Add(-48 * time.Hour)
	repository.now = func() time.Time { return old }
	for i := 0; i < 2; i++ {
		_, err := repository.Append(ctx, welcome("alice"))
		req.NoError(err)
	}
	repository.now = time.Now

	// Only the first one is read and acknowledged
	req.NoError(repository.MarkDelivered(ctx, "alice", 1))
	req.NoError(repository.Acknowledge(ctx, "alice", 1))
	req.NoError(repository.MarkRead(ctx, "alice", 1))

	archived, err := repository.Archive(ctx, time.Now().Add(-24*time.Hour))
	req.NoError(err)
	req.Equal(1, archived)

	live, err := repository.ListPending(ctx, "alice", 0, 0)
	req.NoError(err)
	req.Len(live, 1)
	req.Equal(uint64(2), live[0].Seq)

	// Archived records remain readable and marking them again is a no-op
	rec, err := repository.Get(ctx, "alice", 1)
	req.NoError(err)
	req.True(rec.Read)
	req.NoError(repository.MarkRead(ctx, "alice", 1))

	// Numbering continues after archiving
	next, err := repository.Append(ctx, welcome("alice"))
	req.NoError(err)
	req.Equal(uint64(3), next.Seq)
}

func TestNotificationRepository_ClosedStoreIsUnavailable(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	repository := NewNotificationRepository(db, slog.Default(), 0)
	req.NoError(db.Close())

	_, err = repository.Append(context.Background(), welcome("alice"))

	req.ErrorIs(err, errors.ErrStoreUnavailable)
	req.True(errors.IsRetryable(err))
}

func TestParseRecordKey(t *testing.T) {
	req := require.New(t)

	recipient, seq, ok := ParseRecordKey(recordKey(notificationPrefix, "alice", 42))
	req.True(ok)
	req.Equal(domain.Identity("alice"), recipient)
	req.Equal(uint64(42), seq)

	_, _, ok = ParseRecordKey([]byte("seq/alice"))
	req.False(ok)
}
