package sink

import (
	"context"
	"log/slog"
	"server-hub/domain"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func newIndex(t *testing.T) *SearchIndex {
	t.Helper()
	index, err := NewSearchIndex(bluge.InMemoryOnlyConfig(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	return index
}

func record(recipient domain.Identity, seq uint64, scope *domain.TenantScope, heading, message string) domain.NotificationRecord {
	return domain.NotificationRecord{
		Seq:       seq,
		Recipient: recipient,
		Scope:     scope,
		Heading:   heading,
		Message:   message,
		CreatedAt: time.Now().UTC(),
		State:     domain.StatePending,
	}
}

func TestSearchIndex_FindsRecordsOfTheRecipientOnly(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	index := newIndex(t)

	req.NoError(index.Consume(ctx, record("alice", 1, nil, "Welcome", "Welcome to Server Hub")))
	req.NoError(index.Consume(ctx, record("alice", 2, nil, "Invitation", "bob invited you to the design group")))
	req.NoError(index.Consume(ctx, record("bob", 1, nil, "Invitation", "carol invited you to the design group")))

	hits, err := index.Search(ctx, "alice", nil, "invited", 10)
	req.NoError(err)
	req.Len(hits, 1)
	req.Equal(domain.Identity("alice"), hits[0].Recipient)
	req.Equal(uint64(2), hits[0].Seq)

	none, err := index.Search(ctx, "alice", nil, "unrelated", 10)
	req.NoError(err)
	req.Empty(none)
}

func TestSearchIndex_ScopeFilterAndReindex(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	index := newIndex(t)
	server := lo.ToPtr(domain.TenantScope("server-1"))

	req.NoError(index.Consume(ctx, record("alice", 1, server, "New member", "bob joined the server")))
	req.NoError(index.Consume(ctx, record("alice", 2, nil, "New member", "carol joined your group")))
	// Indexing the same record again replaces it
	req.NoError(index.Consume(ctx, record("alice", 1, server, "New member", "bob joined the server")))

	all, err := index.Search(ctx, "alice", nil, "joined", 10)
	req.NoError(err)
	req.Len(all, 2)

	scoped, err := index.Search(ctx, "alice", server, "joined", 10)
	req.NoError(err)
	req.Len(scoped, 1)
	req.Equal(uint64(1), scoped[0].Seq)
}

func TestParseDocumentID(t *testing.T) {
	req := require.New(t)

	recipient, seq, ok := parseDocumentID(documentID("alice", 12))
	req.True(ok)
	req.Equal(domain.Identity("alice"), recipient)
	req.Equal(uint64(12), seq)

	_, _, ok = parseDocumentID("alice")
	req.False(ok)
	_, _, ok = parseDocumentID("alice/x")
	req.False(ok)
}
