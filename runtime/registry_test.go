package runtime

import (
	"context"
	"fmt"
	"runtime"
	"server-hub/domain"
	"server-hub/errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type nopPusher struct{}

func (nopPusher) Push(context.Context, domain.NotificationRecord) error { return nil }

func newTestSession(identity domain.Identity, scopes ...domain.TenantScope) *Session {
	return NewSession(context.Background(), identity, nopPusher{}, scopes, 0, 8)
}

func TestRegistry_Register_IndexesByIdentityAndScope(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)
	alice := newTestSession("alice", "server-1")
	alicePhone := newTestSession("alice")
	bob := newTestSession("bob", "server-1")

	// When three connections register
	req.NoError(registry.Register(alice))
	req.NoError(registry.Register(alicePhone))
	req.NoError(registry.Register(bob))

	// Then each index answers with live connections only
	req.ElementsMatch([]domain.ConnectionID{alice.ID(), alicePhone.ID()}, registry.Lookup("alice"))
	req.ElementsMatch([]domain.ConnectionID{alice.ID(), bob.ID()}, registry.LookupByScope("server-1"))
	req.Empty(registry.Lookup("carol"))
	req.Equal(3, registry.Count())
}

func TestRegistry_Register_DuplicateKeepsFirstEntry(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)
	s := newTestSession("alice", "server-1")
	req.NoError(registry.Register(s))

	err := registry.Register(s)

	req.ErrorIs(err, errors.ErrDuplicateRegistration)
	req.Equal([]domain.ConnectionID{s.ID()}, registry.Lookup("alice"))
	req.Equal(1, registry.Count())
	req.False(s.Closed())
}

func TestRegistry_Deregister_IsIdempotentAndClosesTheSession(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)
	s := newTestSession("alice", "server-1")
	req.NoError(registry.Register(s))

	registry.Deregister(s.ID())
	registry.Deregister(s.ID())
	registry.Deregister("unknown")

	req.True(s.Closed())
	req.Empty(registry.Lookup("alice"))
	req.Empty(registry.LookupByScope("server-1"))
	_, ok := registry.Get(s.ID())
	req.False(ok)
	req.Zero(registry.Count())
}

func TestRegistry_SubscribeAndUnsubscribe(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)
	s := newTestSession("alice")
	req.NoError(registry.Register(s))

	req.True(registry.Subscribe(s.ID(), "group-7"))
	req.False(registry.Subscribe(s.ID(), "group-7"), "already subscribed")
	req.Equal([]domain.ConnectionID{s.ID()}, registry.LookupByScope("group-7"))
	req.True(s.IsSubscribed("group-7"))

	req.True(registry.Unsubscribe(s.ID(), "group-7"))
	req.False(registry.Unsubscribe(s.ID(), "group-7"))
	req.Empty(registry.LookupByScope("group-7"))

	// Unknown connections are ignored
	req.False(registry.Subscribe("unknown", "group-7"))
	req.Empty(registry.LookupByScope("group-7"))
}

func TestRegistry_Expired(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)
	idle := newTestSession("alice")
	active := newTestSession("bob")
	req.NoError(registry.Register(idle))
	req.NoError(registry.Register(active))

	cutoff := time.Now().UTC().Add(time.Minute)
	req.True(registry.Touch(active.ID(), cutoff.Add(time.Second)))
	req.False(registry.Touch("unknown", cutoff))

	req.Equal([]domain.ConnectionID{idle.ID()}, registry.Expired(cutoff))
}

func TestRegistry_ConcurrentMutationsLoseNoUpdate(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(8, nil)

	const workers = 32
	const perWorker = 50
	var wg sync.WaitGroup
	kept := make([][]*Session, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			identity := domain.Identity(fmt.Sprintf("user-%d", w%4))
			for i := 0; i < perWorker; i++ {
				s := newTestSession(identity, "server-1")
				if err := registry.Register(s); err != nil {
					t.Error(err)
					return
				}
				// Every other connection goes away again
				if i%2 == 0 {
					registry.Deregister(s.ID())
				} else {
					kept[w] = append(kept[w], s)
				}
			}
		}(w)
	}
	wg.Wait()

	expected := workers * perWorker / 2
	req.Equal(expected, registry.Count())
	req.Len(registry.LookupByScope("server-1"), expected)
	total := 0
	for u := 0; u < 4; u++ {
		total += len(registry.Lookup(domain.Identity(fmt.Sprintf("user-%d", u))))
	}
	req.Equal(expected, total)
	for _, sessions := range kept {
		for _, s := range sessions {
			_, ok := registry.Get(s.ID())
			req.True(ok)
		}
	}
}

func TestRegistry_DeregisterAllClosesEverySession(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)
	sessions := []*Session{newTestSession("alice", "server-1"), newTestSession("bob"), newTestSession("alice")}
	for _, s := range sessions {
		req.NoError(registry.Register(s))
	}

	req.Equal(3, registry.DeregisterAll())

	req.Zero(registry.Count())
	req.Empty(registry.LookupByScope("server-1"))
	for _, s := range sessions {
		req.True(s.Closed())
	}
}

func TestRegistry_DeregisterDuringRegisterLeavesNoIndexEntry(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(4, nil)

	for i := 0; i < 200; i++ {
		s := newTestSession("alice", "server-1", "group-7")
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !s.Closed() {
				registry.Deregister(s.ID())
				runtime.Gosched()
			}
		}()
		req.NoError(registry.Register(s))
		wg.Wait()
	}

	req.Zero(registry.Count())
	for i := range registry.identities {
		req.Empty(registry.identities[i].members, "identity shard %d", i)
		req.Empty(registry.scopes[i].members, "scope shard %d", i)
	}
}
