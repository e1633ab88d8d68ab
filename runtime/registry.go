package runtime

import (
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/lanes"
	"server-hub/observability"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

const defaultShards = 64

type Set map[domain.ConnectionID]struct{}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[domain.ConnectionID]*Session
}

type indexShard[K comparable] struct {
	mu      sync.RWMutex
	members map[K]Set
}

func (s *indexShard[K]) add(key K, id domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[key]; !ok {
		s.members[key] = make(Set)
	}
	s.members[key][id] = struct{}{}
}

// remove deletes id and drops empty sets so the index does not leak keys.
func (s *indexShard[K]) remove(key K, id domain.ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if members, ok := s.members[key]; ok {
		delete(members, id)
		if len(members) == 0 {
			delete(s.members, key)
		}
	}
}

func (s *indexShard[K]) get(key K) []domain.ConnectionID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Keys(s.members[key])
}

// Registry indexes live sessions by connection id, by identity and by scope.
//
// Every index is split into shards selected by hashing its key, and a
// mutation only ever holds one shard lock at a time, so unrelated users
// never serialize on each other. The session shard is the source of truth:
// index entries are added after and removed after it, and lookups filter
// index hits through it. A lookup never returns a connection whose
// Deregister has completed.
type Registry struct {
	sessions   []*sessionShard
	identities []*indexShard[domain.Identity]
	scopes     []*indexShard[domain.TenantScope]
	size       atomic.Int64
	metrics    *observability.Metrics
}

func NewRegistry(shards int, metrics *observability.Metrics) *Registry {
	if shards <= 0 {
		shards = defaultShards
	}
	r := &Registry{
		sessions:   make([]*sessionShard, shards),
		identities: make([]*indexShard[domain.Identity], shards),
		scopes:     make([]*indexShard[domain.TenantScope], shards),
		metrics:    metrics,
	}
	for i := 0; i < shards; i++ {
		r.sessions[i] = &sessionShard{sessions: make(map[domain.ConnectionID]*Session)}
		r.identities[i] = &indexShard[domain.Identity]{members: make(map[domain.Identity]Set)}
		r.scopes[i] = &indexShard[domain.TenantScope]{members: make(map[domain.TenantScope]Set)}
	}
	return r
}

// Register adds a session with its initial scopes. A second registration of
// the same connection id is rejected and leaves the first one untouched.
func (r *Registry) Register(s *Session) error {
	shard := r.sessionShard(s.ID())
	shard.mu.Lock()
	if _, exists := shard.sessions[s.ID()]; exists {
		shard.mu.Unlock()
		return errors.ErrDuplicateRegistration
	}
	shard.sessions[s.ID()] = s
	shard.mu.Unlock()
	r.metrics.SetActiveConnections(int(r.size.Add(1)))

	scopes := s.Scopes()
	r.identityShard(s.Identity()).add(s.Identity(), s.ID())
	for _, scope := range scopes {
		r.scopeShard(scope).add(scope, s.ID())
	}
	// A Deregister that ran before the entries above were added left them behind.
	if _, live := r.Get(s.ID()); !live {
		r.unindex(s.Identity(), s.ID(), scopes)
	}
	return nil
}

func (r *Registry) unindex(identity domain.Identity, id domain.ConnectionID, scopes []domain.TenantScope) {
	r.identityShard(identity).remove(identity, id)
	for _, scope := range scopes {
		r.scopeShard(scope).remove(scope, id)
	}
}

// Deregister removes the connection and closes its session. Unknown ids are ignored.
func (r *Registry) Deregister(id domain.ConnectionID) {
	shard := r.sessionShard(id)
	shard.mu.Lock()
	s, ok := shard.sessions[id]
	if ok {
		delete(shard.sessions, id)
	}
	shard.mu.Unlock()
	if !ok {
		return
	}
	r.metrics.SetActiveConnections(int(r.size.Add(-1)))

	s.Close()
	r.unindex(s.Identity(), id, s.Scopes())
}

func (r *Registry) Get(id domain.ConnectionID) (*Session, bool) {
	shard := r.sessionShard(id)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	s, ok := shard.sessions[id]
	return s, ok
}

// Lookup returns the live connections of identity.
func (r *Registry) Lookup(identity domain.Identity) []domain.ConnectionID {
	return lo.Filter(r.identityShard(identity).get(identity), func(id domain.ConnectionID, _ int) bool {
		_, ok := r.Get(id)
		return ok
	})
}

// LookupByScope returns the live connections subscribed to scope.
func (r *Registry) LookupByScope(scope domain.TenantScope) []domain.ConnectionID {
	return lo.Filter(r.scopeShard(scope).get(scope), func(id domain.ConnectionID, _ int) bool {
		s, ok := r.Get(id)
		return ok && s.IsSubscribed(scope)
	})
}

// Connections returns snapshots of the live connections of identity.
func (r *Registry) Connections(identity domain.Identity) []domain.Connection {
	return lo.Map(r.Sessions(r.Lookup(identity)), func(s *Session, _ int) domain.Connection {
		return s.Connection()
	})
}

// Sessions resolves ids to live sessions, skipping the ones gone meanwhile.
func (r *Registry) Sessions(ids []domain.ConnectionID) []*Session {
	return lo.FilterMap(ids, func(id domain.ConnectionID, _ int) (*Session, bool) {
		return r.Get(id)
	})
}

// Subscribe adds scope to a live connection. It returns false when the
// connection is unknown or already subscribed.
func (r *Registry) Subscribe(id domain.ConnectionID, scope domain.TenantScope) bool {
	s, ok := r.Get(id)
	if !ok || !s.addScope(scope) {
		return false
	}
	r.scopeShard(scope).add(scope, id)
	// Deregister may have run between Get and add: undo the index entry.
	if _, live := r.Get(id); !live {
		r.scopeShard(scope).remove(scope, id)
		return false
	}
	return true
}

func (r *Registry) Unsubscribe(id domain.ConnectionID, scope domain.TenantScope) bool {
	s, ok := r.Get(id)
	if !ok || !s.removeScope(scope) {
		return false
	}
	r.scopeShard(scope).remove(scope, id)
	return true
}

// Touch records activity on a live connection.
func (r *Registry) Touch(id domain.ConnectionID, at time.Time) bool {
	s, ok := r.Get(id)
	if ok {
		s.Touch(at)
	}
	return ok
}

// Expired returns the connections whose last activity is before cutoff.
func (r *Registry) Expired(cutoff time.Time) []domain.ConnectionID {
	var ids []domain.ConnectionID
	for _, shard := range r.sessions {
		shard.mu.RLock()
		for id, s := range shard.sessions {
			if s.LastSeen().Before(cutoff) {
				ids = append(ids, id)
			}
		}
		shard.mu.RUnlock()
	}
	return ids
}

// DeregisterAll closes every live connection, used on shutdown.
func (r *Registry) DeregisterAll() int {
	var ids []domain.ConnectionID
	for _, shard := range r.sessions {
		shard.mu.RLock()
		ids = append(ids, lo.Keys(shard.sessions)...)
		shard.mu.RUnlock()
	}
	for _, id := range ids {
		r.Deregister(id)
	}
	return len(ids)
}

func (r *Registry) Count() int {
	return int(r.size.Load())
}

func (r *Registry) sessionShard(id domain.ConnectionID) *sessionShard {
	return r.sessions[lanes.Index(string(id), len(r.sessions))]
}

func (r *Registry) identityShard(identity domain.Identity) *indexShard[domain.Identity] {
	return r.identities[lanes.Index(string(identity), len(r.identities))]
}

func (r *Registry) scopeShard(scope domain.TenantScope) *indexShard[domain.TenantScope] {
	return r.scopes[lanes.Index(string(scope), len(r.scopes))]
}
