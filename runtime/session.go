package runtime

import (
	"context"
	"server-hub/contract"
	"server-hub/domain"
	"server-hub/errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Session is the live handle of one connection: its transport, its ordered
// outbox and its acknowledgement state. The registry owns sessions; the
// dispatcher only borrows them.
type Session struct {
	id          domain.ConnectionID
	identity    domain.Identity
	pusher      contract.Pusher
	outbox      chan domain.NotificationRecord
	replays     chan chan replayResult
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time

	mu         sync.Mutex
	scopes     map[domain.TenantScope]struct{}
	lastAck    uint64
	lastPushed uint64
	lastSeen   time.Time
}

// NewSession creates a session whose context is cancelled by Close or by parent.
// Everything up to lastAck is considered already seen by the client.
func NewSession(parent context.Context, identity domain.Identity, pusher contract.Pusher,
	scopes []domain.TenantScope, lastAck uint64, outboxSize int) *Session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UTC()
	return &Session{
		id:          domain.ConnectionID(uuid.NewString()),
		identity:    identity,
		pusher:      pusher,
		outbox:      make(chan domain.NotificationRecord, max(outboxSize, 1)),
		replays:     make(chan chan replayResult),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: now,
		scopes:      lo.SliceToMap(scopes, func(s domain.TenantScope) (domain.TenantScope, struct{}) { return s, struct{}{} }),
		lastAck:     lastAck,
		lastPushed:  lastAck,
		lastSeen:    now,
	}
}

func (s *Session) ID() domain.ConnectionID { return s.id }

func (s *Session) Identity() domain.Identity { return s.identity }

func (s *Session) Context() context.Context { return s.ctx }

// Done is closed once the session is closed or deregistered.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

func (s *Session) Close() { s.cancel() }

func (s *Session) Closed() bool { return s.ctx.Err() != nil }

func (s *Session) Connection() domain.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Connection{
		ID:            s.id,
		Identity:      s.identity,
		Scopes:        lo.Keys(s.scopes),
		LastAckSeq:    s.lastAck,
		LastPushedSeq: s.lastPushed,
		ConnectedAt:   s.connectedAt,
		LastSeen:      s.lastSeen,
	}
}

func (s *Session) Scopes() []domain.TenantScope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Keys(s.scopes)
}

func (s *Session) IsSubscribed(scope domain.TenantScope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.scopes[scope]
	return ok
}

func (s *Session) LastAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

func (s *Session) LastPushed() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPushed
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Touch records client activity for the liveness reaper.
func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at.After(s.lastSeen) {
		s.lastSeen = at
	}
}

func (s *Session) addScope(scope domain.TenantScope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[scope]; ok {
		return false
	}
	s.scopes[scope] = struct{}{}
	return true
}

func (s *Session) removeScope(scope domain.TenantScope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.scopes[scope]; !ok {
		return false
	}
	delete(s.scopes, scope)
	return true
}

// acknowledge advances the watermark. It refuses sequences that were never
// pushed to this session and reports whether the watermark moved.
func (s *Session) acknowledge(seq uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastPushed {
		return false, errors.ErrAckBeyondDelivered
	}
	if seq <= s.lastAck {
		return false, nil
	}
	s.lastAck = seq
	return true, nil
}

func (s *Session) delivered(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seq <= s.lastPushed
}

func (s *Session) markPushed(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastPushed {
		s.lastPushed = seq
	}
}

// offer enqueues without blocking and reports whether the outbox had room.
func (s *Session) offer(record domain.NotificationRecord) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.outbox <- record:
		return true
	default:
		return false
	}
}
