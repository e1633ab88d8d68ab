package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"server-hub/contract"
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/lanes"
	"server-hub/observability"
	"server-hub/repositories"

	"github.com/samber/lo"
)

// Binder turns an authenticated socket into a registered session whose
// delivery loop replays the store before any live push.
type Binder struct {
	log        *slog.Logger
	resolver   contract.IdentityResolver
	membership repositories.IMembershipRepository
	store      repositories.INotificationRepository
	registry   *Registry
	dispatcher *Dispatcher
	lanes      *lanes.Lanes
	metrics    *observability.Metrics
	outboxSize int
}

func NewBinder(log *slog.Logger, resolver contract.IdentityResolver, membership repositories.IMembershipRepository,
	store repositories.INotificationRepository, registry *Registry, dispatcher *Dispatcher,
	lanes *lanes.Lanes, metrics *observability.Metrics) *Binder {
	return &Binder{
		log:        log,
		resolver:   resolver,
		membership: membership,
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		lanes:      lanes,
		metrics:    metrics,
		outboxSize: dispatcher.config.OutboxSize,
	}
}

// Bind authenticates token and registers a session pushing through pusher.
//
// Requested scopes the identity does not belong to are silently dropped.
// When after is nil, replay starts after the identity's acknowledgement
// watermark; a cursor past the last stored sequence is lowered to it.
// The session lives until ctx ends or it is deregistered.
// On error nothing stays registered and the caller closes the transport.
func (b *Binder) Bind(ctx context.Context, pusher contract.Pusher, token string,
	scopes []domain.TenantScope, after *uint64) (*Session, error) {
	identity, err := b.resolver.ResolveIdentity(ctx, token)
	if err != nil {
		b.metrics.IncBindFailures()
		return nil, fmt.Errorf("%w: %w", errors.ErrAuthFailure, err)
	}
	if identity == "" {
		b.metrics.IncBindFailures()
		return nil, fmt.Errorf("%w: empty identity", errors.ErrAuthFailure)
	}

	granted, err := b.memberScopes(ctx, identity, scopes)
	if err != nil {
		return nil, err
	}

	lastAck, err := b.cursor(ctx, identity, after)
	if err != nil {
		return nil, err
	}

	s := NewSession(ctx, identity, pusher, granted, lastAck, b.outboxSize)

	unlock := b.lanes.Lock(string(identity))
	err = b.registry.Register(s)
	if err == nil {
		b.dispatcher.Attach(s)
	}
	unlock()
	if err != nil {
		s.Close()
		return nil, err
	}

	b.log.Info("Connection bound", "connection", s.ID(), "identity", identity, "scopes", granted, "after", lastAck)
	return s, nil
}

// cursor returns the sequence replay starts after. Sequences are assigned
// from 1 upwards, so a client cursor above the last one would hide every
// future record and is lowered.
func (b *Binder) cursor(ctx context.Context, identity domain.Identity, after *uint64) (uint64, error) {
	if after == nil {
		return b.store.AckWatermark(ctx, identity)
	}
	last, err := b.store.LastSeq(ctx, identity)
	if err != nil {
		return 0, err
	}
	if *after > last {
		b.log.Debug("Cursor beyond last sequence, lowered", "identity", identity, "after", *after, "last", last)
		return last, nil
	}
	return *after, nil
}

// Unbind deregisters the connection. It is safe to call more than once.
func (b *Binder) Unbind(id domain.ConnectionID) {
	if _, ok := b.registry.Get(id); !ok {
		return
	}
	b.registry.Deregister(id)
	b.log.Info("Connection unbound", "connection", id)
}

// Subscribe adds a scope to a live connection once membership is confirmed.
func (b *Binder) Subscribe(ctx context.Context, id domain.ConnectionID, scope domain.TenantScope) error {
	s, ok := b.registry.Get(id)
	if !ok {
		return errors.ErrUnknownConnection
	}
	member, err := b.membership.IsMember(ctx, scope, s.Identity())
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s", errors.ErrNotMember, scope)
	}
	if !b.registry.Subscribe(id, scope) && s.Closed() {
		return errors.ErrUnknownConnection
	}
	return nil
}

func (b *Binder) Unsubscribe(_ context.Context, id domain.ConnectionID, scope domain.TenantScope) error {
	if _, ok := b.registry.Get(id); !ok {
		return errors.ErrUnknownConnection
	}
	b.registry.Unsubscribe(id, scope)
	return nil
}

// Revoke removes scope from every live connection of identity, used when
// the identity leaves a server or a group.
func (b *Binder) Revoke(identity domain.Identity, scope domain.TenantScope) {
	for _, id := range b.registry.Lookup(identity) {
		b.registry.Unsubscribe(id, scope)
	}
}

func (b *Binder) memberScopes(ctx context.Context, identity domain.Identity,
	requested []domain.TenantScope) ([]domain.TenantScope, error) {
	var granted []domain.TenantScope
	for _, scope := range lo.Uniq(requested) {
		member, err := b.membership.IsMember(ctx, scope, identity)
		if err != nil {
			return nil, err
		}
		if member {
			granted = append(granted, scope)
		} else {
			b.log.Debug("Scope dropped, not a member", "identity", identity, "scope", scope)
		}
	}
	return granted, nil
}
