package services

import (
	"context"
	"fmt"
	"log/slog"
	"server-hub/domain"
	"server-hub/repositories"

	"github.com/samber/lo"
)

// ScopeRevoker drops a scope from the live connections of an identity.
type ScopeRevoker interface {
	Revoke(identity domain.Identity, scope domain.TenantScope)
}

// MembershipService manages who belongs to a server or a group and tells
// the other members about arrivals and departures.
type MembershipService struct {
	log        *slog.Logger
	repository repositories.IMembershipRepository
	producer   *NotificationService
	revoker    ScopeRevoker
}

func NewMembershipService(log *slog.Logger, repository repositories.IMembershipRepository,
	producer *NotificationService, revoker ScopeRevoker) *MembershipService {
	return &MembershipService{log: log, repository: repository, producer: producer, revoker: revoker}
}

// Join is idempotent: joining twice notifies nobody the second time.
// Once the membership is saved the join succeeds; notifications about it are
// best effort and a failure is only logged.
func (s *MembershipService) Join(ctx context.Context, scope domain.TenantScope, identity domain.Identity) error {
	joined, err := s.repository.Join(ctx, scope, identity)
	if err != nil || !joined {
		return err
	}
	if _, err = s.producer.Publish(ctx, domain.NewNotification{
		Recipient: identity,
		Heading:   "Welcome",
		Message:   fmt.Sprintf("You joined %s", scope),
	}); err != nil {
		s.log.Warn("Unable to welcome new member", "scope", scope, "identity", identity, "error", err)
	}
	s.broadcast(ctx, scope, identity, "New member", fmt.Sprintf("%s joined %s", identity, scope))
	return nil
}

// Leave removes the membership and the scope from the identity's live connections.
func (s *MembershipService) Leave(ctx context.Context, scope domain.TenantScope, identity domain.Identity) error {
	left, err := s.repository.Leave(ctx, scope, identity)
	if err != nil || !left {
		return err
	}
	s.revoker.Revoke(identity, scope)
	s.broadcast(ctx, scope, identity, "Member left", fmt.Sprintf("%s left %s", identity, scope))
	return nil
}

func (s *MembershipService) Members(ctx context.Context, scope domain.TenantScope) ([]domain.Member, error) {
	return s.repository.Members(ctx, scope)
}

func (s *MembershipService) IsMember(ctx context.Context, scope domain.TenantScope, identity domain.Identity) (bool, error) {
	return s.repository.IsMember(ctx, scope, identity)
}

// broadcast notifies every member of scope except the author, scoped to
// scope so only their connections subscribed to it get the push. A member
// that cannot be notified does not stop the others.
func (s *MembershipService) broadcast(ctx context.Context, scope domain.TenantScope, author domain.Identity,
	heading, message string) {
	members, err := s.repository.Members(ctx, scope)
	if err != nil {
		s.log.Warn("Unable to list members for broadcast", "scope", scope, "error", err)
		return
	}
	others := lo.Filter(members, func(m domain.Member, _ int) bool { return m.Identity != author })
	failed := 0
	for _, member := range others {
		if _, err = s.producer.Publish(ctx, domain.NewNotification{
			Recipient: member.Identity,
			Scope:     lo.ToPtr(scope),
			Heading:   heading,
			Message:   message,
		}); err != nil {
			failed++
			s.log.Warn("Unable to notify member", "scope", scope, "recipient", member.Identity, "error", err)
		}
	}
	s.log.Debug("Membership change broadcast", "scope", scope, "identity", author,
		"recipients", len(others), "failed", failed)
}
