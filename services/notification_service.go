package services

import (
	"context"
	stderrors "errors"
	"log/slog"
	"server-hub/domain"
	"server-hub/errors"
	"server-hub/moderation"
	"server-hub/repositories"
	"server-hub/sink"
)

// Notifier is the producer side of the delivery dispatcher.
type Notifier interface {
	Notify(ctx context.Context, n domain.NewNotification) (domain.NotificationRecord, error)
}

type Searcher interface {
	Search(ctx context.Context, recipient domain.Identity, scope *domain.TenantScope, text string, limit int) ([]sink.SearchHit, error)
}

// NotificationService is what producers and the feed API call: it censors
// producer text before it reaches the store and serves the feed views.
type NotificationService struct {
	log       *slog.Logger
	notifier  Notifier
	store     repositories.INotificationRepository
	moderator *moderation.Moderator
	search    Searcher
}

func NewNotificationService(log *slog.Logger, notifier Notifier, store repositories.INotificationRepository,
	moderator *moderation.Moderator, search Searcher) *NotificationService {
	return &NotificationService{log: log, notifier: notifier, store: store, moderator: moderator, search: search}
}

func (s *NotificationService) Publish(ctx context.Context, n domain.NewNotification) (domain.NotificationRecord, error) {
	return s.notifier.Notify(ctx, s.moderator.Sanitize(n))
}

// Feed lists the records of identity after the given sequence, read or not.
func (s *NotificationService) Feed(ctx context.Context, identity domain.Identity, after uint64, limit int) ([]domain.NotificationRecord, error) {
	return s.store.ListPending(ctx, identity, after, limit)
}

func (s *NotificationService) Unread(ctx context.Context, identity domain.Identity, limit int) ([]domain.NotificationRecord, error) {
	return s.store.ListUnread(ctx, identity, limit)
}

func (s *NotificationService) MarkRead(ctx context.Context, identity domain.Identity, seq uint64) error {
	return s.store.MarkRead(ctx, identity, seq)
}

// Search resolves index hits against the store. Hits whose record is gone
// are skipped.
func (s *NotificationService) Search(ctx context.Context, identity domain.Identity, scope *domain.TenantScope,
	text string, limit int) ([]domain.NotificationRecord, error) {
	if s.search == nil {
		return nil, nil
	}
	hits, err := s.search.Search(ctx, identity, scope, text, limit)
	if err != nil {
		return nil, err
	}
	records := make([]domain.NotificationRecord, 0, len(hits))
	for _, hit := range hits {
		record, err := s.store.Get(ctx, hit.Recipient, hit.Seq)
		if stderrors.Is(err, errors.ErrNotificationNotFound) {
			s.log.Debug("Search hit without record", "recipient", hit.Recipient, "seq", hit.Seq)
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
