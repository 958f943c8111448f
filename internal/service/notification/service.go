package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/metrics"
	"github.com/jwalitptl/caseflow/pkg/validator"
)

const defaultLanguage = "en"

// Service is the producer side of the notification queue.
//
// Enqueue never returns an error for recoverable conditions: an empty
// recipient or a malformed request comes back as a rejected result and a
// duplicate dedupe key as a deduped result. Errors are reserved for store
// failures.
type Service interface {
	Enqueue(ctx context.Context, req model.NotificationRequest) (model.EnqueueResult, error)
	// EnqueueIn writes the row through store, typically the caller's
	// transaction, so the notification commits with the state change that
	// caused it.
	EnqueueIn(ctx context.Context, store repository.Store, req model.NotificationRequest) (model.EnqueueResult, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
	ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Notification, error)
	// MarkSeen records that the recipient opened a delivered notification.
	MarkSeen(ctx context.Context, id uuid.UUID) (*model.Notification, error)
}

type service struct {
	store     repository.Store
	validator validator.Validator
	log       *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*service)

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

func NewService(store repository.Store, log *logger.Logger, m *metrics.Metrics, opts ...Option) Service {
	s := &service{
		store:     store,
		validator: validator.New(),
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Enqueue(ctx context.Context, req model.NotificationRequest) (model.EnqueueResult, error) {
	return s.EnqueueIn(ctx, s.store, req)
}

func (s *service) EnqueueIn(ctx context.Context, store repository.Store, req model.NotificationRequest) (model.EnqueueResult, error) {
	if req.RecipientID == uuid.Nil {
		reason := apperrors.InvalidRecipient("recipient id is empty").Error()
		s.log.Warn("notification rejected", "template", req.Template, "reason", reason)
		return model.EnqueueResult{Outcome: model.EnqueueRejected, Reason: reason}, nil
	}
	if err := s.validator.Validate(req); err != nil {
		s.log.Warn("notification rejected", "template", req.Template, "reason", err.Error())
		return model.EnqueueResult{Outcome: model.EnqueueRejected, Reason: err.Error()}, nil
	}

	now := s.now().UTC()
	n := &model.Notification{
		ID:          uuid.New(),
		CaseID:      req.CaseID,
		RecipientID: req.RecipientID,
		Channel:     req.Channel,
		Template:    req.Template,
		Language:    normalizeLanguage(req.Language),
		Variables:   req.Variables.Clone(),
		Status:      model.NotificationStatusQueued,
		Attempts:    0,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if n.Variables == nil {
		n.Variables = model.JSONMap{}
	}
	if key := strings.TrimSpace(req.DedupeKey); key != "" {
		n.DedupeKey = &key
	}

	inserted, err := store.Notifications().Insert(ctx, n)
	if err != nil {
		return model.EnqueueResult{}, fmt.Errorf("failed to enqueue notification: %w", err)
	}

	if !inserted {
		if s.metrics != nil {
			s.metrics.NotificationsDeduped.Inc()
		}
		result := model.EnqueueResult{Outcome: model.EnqueueDeduped, Reason: "deduped"}
		if existing, err := store.Notifications().GetByDedupeKey(ctx, *n.DedupeKey); err == nil {
			result.NotificationID = &existing.ID
		}
		s.log.Debug("notification deduped", "dedupe_key", *n.DedupeKey)
		return result, nil
	}

	id := n.ID
	return model.EnqueueResult{Outcome: model.EnqueueQueued, NotificationID: &id}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	return s.store.Notifications().Get(ctx, id)
}

func (s *service) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Notification, error) {
	return s.store.Notifications().ListByCase(ctx, caseID)
}

func (s *service) MarkSeen(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	var out *model.Notification
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		n, err := tx.Notifications().Get(ctx, id)
		if err != nil {
			return err
		}
		if n.Status == model.NotificationStatusSeen {
			out = n
			return nil
		}
		now := s.now().UTC()
		if err := tx.Notifications().MarkSeen(ctx, id, now); err != nil {
			return err
		}
		if n.Channel == model.ChannelInternal {
			if err := tx.Feed().MarkSeenByNotification(ctx, id, now); err != nil {
				return err
			}
		}
		n.Status = model.NotificationStatusSeen
		n.UpdatedAt = now
		out = n
		return nil
	})
	return out, err
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return defaultLanguage
	}
	return lang
}
