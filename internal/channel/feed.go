package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/messaging"
)

// FeedAdapter writes the in-app feed row and, when a broker is configured,
// pushes it to live subscribers. Only the row write can fail a delivery.
type FeedAdapter struct {
	repo   repository.FeedRepository
	broker messaging.Broker
	log    *logger.Logger
	now    func() time.Time
}

func NewFeedAdapter(repo repository.FeedRepository, broker messaging.Broker, log *logger.Logger) *FeedAdapter {
	return &FeedAdapter{repo: repo, broker: broker, log: log, now: time.Now}
}

func (a *FeedAdapter) Channel() model.Channel {
	return model.ChannelInternal
}

func (a *FeedAdapter) Send(ctx context.Context, msg Message) (Result, error) {
	notificationID := msg.NotificationID
	item := &model.FeedItem{
		ID:             uuid.New(),
		UserID:         msg.RecipientID,
		NotificationID: &notificationID,
		Template:       msg.Template,
		Title:          msg.Subject,
		Body:           msg.Body,
		Payload:        msg.Variables.Clone(),
		CreatedAt:      a.now().UTC(),
	}
	if err := a.repo.Insert(ctx, item); err != nil {
		return Result{}, fmt.Errorf("failed to write feed item: %w", err)
	}

	if a.broker != nil {
		err := a.broker.Publish(ctx, messaging.FeedChannel(msg.RecipientID.String()), messaging.Message{
			Type:    "feed_item",
			Payload: item,
		})
		if err != nil {
			a.log.Warn("feed push failed", "user_id", msg.RecipientID.String(), "error", err.Error())
		}
	}
	return Result{ProviderMessageID: item.ID.String()}, nil
}
