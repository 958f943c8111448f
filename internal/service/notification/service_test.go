package notification_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/caseflow/internal/channel"
	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository/memory"
	"github.com/jwalitptl/caseflow/internal/service/notification"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newService(store *memory.Store, now *time.Time) notification.Service {
	return notification.NewService(store, logger.Nop(), metrics.New("test"),
		notification.WithClock(func() time.Time { return *now }))
}

func request(caseID uuid.UUID, recipient uuid.UUID, ch model.Channel, key string) model.NotificationRequest {
	return model.NotificationRequest{
		CaseID:      &caseID,
		RecipientID: recipient,
		Channel:     ch,
		Template:    model.TemplateCaseAssigned,
		Variables:   model.JSONMap{"case_id": caseID.String()},
		DedupeKey:   key,
	}
}

func TestEnqueueQueuesRow(t *testing.T) {
	store := memory.NewStore()
	now := baseTime
	svc := newService(store, &now)
	caseID, recipient := uuid.New(), uuid.New()

	res, err := svc.Enqueue(context.Background(), request(caseID, recipient, model.ChannelEmail, ""))
	require.NoError(t, err)
	require.True(t, res.Queued())
	require.NotNil(t, res.NotificationID)

	n, err := svc.Get(context.Background(), *res.NotificationID)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusQueued, n.Status)
	assert.Equal(t, 0, n.Attempts)
	assert.Equal(t, "en", n.Language)
	assert.Nil(t, n.DedupeKey)
	assert.True(t, n.CreatedAt.Equal(baseTime))
}

func TestEnqueueRejectsEmptyRecipient(t *testing.T) {
	store := memory.NewStore()
	now := baseTime
	svc := newService(store, &now)
	caseID := uuid.New()

	res, err := svc.Enqueue(context.Background(), request(caseID, uuid.Nil, model.ChannelEmail, "k"))
	require.NoError(t, err)
	assert.Equal(t, model.EnqueueRejected, res.Outcome)
	assert.NotEmpty(t, res.Reason)
	assert.Nil(t, res.NotificationID)

	rows, err := svc.ListByCase(context.Background(), caseID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestEnqueueRejectsUnknownChannel(t *testing.T) {
	store := memory.NewStore()
	now := baseTime
	svc := newService(store, &now)

	res, err := svc.Enqueue(context.Background(), request(uuid.New(), uuid.New(), model.Channel("pager"), ""))
	require.NoError(t, err)
	assert.Equal(t, model.EnqueueRejected, res.Outcome)
}

func TestEnqueueDedupesConcurrentProducers(t *testing.T) {
	store := memory.NewStore()
	now := baseTime
	svc := newService(store, &now)
	caseID, recipient := uuid.New(), uuid.New()
	key := "case_assigned:" + uuid.NewString() + ":email"

	const producers = 20
	results := make([]model.EnqueueResult, producers)
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Enqueue(context.Background(), request(caseID, recipient, model.ChannelEmail, key))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	queued, deduped := 0, 0
	var id uuid.UUID
	for _, r := range results {
		switch r.Outcome {
		case model.EnqueueQueued:
			queued++
			id = *r.NotificationID
		case model.EnqueueDeduped:
			deduped++
		}
	}
	assert.Equal(t, 1, queued)
	assert.Equal(t, producers-1, deduped)
	for _, r := range results {
		if r.Outcome == model.EnqueueDeduped {
			require.NotNil(t, r.NotificationID)
			assert.Equal(t, id, *r.NotificationID)
		}
	}

	rows, err := svc.ListByCase(context.Background(), caseID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestMarkSeen(t *testing.T) {
	store := memory.NewStore()
	now := baseTime
	svc := newService(store, &now)
	ctx := context.Background()
	caseID, recipient := uuid.New(), uuid.New()

	res, err := svc.Enqueue(ctx, request(caseID, recipient, model.ChannelInternal, ""))
	require.NoError(t, err)
	id := *res.NotificationID

	// a queued row has not reached the recipient yet
	_, err = svc.MarkSeen(ctx, id)
	assert.Equal(t, apperrors.ErrConflict, apperrors.CodeOf(err))

	d := newDispatcher(t, store, &now, []channel.Adapter{channel.NewFeedAdapter(store.Feed(), nil, logger.Nop())}, nil)
	report, err := d.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)

	now = now.Add(time.Minute)
	seen, err := svc.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSeen, seen.Status)

	items, err := store.Feed().ListByUser(ctx, recipient, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].SeenAt)
	assert.True(t, items[0].SeenAt.Equal(now))

	// repeat is a no-op
	again, err := svc.MarkSeen(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.NotificationStatusSeen, again.Status)

	_, err = svc.MarkSeen(ctx, uuid.New())
	assert.True(t, apperrors.IsNotFound(err))
}
