package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	return mockStoreFrom(t)(sqlmock.New())
}

// mockStoreFrom takes the result of sqlmock.New so callers can pass options;
// go-sqlmock does not export a name for its option type.
func mockStoreFrom(t *testing.T) func(*sql.DB, sqlmock.Sqlmock, error) (*Store, sqlmock.Sqlmock) {
	return func(db *sql.DB, mock sqlmock.Sqlmock, err error) (*Store, sqlmock.Sqlmock) {
		t.Helper()
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		return NewStore(sqlx.NewDb(db, "postgres"), metrics.New("test")), mock
	}
}

func notificationRow(mock sqlmock.Sqlmock) *sqlmock.Rows {
	return mock.NewRows([]string{
		"id", "case_id", "recipient_id", "channel", "template", "language", "variables",
		"status", "response", "attempts", "retry_after", "dedupe_key", "claimed_by", "claimed_at",
		"sent_at", "created_at", "updated_at",
	})
}

func addNotification(rows *sqlmock.Rows, id uuid.UUID, status string, createdAt time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id.String(), nil, uuid.NewString(), "email", model.TemplateCaseAssigned, "en", []byte(`{"case_id":"c-1"}`),
		status, nil, 0, nil, nil, "worker-1", createdAt,
		nil, createdAt, createdAt,
	)
}

func testNotification() *model.Notification {
	key := "case_assigned:a-1:email"
	return &model.Notification{
		ID:          uuid.New(),
		RecipientID: uuid.New(),
		Channel:     model.ChannelEmail,
		Template:    model.TemplateCaseAssigned,
		Language:    "en",
		Status:      model.NotificationStatusQueued,
		DedupeKey:   &key,
		CreatedAt:   baseTime,
		UpdatedAt:   baseTime,
	}
}

func TestNotificationInsert(t *testing.T) {
	store, mock := newMockStore(t)
	n := testNotification()

	mock.ExpectQuery(`INSERT INTO notifications .* ON CONFLICT \(dedupe_key\)`).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(n.ID.String()))

	inserted, err := store.Notifications().Insert(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotNil(t, n.Variables)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationInsertDeduped(t *testing.T) {
	store, mock := newMockStore(t)

	// ON CONFLICT DO NOTHING returns no row
	mock.ExpectQuery(`INSERT INTO notifications`).WillReturnRows(mock.NewRows([]string{"id"}))
	inserted, err := store.Notifications().Insert(context.Background(), testNotification())
	require.NoError(t, err)
	assert.False(t, inserted)

	// a racing insert can still surface as a unique violation
	mock.ExpectQuery(`INSERT INTO notifications`).WillReturnError(&pq.Error{Code: "23505"})
	inserted, err = store.Notifications().Insert(context.Background(), testNotification())
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM notifications WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(notificationRow(mock))

	_, err := store.Notifications().Get(context.Background(), id)
	assert.True(t, apperrors.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationClaim(t *testing.T) {
	store, mock := newMockStore(t)
	older, newer := uuid.New(), uuid.New()
	leaseExpiry := baseTime.Add(-2 * time.Minute)

	rows := notificationRow(mock)
	addNotification(rows, newer, "sending", baseTime.Add(time.Minute))
	addNotification(rows, older, "sending", baseTime)
	mock.ExpectQuery(`UPDATE notifications\s+SET status = 'sending'.*FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-1", baseTime, leaseExpiry, 10).
		WillReturnRows(rows)

	claimed, err := store.Notifications().Claim(context.Background(), "worker-1", baseTime, leaseExpiry, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, older, claimed[0].ID)
	assert.Equal(t, newer, claimed[1].ID)
	assert.Equal(t, "c-1", claimed[0].Variables["case_id"])
	assert.Nil(t, claimed[0].CaseID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationRecordOutcome(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	outcome := model.DeliveryOutcome{Sent: true, Response: "msg-1", Attempts: 1, Status: model.NotificationStatusSent}

	mock.ExpectExec(`UPDATE notifications\s+SET status = \$1`).
		WithArgs("sent", "msg-1", 1, nil, sqlmock.AnyArg(), baseTime, id, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Notifications().RecordOutcome(context.Background(), id, "worker-1", outcome, baseTime))

	// the claim moved to another worker
	mock.ExpectExec(`UPDATE notifications`).WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.Notifications().RecordOutcome(context.Background(), id, "worker-1", outcome, baseTime)
	assert.Equal(t, apperrors.ErrConflict, apperrors.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNotificationMarkSeenRequiresSent(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE notifications\s+SET status = 'seen'`).
		WithArgs(id, baseTime).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Notifications().MarkSeen(context.Background(), id, baseTime)
	assert.Equal(t, apperrors.ErrConflict, apperrors.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionErrorsBecomeStoreUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM notifications`).WillReturnError(&pq.Error{Code: "08006"})
	_, err := store.Notifications().ListByCase(context.Background(), uuid.New())
	assert.True(t, apperrors.IsStoreUnavailable(err))

	mock.ExpectQuery(`SELECT .* FROM notifications`).WillReturnError(&pq.Error{Code: "42P01"})
	_, err = store.Notifications().ListByCase(context.Background(), uuid.New())
	require.Error(t, err)
	assert.False(t, apperrors.IsStoreUnavailable(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUnavailable(t *testing.T) {
	assert.True(t, isUnavailable(&pq.Error{Code: "08001"}))
	assert.True(t, isUnavailable(&pq.Error{Code: "57P01"}))
	assert.True(t, isUnavailable(&pq.Error{Code: "53300"}))
	assert.False(t, isUnavailable(&pq.Error{Code: "23505"}))
	assert.False(t, isUnavailable(errors.New("syntax error")))
}

func TestWithTx(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO case_events .* RETURNING seq`).
		WillReturnRows(mock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectCommit()

	event := model.NewCaseEvent(uuid.New(), model.EventCaseSubmitted, nil, baseTime)
	err := store.WithTx(ctx, func(tx repository.Store) error {
		return tx.Events().Append(ctx, event)
	})
	require.NoError(t, err)
	assert.EqualValues(t, 7, event.Seq)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = store.WithTx(ctx, func(tx repository.Store) error {
		// nested calls join the outer transaction
		return tx.WithTx(ctx, func(repository.Store) error { return boom })
	})
	assert.ErrorIs(t, err, boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	store, mock := mockStoreFrom(t)(sqlmock.New(sqlmock.MonitorPingsOption(true)))

	mock.ExpectPing()
	require.NoError(t, store.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	assert.True(t, apperrors.IsStoreUnavailable(store.Ping(context.Background())))
}
