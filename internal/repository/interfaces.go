package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
)

// All repository interfaces in one file
type (
	// CaseRepository persists case rows. Get returns a CaseNotFound AppError
	// for unknown ids.
	CaseRepository interface {
		Create(ctx context.Context, c *model.Case) error
		Get(ctx context.Context, id uuid.UUID) (*model.Case, error)
		// GetForUpdate locks the row for the rest of the enclosing transaction.
		GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Case, error)
		Update(ctx context.Context, c *model.Case) error
		// ListBreachCandidates returns unpaused active cases whose deadline is
		// at or before now and that are not yet breached, plus breached cases
		// whose breach handling never finished.
		ListBreachCandidates(ctx context.Context, now time.Time, limit int) ([]*model.Case, error)
		// ListStaleAssignments returns ASSIGNED cases whose open assignment
		// was made at or before cutoff and has not been accepted or already
		// processed as a timeout.
		ListStaleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*model.StaleAssignment, error)
	}

	AssignmentRepository interface {
		Create(ctx context.Context, a *model.Assignment) error
		// GetOpen returns nil, nil when the case has no open assignment.
		GetOpen(ctx context.Context, caseID uuid.UUID) (*model.Assignment, error)
		Update(ctx context.Context, a *model.Assignment) error
		ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Assignment, error)
	}

	EventRepository interface {
		Append(ctx context.Context, e *model.CaseEvent) error
		// ListByCase returns events in write order.
		ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.CaseEvent, error)
	}

	NotificationRepository interface {
		// Insert returns false without error when a row with the same
		// dedupe key already exists.
		Insert(ctx context.Context, n *model.Notification) (bool, error)
		Get(ctx context.Context, id uuid.UUID) (*model.Notification, error)
		GetByDedupeKey(ctx context.Context, key string) (*model.Notification, error)
		// Claim atomically moves up to limit deliverable rows to sending
		// under workerID. Rows stuck in sending with a claim older than
		// leaseExpiry are reclaimed.
		Claim(ctx context.Context, workerID string, now, leaseExpiry time.Time, limit int) ([]*model.Notification, error)
		// ListDeliverable reads what Claim would pick without claiming.
		ListDeliverable(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
		// RecordOutcome writes an attempt result. It only applies while the
		// row is still claimed by workerID.
		RecordOutcome(ctx context.Context, id uuid.UUID, workerID string, outcome model.DeliveryOutcome, now time.Time) error
		MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) error
		ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Notification, error)
	}

	// DirectoryRepository is the doctor and contact lookup.
	DirectoryRepository interface {
		ListActiveDoctors(ctx context.Context, specialtyID string) ([]*model.Doctor, error)
		OpenCaseCount(ctx context.Context, doctorID uuid.UUID) (int, error)
		GetContact(ctx context.Context, userID uuid.UUID) (*model.Contact, error)
	}

	FeedRepository interface {
		Insert(ctx context.Context, item *model.FeedItem) error
		ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.FeedItem, error)
		MarkSeenByNotification(ctx context.Context, notificationID uuid.UUID, at time.Time) error
	}

	// Store groups the repositories over one connection. WithTx runs fn
	// against a Store bound to a single transaction; a nested WithTx joins
	// the outer one.
	Store interface {
		Cases() CaseRepository
		Assignments() AssignmentRepository
		Events() EventRepository
		Notifications() NotificationRepository
		Directory() DirectoryRepository
		Feed() FeedRepository
		WithTx(ctx context.Context, fn func(Store) error) error
		Ping(ctx context.Context) error
	}
)
