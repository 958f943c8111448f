package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/caseflow/internal/model"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
)

const notificationColumns = `id, case_id, recipient_id, channel, template, language, variables,
	status, response, attempts, retry_after, dedupe_key, claimed_by, claimed_at,
	sent_at, created_at, updated_at`

type notificationRepository struct {
	base *Store
}

func (r *notificationRepository) Insert(ctx context.Context, n *model.Notification) (bool, error) {
	if n.Variables == nil {
		n.Variables = model.JSONMap{}
	}
	query := `
		INSERT INTO notifications (` + notificationColumns + `)
		VALUES (
			:id, :case_id, :recipient_id, :channel, :template, :language, :variables,
			:status, :response, :attempts, :retry_after, :dedupe_key, :claimed_by, :claimed_at,
			:sent_at, :created_at, :updated_at
		)
		ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
		RETURNING id
	`
	rows, err := sqlx.NamedQueryContext(ctx, r.base.ext, query, n)
	if isUniqueViolation(err) {
		r.base.observe("notification.insert", nil)
		return false, nil
	}
	if err != nil {
		return false, r.base.wrap("notification.insert", err)
	}
	defer rows.Close()

	inserted := rows.Next()
	if err := rows.Err(); err != nil {
		return false, r.base.wrap("notification.insert", err)
	}
	r.base.observe("notification.insert", nil)
	return inserted, nil
}

func (r *notificationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Notification, error) {
	return r.getOne(ctx, "notification.get", `WHERE id = $1`, id)
}

func (r *notificationRepository) GetByDedupeKey(ctx context.Context, key string) (*model.Notification, error) {
	return r.getOne(ctx, "notification.get_by_dedupe_key", `WHERE dedupe_key = $1`, key)
}

func (r *notificationRepository) getOne(ctx context.Context, op, where string, arg interface{}) (*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications ` + where

	var n model.Notification
	err := sqlx.GetContext(ctx, r.base.ext, &n, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		r.base.observe(op, err)
		return nil, apperrors.NotFound("notification", nil)
	}
	if err != nil {
		return nil, r.base.wrap(op, err)
	}
	r.base.observe(op, nil)
	return &n, nil
}

// Claim moves a batch to sending in one statement. SKIP LOCKED lets parallel
// workers take disjoint batches.
func (r *notificationRepository) Claim(ctx context.Context, workerID string, now, leaseExpiry time.Time, limit int) ([]*model.Notification, error) {
	query := `
		UPDATE notifications
		SET status = 'sending', claimed_by = $1, claimed_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM notifications
			WHERE (
				status IN ('queued', 'retry')
				AND (retry_after IS NULL OR retry_after <= $2)
			) OR (
				status = 'sending' AND claimed_at <= $3
			)
			ORDER BY created_at ASC, id ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + notificationColumns

	var out []*model.Notification
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, workerID, now, leaseExpiry, limit); err != nil {
		return nil, r.base.wrap("notification.claim", err)
	}
	r.base.observe("notification.claim", nil)

	// RETURNING order is unspecified
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *notificationRepository) ListDeliverable(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE status IN ('queued', 'retry')
		AND (retry_after IS NULL OR retry_after <= $1)
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`
	var out []*model.Notification
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, now, limit); err != nil {
		return nil, r.base.wrap("notification.list_deliverable", err)
	}
	r.base.observe("notification.list_deliverable", nil)
	return out, nil
}

func (r *notificationRepository) RecordOutcome(ctx context.Context, id uuid.UUID, workerID string, outcome model.DeliveryOutcome, now time.Time) error {
	var sentAt *time.Time
	if outcome.Sent {
		sentAt = &now
	}
	query := `
		UPDATE notifications
		SET status = $1,
			response = $2,
			attempts = $3,
			retry_after = $4,
			sent_at = COALESCE($5, sent_at),
			claimed_by = NULL,
			claimed_at = NULL,
			updated_at = $6
		WHERE id = $7 AND status = 'sending' AND claimed_by = $8
	`
	res, err := r.base.ext.ExecContext(ctx, query,
		string(outcome.Status), outcome.Response, outcome.Attempts, outcome.RetryAfter,
		sentAt, now, id, workerID)
	if err != nil {
		return r.base.wrap("notification.record_outcome", err)
	}
	r.base.observe("notification.record_outcome", nil)
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.Conflict("notification claim lost", nil)
	}
	return nil
}

func (r *notificationRepository) MarkSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE notifications
		SET status = 'seen', updated_at = $2
		WHERE id = $1 AND status = 'sent'
	`
	res, err := r.base.ext.ExecContext(ctx, query, id, at)
	if err != nil {
		return r.base.wrap("notification.mark_seen", err)
	}
	r.base.observe("notification.mark_seen", nil)
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.Conflict("notification has not been delivered", nil)
	}
	return nil
}

func (r *notificationRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE case_id = $1
		ORDER BY created_at ASC, id ASC
	`
	var out []*model.Notification
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, caseID); err != nil {
		return nil, r.base.wrap("notification.list_by_case", err)
	}
	r.base.observe("notification.list_by_case", nil)
	return out, nil
}
