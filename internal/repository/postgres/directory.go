package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/caseflow/internal/model"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
)

type directoryRepository struct {
	base *Store
}

func (r *directoryRepository) ListActiveDoctors(ctx context.Context, specialtyID string) ([]*model.Doctor, error) {
	query := `
		SELECT id, name, email, specialty_id, active
		FROM doctors
		WHERE specialty_id = $1 AND active
		ORDER BY name ASC, id ASC
	`
	var out []*model.Doctor
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, specialtyID); err != nil {
		return nil, r.base.wrap("directory.list_active_doctors", err)
	}
	r.base.observe("directory.list_active_doctors", nil)
	return out, nil
}

// OpenCaseCount counts open assignments whose case is still in an active
// status.
func (r *directoryRepository) OpenCaseCount(ctx context.Context, doctorID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM assignments a
		JOIN cases c ON c.id = a.case_id
		WHERE a.doctor_id = $1
		AND a.completed_at IS NULL
		AND c.status IN ('ASSIGNED', 'IN_REVIEW', 'REJECTED_FILES', 'SLA_BREACH', 'REASSIGNED')
	`
	var n int
	if err := sqlx.GetContext(ctx, r.base.ext, &n, query, doctorID); err != nil {
		return 0, r.base.wrap("directory.open_case_count", err)
	}
	r.base.observe("directory.open_case_count", nil)
	return n, nil
}

func (r *directoryRepository) GetContact(ctx context.Context, userID uuid.UUID) (*model.Contact, error) {
	query := `SELECT id, name, email, phone, language FROM contacts WHERE id = $1`

	var c model.Contact
	err := sqlx.GetContext(ctx, r.base.ext, &c, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		r.base.observe("directory.get_contact", err)
		return nil, apperrors.NotFound("contact", nil)
	}
	if err != nil {
		return nil, r.base.wrap("directory.get_contact", err)
	}
	r.base.observe("directory.get_contact", nil)
	return &c, nil
}

type feedRepository struct {
	base *Store
}

// Insert ignores a second insert for the same notification so a redelivered
// internal notification does not show up twice.
func (r *feedRepository) Insert(ctx context.Context, item *model.FeedItem) error {
	if item.Payload == nil {
		item.Payload = model.JSONMap{}
	}
	query := `
		INSERT INTO feed_items (id, user_id, notification_id, template, title, body, payload, created_at, seen_at)
		VALUES (:id, :user_id, :notification_id, :template, :title, :body, :payload, :created_at, :seen_at)
		ON CONFLICT (notification_id) WHERE notification_id IS NOT NULL DO NOTHING
	`
	_, err := sqlx.NamedExecContext(ctx, r.base.ext, query, item)
	return r.base.wrap("feed.insert", err)
}

func (r *feedRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*model.FeedItem, error) {
	query := `
		SELECT id, user_id, notification_id, template, title, body, payload, created_at, seen_at
		FROM feed_items
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	var out []*model.FeedItem
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, userID, limit); err != nil {
		return nil, r.base.wrap("feed.list_by_user", err)
	}
	r.base.observe("feed.list_by_user", nil)
	return out, nil
}

func (r *feedRepository) MarkSeenByNotification(ctx context.Context, notificationID uuid.UUID, at time.Time) error {
	query := `UPDATE feed_items SET seen_at = $2 WHERE notification_id = $1 AND seen_at IS NULL`
	_, err := r.base.ext.ExecContext(ctx, query, notificationID, at)
	return r.base.wrap("feed.mark_seen", err)
}
