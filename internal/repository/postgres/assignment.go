package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/caseflow/internal/model"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
)

const assignmentColumns = `id, case_id, doctor_id, assigned_at, accepted_at, completed_at, timed_out_at, reassigned_from_doctor_id`

type assignmentRepository struct {
	base *Store
}

func (r *assignmentRepository) Create(ctx context.Context, a *model.Assignment) error {
	query := `
		INSERT INTO assignments (` + assignmentColumns + `)
		VALUES (
			:id, :case_id, :doctor_id, :assigned_at, :accepted_at,
			:completed_at, :timed_out_at, :reassigned_from_doctor_id
		)
	`
	_, err := sqlx.NamedExecContext(ctx, r.base.ext, query, a)
	if isUniqueViolation(err) {
		r.base.observe("assignment.create", err)
		return apperrors.Conflict("case already has an open assignment", err)
	}
	return r.base.wrap("assignment.create", err)
}

func (r *assignmentRepository) GetOpen(ctx context.Context, caseID uuid.UUID) (*model.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE case_id = $1 AND completed_at IS NULL
	`
	var a model.Assignment
	err := sqlx.GetContext(ctx, r.base.ext, &a, query, caseID)
	if errors.Is(err, sql.ErrNoRows) {
		r.base.observe("assignment.get_open", err)
		return nil, nil
	}
	if err != nil {
		return nil, r.base.wrap("assignment.get_open", err)
	}
	r.base.observe("assignment.get_open", nil)
	return &a, nil
}

func (r *assignmentRepository) Update(ctx context.Context, a *model.Assignment) error {
	query := `
		UPDATE assignments SET
			accepted_at = :accepted_at,
			completed_at = :completed_at,
			timed_out_at = :timed_out_at
		WHERE id = :id
	`
	res, err := sqlx.NamedExecContext(ctx, r.base.ext, query, a)
	if err != nil {
		return r.base.wrap("assignment.update", err)
	}
	r.base.observe("assignment.update", nil)
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("assignment", nil)
	}
	return nil
}

func (r *assignmentRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.Assignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM assignments
		WHERE case_id = $1
		ORDER BY assigned_at ASC, id ASC
	`
	var out []*model.Assignment
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, caseID); err != nil {
		return nil, r.base.wrap("assignment.list_by_case", err)
	}
	r.base.observe("assignment.list_by_case", nil)
	return out, nil
}
