package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/caseflow/internal/model"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
)

var caseColumnList = []string{
	"id", "reference_code", "patient_id", "specialty_id", "language",
	"reason_for_review", "urgency_flag", "status", "sla_type", "sla_deadline",
	"sla_paused_at", "sla_remaining_seconds", "breached_at", "breach_handled_at",
	"completed_at", "created_at", "updated_at",
}

var caseColumns = strings.Join(caseColumnList, ", ")

func qualified(alias string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + c
	}
	return strings.Join(out, ", ")
}

type caseRepository struct {
	base *Store
}

func (r *caseRepository) Create(ctx context.Context, c *model.Case) error {
	query := `
		INSERT INTO cases (` + caseColumns + `)
		VALUES (
			:id, :reference_code, :patient_id, :specialty_id, :language,
			:reason_for_review, :urgency_flag, :status, :sla_type, :sla_deadline,
			:sla_paused_at, :sla_remaining_seconds, :breached_at, :breach_handled_at,
			:completed_at, :created_at, :updated_at
		)
	`
	_, err := sqlx.NamedExecContext(ctx, r.base.ext, query, c)
	return r.base.wrap("case.create", err)
}

func (r *caseRepository) Get(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	return r.get(ctx, id, "")
}

func (r *caseRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *caseRepository) get(ctx context.Context, id uuid.UUID, suffix string) (*model.Case, error) {
	query := `SELECT ` + caseColumns + ` FROM cases WHERE id = $1` + suffix

	var c model.Case
	err := sqlx.GetContext(ctx, r.base.ext, &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		r.base.observe("case.get", err)
		return nil, apperrors.CaseNotFound(id)
	}
	if err != nil {
		return nil, r.base.wrap("case.get", err)
	}
	r.base.observe("case.get", nil)
	return &c, nil
}

func (r *caseRepository) Update(ctx context.Context, c *model.Case) error {
	query := `
		UPDATE cases SET
			reference_code = :reference_code,
			language = :language,
			reason_for_review = :reason_for_review,
			urgency_flag = :urgency_flag,
			status = :status,
			sla_type = :sla_type,
			sla_deadline = :sla_deadline,
			sla_paused_at = :sla_paused_at,
			sla_remaining_seconds = :sla_remaining_seconds,
			breached_at = :breached_at,
			breach_handled_at = :breach_handled_at,
			completed_at = :completed_at,
			updated_at = :updated_at
		WHERE id = :id
	`
	res, err := sqlx.NamedExecContext(ctx, r.base.ext, query, c)
	if err != nil {
		return r.base.wrap("case.update", err)
	}
	r.base.observe("case.update", nil)
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.CaseNotFound(c.ID)
	}
	return nil
}

func (r *caseRepository) ListBreachCandidates(ctx context.Context, now time.Time, limit int) ([]*model.Case, error) {
	query := `
		SELECT ` + caseColumns + `
		FROM cases
		WHERE (
			status IN ('ASSIGNED', 'IN_REVIEW')
			AND sla_deadline IS NOT NULL
			AND sla_deadline <= $1
			AND sla_paused_at IS NULL
			AND breached_at IS NULL
		) OR (
			status = 'SLA_BREACH' AND breach_handled_at IS NULL
		)
		ORDER BY sla_deadline ASC NULLS LAST, id ASC
		LIMIT $2
	`
	var cases []*model.Case
	if err := sqlx.SelectContext(ctx, r.base.ext, &cases, query, now, limit); err != nil {
		return nil, r.base.wrap("case.list_breach_candidates", err)
	}
	r.base.observe("case.list_breach_candidates", nil)
	return cases, nil
}

type staleRow struct {
	model.Case
	AssignmentID           uuid.UUID  `db:"assignment_id"`
	DoctorID               uuid.UUID  `db:"doctor_id"`
	AssignedAt             time.Time  `db:"assigned_at"`
	AcceptedAt             *time.Time `db:"accepted_at"`
	TimedOutAt             *time.Time `db:"timed_out_at"`
	ReassignedFromDoctorID *uuid.UUID `db:"reassigned_from_doctor_id"`
}

func (r *caseRepository) ListStaleAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*model.StaleAssignment, error) {
	query := fmt.Sprintf(`
		SELECT %s,
			a.id AS assignment_id, a.doctor_id, a.assigned_at, a.accepted_at,
			a.timed_out_at, a.reassigned_from_doctor_id
		FROM cases c
		JOIN assignments a ON a.case_id = c.id AND a.completed_at IS NULL
		WHERE c.status = 'ASSIGNED'
		AND a.accepted_at IS NULL
		AND a.timed_out_at IS NULL
		AND a.assigned_at <= $1
		ORDER BY a.assigned_at ASC, c.id ASC
		LIMIT $2
	`, qualified("c", caseColumnList))

	var rows []staleRow
	if err := sqlx.SelectContext(ctx, r.base.ext, &rows, query, cutoff, limit); err != nil {
		return nil, r.base.wrap("case.list_stale_assignments", err)
	}
	r.base.observe("case.list_stale_assignments", nil)

	out := make([]*model.StaleAssignment, 0, len(rows))
	for i := range rows {
		row := rows[i]
		c := row.Case
		out = append(out, &model.StaleAssignment{
			Case: &c,
			Assignment: &model.Assignment{
				ID:                     row.AssignmentID,
				CaseID:                 c.ID,
				DoctorID:               row.DoctorID,
				AssignedAt:             row.AssignedAt,
				AcceptedAt:             row.AcceptedAt,
				TimedOutAt:             row.TimedOutAt,
				ReassignedFromDoctorID: row.ReassignedFromDoctorID,
			},
		})
	}
	return out, nil
}
