package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/caseflow/internal/model"
)

type eventRepository struct {
	base *Store
}

// Append inserts the event and fills in its sequence number.
func (r *eventRepository) Append(ctx context.Context, e *model.CaseEvent) error {
	if e.Payload == nil {
		e.Payload = model.JSONMap{}
	}
	query := `
		INSERT INTO case_events (id, case_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq
	`
	err := sqlx.GetContext(ctx, r.base.ext, &e.Seq, query,
		e.ID, e.CaseID, e.EventType, e.Payload, e.CreatedAt)
	return r.base.wrap("event.append", err)
}

func (r *eventRepository) ListByCase(ctx context.Context, caseID uuid.UUID) ([]*model.CaseEvent, error) {
	query := `
		SELECT seq, id, case_id, event_type, payload, created_at
		FROM case_events
		WHERE case_id = $1
		ORDER BY seq ASC
	`
	var out []*model.CaseEvent
	if err := sqlx.SelectContext(ctx, r.base.ext, &out, query, caseID); err != nil {
		return nil, r.base.wrap("event.list_by_case", err)
	}
	r.base.observe("event.list_by_case", nil)
	return out, nil
}
