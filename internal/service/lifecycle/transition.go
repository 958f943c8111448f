package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
)

// Transition is the boundary entry point for status changes requested with
// an external status spelling. The raw value is canonicalised before any
// rule is checked; operations with their own contract (submit, payment,
// breach, reassignment) are routed to them.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, rawStatus, reason string) (*model.Case, error) {
	to, err := model.NormalizeStatus(rawStatus)
	if err != nil {
		return nil, apperrors.BadRequest("unknown status", err)
	}

	switch to {
	case model.CaseStatusSubmitted:
		return s.Submit(ctx, id)
	case model.CaseStatusPaid:
		return s.MarkPaid(ctx, id, "")
	case model.CaseStatusSLABreach:
		return s.MarkSLABreach(ctx, id)
	case model.CaseStatusReassigned:
		return s.ReassignCase(ctx, id, nil, reason)
	}

	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		from := c.Status
		if from == to {
			return nil
		}
		if !from.CanTransition(to) {
			return apperrors.InvalidTransition(from.String(), to.String())
		}

		open, err := tx.Assignments().GetOpen(ctx, c.ID)
		if err != nil {
			return err
		}
		if open == nil {
			switch to {
			case model.CaseStatusAssigned:
				return apperrors.BadRequest("case has no doctor to return to; assign one instead", nil)
			case model.CaseStatusInReview:
				return apperrors.Conflict("case has no open assignment to review; assign a doctor first", nil)
			}
		}

		if err := s.leaveStatus(ctx, tx, c, now, reason); err != nil {
			return err
		}
		if err := s.setStatus(ctx, tx, c, to, now, model.JSONMap{"reason": reason}); err != nil {
			return err
		}

		switch to {
		case model.CaseStatusInReview:
			if err := s.accept(ctx, tx, open, now); err != nil {
				return err
			}
		case model.CaseStatusAssigned:
			if from == model.CaseStatusReassigned {
				if err := s.accept(ctx, tx, open, now); err != nil {
					return err
				}
			}
		case model.CaseStatusRejectedFiles:
			if s.pause(c, now) {
				if err := s.appendEvent(ctx, tx, c.ID, model.EventSLAPaused, model.JSONMap{
					"reason":            reason,
					"remaining_seconds": *c.SLARemainingSeconds,
				}, now); err != nil {
					return err
				}
			}
		case model.CaseStatusCompleted:
			if open != nil {
				if err := s.finalizeAssignment(ctx, tx, open, now); err != nil {
					return err
				}
			}
			completedAt := now
			c.CompletedAt = &completedAt
			if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseCompleted, nil, now); err != nil {
				return err
			}
		}

		if err := s.save(ctx, tx, c, now); err != nil {
			return err
		}

		switch to {
		case model.CaseStatusRejectedFiles:
			return s.notify(ctx, tx, c, c.PatientID, s.cfg.PatientChannels, model.TemplateFilesRejected,
				fmt.Sprintf("files_rejected:%s:%d", c.ID, now.Unix()), model.JSONMap{"reason": reason}, now)
		case model.CaseStatusCompleted:
			return s.notify(ctx, tx, c, c.PatientID, s.cfg.PatientChannels, model.TemplateCaseCompleted,
				"case_completed:"+c.ID.String(), nil, now)
		}
		return nil
	})
}

func (s *Service) accept(ctx context.Context, tx repository.Store, a *model.Assignment, now time.Time) error {
	if a == nil || a.AcceptedAt != nil {
		return nil
	}
	acceptedAt := now
	a.AcceptedAt = &acceptedAt
	return tx.Assignments().Update(ctx, a)
}
