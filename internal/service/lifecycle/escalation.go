package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
)

const (
	ReasonSLABreach       = "sla_breach"
	ReasonResponseTimeout = "doctor_response_timeout"
	reasonNoDoctor        = "no_doctor_available"
)

// Resolution is what the sweeper decided for one case. A nil NewDoctorID
// means no eligible doctor was found.
type Resolution struct {
	NewDoctorID *uuid.UUID
	AdminIDs    []uuid.UUID
}

// CompleteBreachHandling finishes a breach the sweeper already declared.
// With a doctor the case is reassigned and DOCTOR_NOTIFIED and
// ADMIN_NOTIFIED are logged; without one CASE_REASSIGNMENT_FAILED and
// ADMIN_NOTIFIED are logged and the case stays in SLA_BREACH. Either way the
// breach is stamped handled in the same transaction, so a crash before
// commit leaves the case for the next pass and a commit is never repeated.
func (s *Service) CompleteBreachHandling(ctx context.Context, id uuid.UUID, res Resolution) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if c.Status != model.CaseStatusSLABreach || c.BreachHandledAt != nil {
			return nil
		}
		breachedAt := now
		if c.BreachedAt != nil {
			breachedAt = *c.BreachedAt
		}
		dedupe := fmt.Sprintf("%s:%s:%d", ReasonSLABreach, c.ID, breachedAt.Unix())

		if err := s.resolve(ctx, tx, c, res, ReasonSLABreach, dedupe, now); err != nil {
			return err
		}
		handledAt := now
		c.BreachHandledAt = &handledAt
		return s.save(ctx, tx, c, now)
	})
}

// HandleResponseTimeout processes one stale assignment: it logs
// DOCTOR_RESPONSE_TIMEOUT, stamps the assignment as timed out and then
// reassigns or escalates like a breach. It is a no-op when the assignment is
// no longer the open, unaccepted one of an ASSIGNED case.
func (s *Service) HandleResponseTimeout(ctx context.Context, id, assignmentID uuid.UUID, res Resolution) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if c.Status != model.CaseStatusAssigned {
			return nil
		}
		open, err := tx.Assignments().GetOpen(ctx, c.ID)
		if err != nil {
			return err
		}
		if open == nil || open.ID != assignmentID || open.AcceptedAt != nil || open.TimedOutAt != nil {
			return nil
		}

		timedOutAt := now
		open.TimedOutAt = &timedOutAt
		if err := tx.Assignments().Update(ctx, open); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventDoctorResponseTimeout, model.JSONMap{
			"doctor_id":     open.DoctorID.String(),
			"assignment_id": open.ID.String(),
			"assigned_at":   open.AssignedAt,
		}, now); err != nil {
			return err
		}

		dedupe := fmt.Sprintf("%s:%s", ReasonResponseTimeout, open.ID)
		if err := s.resolve(ctx, tx, c, res, ReasonResponseTimeout, dedupe, now); err != nil {
			return err
		}
		return s.save(ctx, tx, c, now)
	})
}

func (s *Service) resolve(ctx context.Context, tx repository.Store, c *model.Case, res Resolution, reason, dedupe string, now time.Time) error {
	admins := make([]string, len(res.AdminIDs))
	for i, id := range res.AdminIDs {
		admins[i] = id.String()
	}

	if res.NewDoctorID == nil {
		if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseReassignmentFailed, model.JSONMap{
			"reason": reason,
			"cause":  reasonNoDoctor,
		}, now); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventAdminNotified, model.JSONMap{
			"reason":    reason,
			"admin_ids": admins,
			"outcome":   "reassignment_failed",
		}, now); err != nil {
			return err
		}
		return s.notifyAdmins(ctx, tx, c, res.AdminIDs, model.TemplateReassignmentFailed, dedupe, reason, now)
	}

	if err := s.reassign(ctx, tx, c, res.NewDoctorID, reason, now); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, c.ID, model.EventDoctorNotified, model.JSONMap{
		"doctor_id": res.NewDoctorID.String(),
		"reason":    reason,
	}, now); err != nil {
		return err
	}
	if err := s.appendEvent(ctx, tx, c.ID, model.EventAdminNotified, model.JSONMap{
		"reason":    reason,
		"admin_ids": admins,
		"outcome":   "reassigned",
		"doctor_id": res.NewDoctorID.String(),
	}, now); err != nil {
		return err
	}
	template := model.TemplateSLABreach
	if reason == ReasonResponseTimeout {
		template = model.TemplateResponseTimeout
	}
	return s.notifyAdmins(ctx, tx, c, res.AdminIDs, template, dedupe, reason, now)
}

func (s *Service) notifyAdmins(ctx context.Context, tx repository.Store, c *model.Case, admins []uuid.UUID, template, dedupe, reason string, now time.Time) error {
	for _, admin := range admins {
		key := fmt.Sprintf("%s:admin:%s:%s", dedupe, template, admin)
		if err := s.notify(ctx, tx, c, admin, s.cfg.AdminChannels, template, key, model.JSONMap{"reason": reason}, now); err != nil {
			return err
		}
	}
	return nil
}
