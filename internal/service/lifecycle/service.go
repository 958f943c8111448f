package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/validator"
)

const referencePrefix = "CR-"

// Notifier enqueues notification rows through the given store so they commit
// with the state change that produced them.
type Notifier interface {
	EnqueueIn(ctx context.Context, store repository.Store, req model.NotificationRequest) (model.EnqueueResult, error)
}

type Config struct {
	SLAHours   map[string]time.Duration
	DefaultSLA time.Duration
	// Channels used for patient, doctor and admin facing notifications.
	PatientChannels []model.Channel
	DoctorChannels  []model.Channel
	AdminChannels   []model.Channel
}

func DefaultConfig() Config {
	return Config{
		SLAHours: map[string]time.Duration{
			string(model.SLAStandard72h): 72 * time.Hour,
			string(model.SLAPriority24h): 24 * time.Hour,
		},
		DefaultSLA:      72 * time.Hour,
		PatientChannels: []model.Channel{model.ChannelEmail, model.ChannelInternal},
		DoctorChannels:  []model.Channel{model.ChannelEmail, model.ChannelInternal},
		AdminChannels:   []model.Channel{model.ChannelInternal, model.ChannelEmail},
	}
}

// Service is the case state machine. Every mutating operation runs in one
// transaction covering the case row, its audit events and any notification
// rows it requests.
type Service struct {
	store     repository.Store
	notifier  Notifier
	cfg       Config
	log       *logger.Logger
	validator validator.Validator
	now       func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store repository.Store, notifier Notifier, cfg Config, log *logger.Logger, opts ...Option) *Service {
	if cfg.DefaultSLA <= 0 {
		cfg.DefaultSLA = 72 * time.Hour
	}
	if len(cfg.PatientChannels) == 0 {
		cfg.PatientChannels = DefaultConfig().PatientChannels
	}
	if len(cfg.DoctorChannels) == 0 {
		cfg.DoctorChannels = DefaultConfig().DoctorChannels
	}
	if len(cfg.AdminChannels) == 0 {
		cfg.AdminChannels = DefaultConfig().AdminChannels
	}
	s := &Service{
		store:     store,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
		validator: validator.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreateDraft allocates a new case in DRAFT. No deadline is set.
func (s *Service) CreateDraft(ctx context.Context, req model.CreateDraftRequest) (*model.Case, error) {
	if err := s.validator.Validate(req); err != nil {
		return nil, apperrors.BadRequest("invalid case draft", err)
	}

	now := s.clock()
	c := &model.Case{
		ID:              uuid.New(),
		PatientID:       req.PatientID,
		SpecialtyID:     req.SpecialtyID,
		Language:        languageOrDefault(req.Language),
		ReasonForReview: req.ReasonForReview,
		UrgencyFlag:     req.UrgencyFlag,
		Status:          model.CaseStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		if err := tx.Cases().Create(ctx, c); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, c.ID, model.EventCaseDraftCreated, model.JSONMap{
			"language":     c.Language,
			"urgency_flag": c.UrgencyFlag,
			"specialty_id": c.SpecialtyID,
		}, now)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("case draft created", "case_id", c.ID.String())
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	return s.store.Cases().Get(ctx, id)
}

func (s *Service) Events(ctx context.Context, id uuid.UUID) ([]*model.CaseEvent, error) {
	if _, err := s.store.Cases().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events().ListByCase(ctx, id)
}

func (s *Service) Assignments(ctx context.Context, id uuid.UUID) ([]*model.Assignment, error) {
	if _, err := s.store.Cases().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Assignments().ListByCase(ctx, id)
}

// Submit moves a draft to SUBMITTED.
func (s *Service) Submit(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if c.Status == model.CaseStatusSubmitted {
			return nil
		}
		if !c.Status.CanTransition(model.CaseStatusSubmitted) {
			return apperrors.InvalidTransition(c.Status.String(), model.CaseStatusSubmitted.String())
		}
		if err := s.setStatus(ctx, tx, c, model.CaseStatusSubmitted, now, nil); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseSubmitted, nil, now); err != nil {
			return err
		}
		return s.save(ctx, tx, c, now)
	})
}

// MarkPaid confirms payment and starts the SLA clock at created_at plus the
// hours configured for slaType. Once a deadline exists the call is a no-op,
// so retried payment callbacks neither move the deadline nor re-notify.
func (s *Service) MarkPaid(ctx context.Context, id uuid.UUID, slaType string) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if c.Status == model.CaseStatusPaid || c.SLADeadline != nil {
			return nil
		}
		if !c.Status.CanTransition(model.CaseStatusPaid) {
			return apperrors.InvalidTransition(c.Status.String(), model.CaseStatusPaid.String())
		}

		t := s.resolveSLAType(slaType, c.UrgencyFlag)
		deadline := c.CreatedAt.Add(s.slaDuration(t))
		c.SLAType = &t
		c.SLADeadline = &deadline
		if c.ReferenceCode == nil {
			code := referencePrefix + ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
			c.ReferenceCode = &code
		}

		if err := s.setStatus(ctx, tx, c, model.CaseStatusPaid, now, nil); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseReadyForAssignment, model.JSONMap{
			"sla_type":       string(t),
			"sla_deadline":   deadline,
			"reference_code": *c.ReferenceCode,
		}, now); err != nil {
			return err
		}
		if err := s.save(ctx, tx, c, now); err != nil {
			return err
		}
		return s.notify(ctx, tx, c, c.PatientID, s.cfg.PatientChannels, model.TemplatePaymentConfirmation,
			"payment_confirmation:"+c.ID.String(), model.JSONMap{"sla_deadline": deadline}, now)
	})
}

// AssignDoctor closes any open assignment and binds the case to doctorID.
// Assigning the doctor who already holds the open assignment is a no-op.
func (s *Service) AssignDoctor(ctx context.Context, id, doctorID uuid.UUID, replacedDoctorID *uuid.UUID) (*model.Case, error) {
	if doctorID == uuid.Nil {
		return nil, apperrors.BadRequest("doctor id is required", nil)
	}
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		from := c.Status
		if from != model.CaseStatusAssigned && !from.CanTransition(model.CaseStatusAssigned) {
			return apperrors.InvalidTransition(from.String(), model.CaseStatusAssigned.String())
		}

		open, err := tx.Assignments().GetOpen(ctx, c.ID)
		if err != nil {
			return err
		}
		if open != nil && open.DoctorID == doctorID {
			if from == model.CaseStatusAssigned {
				return nil
			}
			// files came back or the reassigned doctor was confirmed
			if err := s.leaveStatus(ctx, tx, c, now, "assigned"); err != nil {
				return err
			}
			if err := s.setStatus(ctx, tx, c, model.CaseStatusAssigned, now, nil); err != nil {
				return err
			}
			return s.save(ctx, tx, c, now)
		}

		previous := replacedDoctorID
		if open != nil {
			if previous == nil {
				prev := open.DoctorID
				previous = &prev
			}
			if err := s.finalizeAssignment(ctx, tx, open, now); err != nil {
				return err
			}
		}

		a := &model.Assignment{
			ID:                     uuid.New(),
			CaseID:                 c.ID,
			DoctorID:               doctorID,
			AssignedAt:             now,
			ReassignedFromDoctorID: previous,
		}
		if err := tx.Assignments().Create(ctx, a); err != nil {
			return err
		}

		if from != model.CaseStatusAssigned {
			if err := s.leaveStatus(ctx, tx, c, now, "assigned"); err != nil {
				return err
			}
			if err := s.setStatus(ctx, tx, c, model.CaseStatusAssigned, now, nil); err != nil {
				return err
			}
		}
		payload := model.JSONMap{"doctor_id": doctorID.String(), "assignment_id": a.ID.String()}
		if previous != nil {
			payload["replaced_doctor_id"] = previous.String()
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseAssigned, payload, now); err != nil {
			return err
		}
		if err := s.save(ctx, tx, c, now); err != nil {
			return err
		}
		return s.notify(ctx, tx, c, doctorID, s.cfg.DoctorChannels, model.TemplateCaseAssigned,
			"case_assigned:"+a.ID.String(), nil, now)
	})
}

// ReassignCase closes the current assignment and moves the case to
// REASSIGNED. With a nil newDoctorID no assignment is created and the case
// waits in REASSIGNED for an operator or a later sweep.
func (s *Service) ReassignCase(ctx context.Context, id uuid.UUID, newDoctorID *uuid.UUID, reason string) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		return s.reassign(ctx, tx, c, newDoctorID, reason, now)
	})
}

func (s *Service) reassign(ctx context.Context, tx repository.Store, c *model.Case, newDoctorID *uuid.UUID, reason string, now time.Time) error {
	open, err := tx.Assignments().GetOpen(ctx, c.ID)
	if err != nil {
		return err
	}

	switch {
	case model.StatusIn(c.Status, model.ReassignableStatuses):
	case c.Status == model.CaseStatusReassigned && open == nil && newDoctorID != nil:
		// a doctor was found for a case left waiting in REASSIGNED
	case c.Status == model.CaseStatusReassigned:
		return nil
	default:
		return apperrors.InvalidTransition(c.Status.String(), model.CaseStatusReassigned.String())
	}

	var previous *uuid.UUID
	if open != nil {
		prev := open.DoctorID
		previous = &prev
		if err := s.finalizeAssignment(ctx, tx, open, now); err != nil {
			return err
		}
	}

	if c.Status != model.CaseStatusReassigned {
		if err := s.setStatus(ctx, tx, c, model.CaseStatusReassigned, now, model.JSONMap{"reason": reason}); err != nil {
			return err
		}
	}

	payload := model.JSONMap{"from": nil, "to": nil, "reason": reason}
	if previous != nil {
		payload["from"] = previous.String()
	}

	var a *model.Assignment
	if newDoctorID != nil {
		a = &model.Assignment{
			ID:                     uuid.New(),
			CaseID:                 c.ID,
			DoctorID:               *newDoctorID,
			AssignedAt:             now,
			ReassignedFromDoctorID: previous,
		}
		if err := tx.Assignments().Create(ctx, a); err != nil {
			return err
		}
		payload["to"] = newDoctorID.String()
		payload["assignment_id"] = a.ID.String()
	}

	if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseReassigned, payload, now); err != nil {
		return err
	}
	if err := s.save(ctx, tx, c, now); err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	return s.notify(ctx, tx, c, a.DoctorID, s.cfg.DoctorChannels, model.TemplateCaseReassigned,
		"case_reassigned:"+a.ID.String(), model.JSONMap{"reason": reason}, now)
}

// MarkSLABreach is the system-declared transition to SLA_BREACH. It bypasses
// the generic table and is legal only from ASSIGNED or IN_REVIEW.
func (s *Service) MarkSLABreach(ctx context.Context, id uuid.UUID) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		return s.breach(ctx, tx, c, now)
	})
}

// BreachIfOverdue is the sweeper's breach path. The deadline is re-checked
// under the row lock, so a case paused, resumed or moved on since it was
// listed is left alone. It reports whether the case is in SLA_BREACH.
func (s *Service) BreachIfOverdue(ctx context.Context, id uuid.UUID) (*model.Case, bool, error) {
	breached := false
	c, err := s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if c.Status == model.CaseStatusSLABreach {
			breached = true
			return nil
		}
		if !model.StatusIn(c.Status, model.BreachableStatuses) || c.BreachedAt != nil || !c.Overdue(now) {
			return nil
		}
		breached = true
		return s.breach(ctx, tx, c, now)
	})
	if err != nil {
		return nil, false, err
	}
	return c, breached, nil
}

func (s *Service) breach(ctx context.Context, tx repository.Store, c *model.Case, now time.Time) error {
	if c.Status == model.CaseStatusSLABreach {
		return nil
	}
	if !model.StatusIn(c.Status, model.BreachableStatuses) {
		return apperrors.InvalidTransition(c.Status.String(), model.CaseStatusSLABreach.String())
	}

	open, err := tx.Assignments().GetOpen(ctx, c.ID)
	if err != nil {
		return err
	}

	breachedAt := now
	c.BreachedAt = &breachedAt
	if err := s.setStatus(ctx, tx, c, model.CaseStatusSLABreach, now, nil); err != nil {
		return err
	}
	payload := model.JSONMap{"sla_deadline": c.SLADeadline}
	if open != nil {
		payload["doctor_id"] = open.DoctorID.String()
	}
	if err := s.appendEvent(ctx, tx, c.ID, model.EventSLABreached, payload, now); err != nil {
		return err
	}
	if err := s.save(ctx, tx, c, now); err != nil {
		return err
	}
	if open == nil {
		return nil
	}
	return s.notify(ctx, tx, c, open.DoctorID, s.cfg.DoctorChannels, model.TemplateSLABreach,
		fmt.Sprintf("sla_breach:%s:%d", c.ID, breachedAt.Unix()), model.JSONMap{"sla_deadline": c.SLADeadline}, now)
}

// PauseSLA freezes the remaining budget. It is a no-op when already paused
// or when no deadline has been set.
func (s *Service) PauseSLA(ctx context.Context, id uuid.UUID, reason string) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if !s.pause(c, now) {
			return nil
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventSLAPaused, model.JSONMap{
			"reason":            reason,
			"remaining_seconds": *c.SLARemainingSeconds,
		}, now); err != nil {
			return err
		}
		return s.save(ctx, tx, c, now)
	})
}

// ResumeSLA restarts the clock with the frozen budget. No-op when not paused.
func (s *Service) ResumeSLA(ctx context.Context, id uuid.UUID, reason string) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		if !s.resume(c, now) {
			return nil
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventSLAResumed, model.JSONMap{
			"reason":       reason,
			"sla_deadline": c.SLADeadline,
		}, now); err != nil {
			return err
		}
		return s.save(ctx, tx, c, now)
	})
}

func (s *Service) pause(c *model.Case, now time.Time) bool {
	if c.Paused() || c.SLADeadline == nil {
		return false
	}
	remaining := c.SLADeadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	secs := int64(remaining / time.Second)
	pausedAt := now
	c.SLAPausedAt = &pausedAt
	c.SLARemainingSeconds = &secs
	return true
}

func (s *Service) resume(c *model.Case, now time.Time) bool {
	if !c.Paused() {
		return false
	}
	var remaining time.Duration
	if c.SLARemainingSeconds != nil {
		remaining = time.Duration(*c.SLARemainingSeconds) * time.Second
	}
	// keep the sub-second remainder from the frozen deadline when the stored
	// budget still matches it
	if c.SLADeadline != nil {
		frozen := c.SLADeadline.Sub(*c.SLAPausedAt)
		if frozen >= 0 && frozen/time.Second == remaining/time.Second {
			remaining = frozen
		}
	}
	deadline := now.Add(remaining)
	c.SLADeadline = &deadline
	c.SLAPausedAt = nil
	c.SLARemainingSeconds = nil
	return true
}

// AcceptAssignment records that the assigned doctor picked the case up. It
// does not change the status but stops the response timeout.
func (s *Service) AcceptAssignment(ctx context.Context, id, doctorID uuid.UUID) (*model.Case, error) {
	return s.mutate(ctx, id, func(tx repository.Store, c *model.Case, now time.Time) error {
		open, err := tx.Assignments().GetOpen(ctx, c.ID)
		if err != nil {
			return err
		}
		if open == nil || open.DoctorID != doctorID {
			return apperrors.Conflict("doctor does not hold the open assignment", nil)
		}
		if open.AcceptedAt != nil {
			return nil
		}
		acceptedAt := now
		open.AcceptedAt = &acceptedAt
		if err := tx.Assignments().Update(ctx, open); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.EventCaseAccepted, model.JSONMap{
			"doctor_id":     doctorID.String(),
			"assignment_id": open.ID.String(),
		}, now); err != nil {
			return err
		}
		return s.save(ctx, tx, c, now)
	})
}

// LogEvent appends a single audit event to an existing case.
func (s *Service) LogEvent(ctx context.Context, id uuid.UUID, eventType string, payload model.JSONMap) error {
	if strings.TrimSpace(eventType) == "" {
		return apperrors.BadRequest("event type is required", nil)
	}
	now := s.clock()
	return s.store.WithTx(ctx, func(tx repository.Store) error {
		if _, err := tx.Cases().Get(ctx, id); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, id, eventType, payload, now)
	})
}

func (s *Service) mutate(ctx context.Context, id uuid.UUID, fn func(tx repository.Store, c *model.Case, now time.Time) error) (*model.Case, error) {
	var out *model.Case
	err := s.store.WithTx(ctx, func(tx repository.Store) error {
		c, err := tx.Cases().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(tx, c, s.clock()); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// setStatus changes the in-memory status and writes the status:<TO> event.
// The caller persists the row.
func (s *Service) setStatus(ctx context.Context, tx repository.Store, c *model.Case, to model.CaseStatus, now time.Time, extra model.JSONMap) error {
	payload := model.JSONMap{"from": c.Status.String(), "to": to.String()}
	for k, v := range extra {
		payload[k] = v
	}
	from := c.Status
	c.Status = to
	if err := s.appendEvent(ctx, tx, c.ID, model.StatusEventType(to), payload, now); err != nil {
		return err
	}
	s.log.Info("case status changed", "case_id", c.ID.String(), "from", from.String(), "to", to.String())
	return nil
}

// leaveStatus applies the exit side effects of the current status.
func (s *Service) leaveStatus(ctx context.Context, tx repository.Store, c *model.Case, now time.Time, reason string) error {
	if c.Status != model.CaseStatusRejectedFiles {
		return nil
	}
	if !s.resume(c, now) {
		return nil
	}
	return s.appendEvent(ctx, tx, c.ID, model.EventSLAResumed, model.JSONMap{
		"reason":       reason,
		"sla_deadline": c.SLADeadline,
	}, now)
}

func (s *Service) save(ctx context.Context, tx repository.Store, c *model.Case, now time.Time) error {
	c.UpdatedAt = now
	return tx.Cases().Update(ctx, c)
}

func (s *Service) finalizeAssignment(ctx context.Context, tx repository.Store, a *model.Assignment, now time.Time) error {
	completedAt := now
	a.CompletedAt = &completedAt
	return tx.Assignments().Update(ctx, a)
}

func (s *Service) appendEvent(ctx context.Context, tx repository.Store, caseID uuid.UUID, eventType string, payload model.JSONMap, now time.Time) error {
	return tx.Events().Append(ctx, model.NewCaseEvent(caseID, eventType, payload, now))
}

// notify enqueues one row per channel. Queued rows are mirrored into the
// audit trail as notification:<template> events.
func (s *Service) notify(ctx context.Context, tx repository.Store, c *model.Case, recipient uuid.UUID, channels []model.Channel, template, dedupeKey string, vars model.JSONMap, now time.Time) error {
	if s.notifier == nil {
		return nil
	}
	variables := model.JSONMap{
		"case_id":    c.ID.String(),
		"status":     c.Status.String(),
		"urgent":     c.UrgencyFlag,
		"created_at": c.CreatedAt,
	}
	if c.ReferenceCode != nil {
		variables["reference_code"] = *c.ReferenceCode
	}
	for k, v := range vars {
		variables[k] = v
	}

	caseID := c.ID
	for _, ch := range channels {
		req := model.NotificationRequest{
			CaseID:      &caseID,
			RecipientID: recipient,
			Channel:     ch,
			Template:    template,
			Language:    c.Language,
			Variables:   variables,
		}
		if dedupeKey != "" {
			req.DedupeKey = dedupeKey + ":" + string(ch)
		}
		res, err := s.notifier.EnqueueIn(ctx, tx, req)
		if err != nil {
			return err
		}
		if !res.Queued() {
			if res.Outcome == model.EnqueueRejected {
				s.log.Warn("notification not queued", "case_id", c.ID.String(), "template", template, "reason", res.Reason)
			}
			continue
		}
		if err := s.appendEvent(ctx, tx, c.ID, model.NotificationEventType(template), model.JSONMap{
			"notification_id": res.NotificationID.String(),
			"recipient_id":    recipient.String(),
			"channel":         string(ch),
		}, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) resolveSLAType(raw string, urgent bool) model.SLAType {
	t := strings.ToLower(strings.TrimSpace(raw))
	if t != "" {
		return model.SLAType(t)
	}
	if urgent {
		return model.SLAPriority24h
	}
	return model.SLAStandard72h
}

func (s *Service) slaDuration(t model.SLAType) time.Duration {
	if d, ok := s.cfg.SLAHours[string(t)]; ok && d > 0 {
		return d
	}
	return s.cfg.DefaultSLA
}

func languageOrDefault(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return "en"
	}
	return lang
}
