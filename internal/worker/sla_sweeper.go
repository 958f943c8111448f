package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	"github.com/jwalitptl/caseflow/internal/service/lifecycle"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/lock"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

const sweepLockKey = "sla-sweeper"

// CaseMachine is the part of the lifecycle service the sweeper drives.
type CaseMachine interface {
	BreachIfOverdue(ctx context.Context, id uuid.UUID) (*model.Case, bool, error)
	CompleteBreachHandling(ctx context.Context, id uuid.UUID, res lifecycle.Resolution) (*model.Case, error)
	HandleResponseTimeout(ctx context.Context, id, assignmentID uuid.UUID, res lifecycle.Resolution) (*model.Case, error)
}

type DoctorPicker interface {
	PickDoctor(ctx context.Context, specialtyID string, exclude ...uuid.UUID) (*model.Doctor, error)
}

type SLASweeperConfig struct {
	Interval        time.Duration
	BatchSize       int
	ResponseTimeout time.Duration
	// Role "passive" turns RunOnce into a no-op on standby replicas.
	Role     string
	DryRun   bool
	AdminIDs []uuid.UUID
	LeaseTTL time.Duration
}

// SweepReport counts what one pass did, or in dry-run mode, would do.
type SweepReport struct {
	Breaches   int
	Timeouts   int
	Reassigned int
	Escalated  int
	Failed     int
	Skipped    bool
}

// SLASweeper periodically scans for overdue cases and unaccepted
// assignments and hands them to the lifecycle service.
type SLASweeper struct {
	store   repository.Store
	cases   CaseMachine
	picker  DoctorPicker
	locker  lock.Locker
	config  SLASweeperConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	running sync.Mutex
}

type SweeperOption func(*SLASweeper)

func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(w *SLASweeper) { w.now = now }
}

// WithLocker makes the sweeper take a cluster-wide lease before each pass.
func WithLocker(l lock.Locker) SweeperOption {
	return func(w *SLASweeper) { w.locker = l }
}

func NewSLASweeper(
	store repository.Store,
	cases CaseMachine,
	picker DoctorPicker,
	config SLASweeperConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
	opts ...SweeperOption,
) *SLASweeper {
	if config.Interval <= 0 {
		panic("Interval must be greater than 0")
	}
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.ResponseTimeout <= 0 {
		panic("ResponseTimeout must be greater than 0")
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = 2 * config.Interval
	}

	w := &SLASweeper{
		store:   store,
		cases:   cases,
		picker:  picker,
		config:  config,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *SLASweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.logger.Info("Starting SLA sweeper",
		"interval", w.config.Interval.String(),
		"role", w.config.Role,
		"dry_run", w.config.DryRun)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Shutting down SLA sweeper")
			return
		case <-ticker.C:
			report, err := w.RunOnce(ctx)
			if err != nil {
				w.logger.Error(err, "SLA sweep aborted")
				continue
			}
			if report.Breaches+report.Timeouts > 0 {
				w.logger.Info("SLA sweep finished",
					"breaches", report.Breaches,
					"timeouts", report.Timeouts,
					"reassigned", report.Reassigned,
					"escalated", report.Escalated,
					"failed", report.Failed)
			}
		}
	}
}

// RunOnce performs one pass. Overlapping calls are skipped, not queued. A
// store outage aborts the pass; any other per-case failure is logged and
// the pass moves on to the next case.
func (w *SLASweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if w.config.Role == "passive" {
		report.Skipped = true
		return report, nil
	}
	if !w.running.TryLock() {
		w.skipped("previous pass still running")
		report.Skipped = true
		return report, nil
	}
	defer w.running.Unlock()

	if w.locker != nil {
		lease, ok, err := w.locker.Acquire(ctx, sweepLockKey, w.config.LeaseTTL)
		if err != nil {
			return report, err
		}
		if !ok {
			w.skipped("lease held by another instance")
			report.Skipped = true
			return report, nil
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				w.logger.Warn("failed to release sweep lease", "error", err.Error())
			}
		}()
	}

	if w.metrics != nil {
		timer := prometheus.NewTimer(w.metrics.SweepDuration)
		defer timer.ObserveDuration()
	}

	now := w.now().UTC()
	if err := w.sweepBreaches(ctx, now, &report); err != nil {
		return report, err
	}
	if err := w.sweepTimeouts(ctx, now, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (w *SLASweeper) sweepBreaches(ctx context.Context, now time.Time, report *SweepReport) error {
	candidates, err := w.store.Cases().ListBreachCandidates(ctx, now, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list breach candidates: %w", err)
	}

	for _, c := range candidates {
		if err := w.handleBreach(ctx, c, report); err != nil {
			if apperrors.IsStoreUnavailable(err) {
				return err
			}
			report.Failed++
			w.logger.Error(err, "failed to handle SLA breach", "case_id", c.ID.String())
		}
	}
	return nil
}

func (w *SLASweeper) handleBreach(ctx context.Context, c *model.Case, report *SweepReport) error {
	current, err := w.currentDoctor(ctx, c.ID)
	if err != nil {
		return err
	}
	doctor, err := w.pick(ctx, c.SpecialtyID, current)
	if err != nil {
		return err
	}

	if w.config.DryRun {
		report.Breaches++
		w.planned("breach", c, doctor, report)
		return nil
	}

	if c.Status != model.CaseStatusSLABreach {
		_, breached, err := w.cases.BreachIfOverdue(ctx, c.ID)
		if err != nil {
			return err
		}
		if !breached {
			w.logger.Debug("case no longer overdue, skipping breach", "case_id", c.ID.String())
			return nil
		}
		if w.metrics != nil {
			w.metrics.BreachesDetected.Inc()
		}
	}
	report.Breaches++

	updated, err := w.cases.CompleteBreachHandling(ctx, c.ID, w.resolution(doctor))
	if err != nil {
		return err
	}
	w.record(lifecycle.ReasonSLABreach, updated, doctor, report)
	return nil
}

func (w *SLASweeper) sweepTimeouts(ctx context.Context, now time.Time, report *SweepReport) error {
	stale, err := w.store.Cases().ListStaleAssignments(ctx, now.Add(-w.config.ResponseTimeout), w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale assignments: %w", err)
	}

	for _, s := range stale {
		if err := w.handleTimeout(ctx, s, report); err != nil {
			if apperrors.IsStoreUnavailable(err) {
				return err
			}
			report.Failed++
			w.logger.Error(err, "failed to handle response timeout",
				"case_id", s.Case.ID.String(),
				"assignment_id", s.Assignment.ID.String())
		}
	}
	return nil
}

func (w *SLASweeper) handleTimeout(ctx context.Context, s *model.StaleAssignment, report *SweepReport) error {
	doctor, err := w.pick(ctx, s.Case.SpecialtyID, &s.Assignment.DoctorID)
	if err != nil {
		return err
	}
	report.Timeouts++

	if w.config.DryRun {
		w.planned("response timeout", s.Case, doctor, report)
		return nil
	}

	if w.metrics != nil {
		w.metrics.TimeoutsDetected.Inc()
	}
	updated, err := w.cases.HandleResponseTimeout(ctx, s.Case.ID, s.Assignment.ID, w.resolution(doctor))
	if err != nil {
		return err
	}
	w.record(lifecycle.ReasonResponseTimeout, updated, doctor, report)
	return nil
}

func (w *SLASweeper) currentDoctor(ctx context.Context, caseID uuid.UUID) (*uuid.UUID, error) {
	open, err := w.store.Assignments().GetOpen(ctx, caseID)
	if err != nil || open == nil {
		return nil, err
	}
	return &open.DoctorID, nil
}

func (w *SLASweeper) pick(ctx context.Context, specialtyID string, exclude *uuid.UUID) (*model.Doctor, error) {
	var excluded []uuid.UUID
	if exclude != nil {
		excluded = append(excluded, *exclude)
	}
	doctor, err := w.picker.PickDoctor(ctx, specialtyID, excluded...)
	if err != nil {
		return nil, fmt.Errorf("failed to pick doctor: %w", err)
	}
	return doctor, nil
}

func (w *SLASweeper) resolution(doctor *model.Doctor) lifecycle.Resolution {
	res := lifecycle.Resolution{AdminIDs: w.config.AdminIDs}
	if doctor != nil {
		id := doctor.ID
		res.NewDoctorID = &id
	}
	return res
}

func (w *SLASweeper) record(reason string, c *model.Case, doctor *model.Doctor, report *SweepReport) {
	if doctor != nil && c != nil && c.Status == model.CaseStatusReassigned {
		report.Reassigned++
		if w.metrics != nil {
			w.metrics.Reassignments.WithLabelValues(reason).Inc()
		}
		w.logger.Info("case reassigned by sweeper",
			"case_id", c.ID.String(),
			"doctor_id", doctor.ID.String(),
			"reason", reason)
		return
	}
	if doctor == nil {
		report.Escalated++
		if w.metrics != nil {
			w.metrics.ReassignmentFailures.WithLabelValues(reason).Inc()
		}
		w.logger.Warn("no eligible doctor, escalated to admins", "case_id", c.ID.String(), "reason", reason)
	}
}

func (w *SLASweeper) planned(kind string, c *model.Case, doctor *model.Doctor, report *SweepReport) {
	target := "none"
	if doctor != nil {
		target = doctor.ID.String()
		report.Reassigned++
	} else {
		report.Escalated++
	}
	w.logger.Info("dry run: would handle "+kind,
		"case_id", c.ID.String(),
		"status", c.Status.String(),
		"new_doctor_id", target)
}

func (w *SLASweeper) skipped(reason string) {
	if w.metrics != nil {
		w.metrics.SweepsSkipped.Inc()
	}
	w.logger.Debug("SLA sweep skipped", "reason", reason)
}
