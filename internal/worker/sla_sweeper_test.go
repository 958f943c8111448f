package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository/memory"
	"github.com/jwalitptl/caseflow/internal/service/assignment"
	"github.com/jwalitptl/caseflow/internal/service/lifecycle"
	"github.com/jwalitptl/caseflow/internal/service/notification"
	"github.com/jwalitptl/caseflow/internal/worker"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/lock"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

const specialty = "cardiology"

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type sweepFixture struct {
	store  *memory.Store
	cases  *lifecycle.Service
	picker *assignment.Manager
	admin  uuid.UUID
	now    time.Time
}

func newSweepFixture(t *testing.T) *sweepFixture {
	t.Helper()
	f := &sweepFixture{store: memory.NewStore(), admin: uuid.New(), now: baseTime}
	clock := func() time.Time { return f.now }
	notifier := notification.NewService(f.store, logger.Nop(), metrics.New("test"), notification.WithClock(clock))
	f.cases = lifecycle.NewService(f.store, notifier, lifecycle.DefaultConfig(), logger.Nop(), lifecycle.WithClock(clock))
	f.picker = assignment.NewManager(assignment.NewCachedDirectory(f.store.Directory(), 0), logger.Nop())
	return f
}

func (f *sweepFixture) sweeper(cfg worker.SLASweeperConfig, opts ...worker.SweeperOption) *worker.SLASweeper {
	return f.sweeperWith(f.picker, cfg, opts...)
}

func (f *sweepFixture) sweeperWith(picker worker.DoctorPicker, cfg worker.SLASweeperConfig, opts ...worker.SweeperOption) *worker.SLASweeper {
	if cfg.Interval == 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.ResponseTimeout == 0 {
		// far enough out that only deadlines matter
		cfg.ResponseTimeout = 1000 * time.Hour
	}
	if cfg.AdminIDs == nil {
		cfg.AdminIDs = []uuid.UUID{f.admin}
	}
	opts = append(opts, worker.WithSweeperClock(func() time.Time { return f.now }))
	return worker.NewSLASweeper(f.store, f.cases, picker, cfg, logger.Nop(), metrics.New("test"), opts...)
}

func (f *sweepFixture) doctor(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	f.store.AddDoctor(model.Doctor{
		ID:          id,
		Name:        name,
		Email:       name + "@example.com",
		SpecialtyID: specialty,
		Active:      true,
	})
	return id
}

func (f *sweepFixture) assignedCase(t *testing.T, doctorID uuid.UUID) *model.Case {
	t.Helper()
	ctx := context.Background()
	c, err := f.cases.CreateDraft(ctx, model.CreateDraftRequest{PatientID: uuid.New(), SpecialtyID: specialty})
	require.NoError(t, err)
	_, err = f.cases.Submit(ctx, c.ID)
	require.NoError(t, err)
	_, err = f.cases.MarkPaid(ctx, c.ID, "standard_72h")
	require.NoError(t, err)
	c, err = f.cases.AssignDoctor(ctx, c.ID, doctorID, nil)
	require.NoError(t, err)
	return c
}

func (f *sweepFixture) get(t *testing.T, id uuid.UUID) *model.Case {
	t.Helper()
	c, err := f.cases.Get(context.Background(), id)
	require.NoError(t, err)
	return c
}

func (f *sweepFixture) eventCount(t *testing.T, id uuid.UUID, eventType string) int {
	t.Helper()
	events, err := f.cases.Events(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (f *sweepFixture) assignments(t *testing.T, id uuid.UUID) []*model.Assignment {
	t.Helper()
	out, err := f.cases.Assignments(context.Background(), id)
	require.NoError(t, err)
	return out
}

func TestSweepBreachWithoutReplacementEscalates(t *testing.T) {
	f := newSweepFixture(t)
	doctorA := f.doctor(t, "alice")
	c := f.assignedCase(t, doctorA)
	sweeper := f.sweeper(worker.SLASweeperConfig{})

	f.advance(72 * time.Hour)
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaches)
	assert.Equal(t, 1, report.Escalated)
	assert.Equal(t, 0, report.Reassigned)

	got := f.get(t, c.ID)
	assert.Equal(t, model.CaseStatusSLABreach, got.Status)
	assert.NotNil(t, got.BreachedAt)
	assert.NotNil(t, got.BreachHandledAt)
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventCaseReassignmentFailed))
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventAdminNotified))
	assert.Len(t, f.assignments(t, c.ID), 1, "no new assignment without a doctor")

	// the next pass leaves the handled breach alone
	f.advance(time.Minute)
	report, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Breaches)
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventSLABreached))
}

func TestSweepBreachReassignsToLeastLoadedDoctor(t *testing.T) {
	f := newSweepFixture(t)
	doctorA := f.doctor(t, "alice")
	doctorB := f.doctor(t, "bob")
	c := f.assignedCase(t, doctorA)
	sweeper := f.sweeper(worker.SLASweeperConfig{})

	f.advance(80 * time.Hour)
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaches)
	assert.Equal(t, 1, report.Reassigned)

	got := f.get(t, c.ID)
	assert.Equal(t, model.CaseStatusReassigned, got.Status)

	var open *model.Assignment
	for _, a := range f.assignments(t, c.ID) {
		if a.Open() {
			require.Nil(t, open, "more than one open assignment")
			open = a
		}
	}
	require.NotNil(t, open)
	assert.Equal(t, doctorB, open.DoctorID)
	require.NotNil(t, open.ReassignedFromDoctorID)
	assert.Equal(t, doctorA, *open.ReassignedFromDoctorID)

	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventSLABreached))
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventCaseReassigned))
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventDoctorNotified))
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventAdminNotified))
}

func TestSweepDeadlineBoundary(t *testing.T) {
	f := newSweepFixture(t)
	c := f.assignedCase(t, f.doctor(t, "alice"))
	sweeper := f.sweeper(worker.SLASweeperConfig{})

	f.advance(72*time.Hour - time.Second)
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Breaches)
	assert.Equal(t, model.CaseStatusAssigned, f.get(t, c.ID).Status)

	f.advance(time.Second)
	report, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaches, "a deadline equal to now is breached")
	assert.Equal(t, model.CaseStatusSLABreach, f.get(t, c.ID).Status)
}

func TestSweepSkipsPausedCases(t *testing.T) {
	f := newSweepFixture(t)
	c := f.assignedCase(t, f.doctor(t, "alice"))
	_, err := f.cases.PauseSLA(context.Background(), c.ID, "waiting on lab")
	require.NoError(t, err)

	f.advance(200 * time.Hour)
	report, err := f.sweeper(worker.SLASweeperConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Breaches)
	assert.Equal(t, model.CaseStatusAssigned, f.get(t, c.ID).Status)
}

func TestSweepResponseTimeout(t *testing.T) {
	f := newSweepFixture(t)
	doctorA := f.doctor(t, "alice")
	doctorB := f.doctor(t, "bob")
	c := f.assignedCase(t, doctorA)
	sweeper := f.sweeper(worker.SLASweeperConfig{ResponseTimeout: 24 * time.Hour})

	f.advance(23 * time.Hour)
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Timeouts)

	f.advance(time.Hour)
	report, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Timeouts)
	assert.Equal(t, 1, report.Reassigned)
	assert.Equal(t, 0, report.Breaches)

	assert.Equal(t, model.CaseStatusReassigned, f.get(t, c.ID).Status)
	assert.Equal(t, 1, f.eventCount(t, c.ID, model.EventDoctorResponseTimeout))
	for _, a := range f.assignments(t, c.ID) {
		if a.DoctorID == doctorA {
			assert.NotNil(t, a.TimedOutAt)
			assert.False(t, a.Open())
		} else {
			assert.Equal(t, doctorB, a.DoctorID)
			assert.True(t, a.Open())
		}
	}
}

func TestSweepIgnoresAcceptedAssignments(t *testing.T) {
	f := newSweepFixture(t)
	doctorA := f.doctor(t, "alice")
	f.doctor(t, "bob")
	c := f.assignedCase(t, doctorA)
	_, err := f.cases.AcceptAssignment(context.Background(), c.ID, doctorA)
	require.NoError(t, err)

	f.advance(30 * time.Hour)
	report, err := f.sweeper(worker.SLASweeperConfig{ResponseTimeout: 24 * time.Hour}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Timeouts)
	assert.Equal(t, model.CaseStatusAssigned, f.get(t, c.ID).Status)
}

func TestSweepPassiveRole(t *testing.T) {
	f := newSweepFixture(t)
	c := f.assignedCase(t, f.doctor(t, "alice"))

	f.advance(100 * time.Hour)
	report, err := f.sweeper(worker.SLASweeperConfig{Role: "passive"}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, model.CaseStatusAssigned, f.get(t, c.ID).Status)
}

func TestSweepDryRunWritesNothing(t *testing.T) {
	f := newSweepFixture(t)
	doctorA := f.doctor(t, "alice")
	f.doctor(t, "bob")
	overdue := f.assignedCase(t, doctorA)
	_, err := f.cases.AcceptAssignment(context.Background(), overdue.ID, doctorA)
	require.NoError(t, err)
	f.advance(2 * time.Hour)
	stale := f.assignedCase(t, doctorA)
	before, err := f.cases.Events(context.Background(), overdue.ID)
	require.NoError(t, err)

	f.advance(71 * time.Hour)
	sweeper := f.sweeper(worker.SLASweeperConfig{DryRun: true, ResponseTimeout: 24 * time.Hour})
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaches)
	assert.Equal(t, 1, report.Timeouts)
	assert.Equal(t, 2, report.Reassigned)

	assert.Equal(t, model.CaseStatusAssigned, f.get(t, overdue.ID).Status)
	assert.Equal(t, model.CaseStatusAssigned, f.get(t, stale.ID).Status)
	after, err := f.cases.Events(context.Background(), overdue.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestSweepIsolatesCaseFailures(t *testing.T) {
	f := newSweepFixture(t)
	doctorA := f.doctor(t, "alice")
	broken := f.assignedCase(t, doctorA)
	healthy := f.assignedCase(t, doctorA)
	f.store.FailCaseUpdates(broken.ID, errors.New("row locked"))

	f.advance(72 * time.Hour)
	report, err := f.sweeper(worker.SLASweeperConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Breaches)

	assert.Equal(t, model.CaseStatusAssigned, f.get(t, broken.ID).Status)
	assert.Equal(t, model.CaseStatusSLABreach, f.get(t, healthy.ID).Status)

	// the failed case is picked up once the fault clears
	f.store.FailCaseUpdates(broken.ID, nil)
	report, err = f.sweeper(worker.SLASweeperConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Breaches)
	assert.Equal(t, model.CaseStatusSLABreach, f.get(t, broken.ID).Status)
}

func TestSweepAbortsWhenStoreIsDown(t *testing.T) {
	f := newSweepFixture(t)
	f.assignedCase(t, f.doctor(t, "alice"))
	f.advance(72 * time.Hour)
	f.store.SetUnavailable(errors.New("connection refused"))

	_, err := f.sweeper(worker.SLASweeperConfig{}).RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsStoreUnavailable(err))
}

type blockingPicker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *blockingPicker) PickDoctor(ctx context.Context, specialtyID string, exclude ...uuid.UUID) (*model.Doctor, error) {
	p.once.Do(func() { close(p.entered) })
	<-p.release
	return nil, nil
}

func TestSweepSkipsOverlappingPass(t *testing.T) {
	f := newSweepFixture(t)
	f.assignedCase(t, f.doctor(t, "alice"))
	f.advance(72 * time.Hour)

	picker := &blockingPicker{entered: make(chan struct{}), release: make(chan struct{})}
	sweeper := f.sweeperWith(picker, worker.SLASweeperConfig{})

	done := make(chan worker.SweepReport)
	go func() {
		report, _ := sweeper.RunOnce(context.Background())
		done <- report
	}()
	<-picker.entered

	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	close(picker.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Breaches)
}

type fakeLocker struct {
	grant    bool
	released bool
	keys     []string
}

func (l *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.Lease, bool, error) {
	l.keys = append(l.keys, key)
	if !l.grant {
		return nil, false, nil
	}
	return leaseFunc(func() { l.released = true }), true, nil
}

type leaseFunc func()

func (f leaseFunc) Release(ctx context.Context) error {
	f()
	return nil
}

func TestSweepHonoursClusterLease(t *testing.T) {
	f := newSweepFixture(t)
	c := f.assignedCase(t, f.doctor(t, "alice"))
	f.advance(72 * time.Hour)

	held := &fakeLocker{}
	report, err := f.sweeper(worker.SLASweeperConfig{}, worker.WithLocker(held)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Equal(t, model.CaseStatusAssigned, f.get(t, c.ID).Status)

	free := &fakeLocker{grant: true}
	report, err = f.sweeper(worker.SLASweeperConfig{}, worker.WithLocker(free)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Equal(t, 1, report.Breaches)
	assert.True(t, free.released)
	assert.Equal(t, []string{"sla-sweeper"}, free.keys)
}

func TestNewSLASweeperRejectsBadConfig(t *testing.T) {
	f := newSweepFixture(t)
	assert.Panics(t, func() {
		worker.NewSLASweeper(f.store, f.cases, f.picker, worker.SLASweeperConfig{BatchSize: 1, ResponseTimeout: time.Hour}, logger.Nop(), nil)
	})
}

func (f *sweepFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// pausingPicker pauses the case's SLA between listing and the breach write.
type pausingPicker struct {
	f      *sweepFixture
	caseID uuid.UUID
}

func (p *pausingPicker) PickDoctor(ctx context.Context, specialtyID string, exclude ...uuid.UUID) (*model.Doctor, error) {
	if _, err := p.f.cases.PauseSLA(ctx, p.caseID, "files requested"); err != nil {
		return nil, err
	}
	return nil, nil
}

func TestSweepRechecksDeadlineBeforeBreaching(t *testing.T) {
	f := newSweepFixture(t)
	c := f.assignedCase(t, f.doctor(t, "alice"))
	f.advance(73 * time.Hour)

	sweeper := f.sweeperWith(&pausingPicker{f: f, caseID: c.ID}, worker.SLASweeperConfig{})
	report, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Breaches)
	assert.Equal(t, 0, report.Failed)

	got := f.get(t, c.ID)
	assert.Equal(t, model.CaseStatusAssigned, got.Status)
	assert.True(t, got.Paused())
	assert.Nil(t, got.BreachedAt)
	assert.Equal(t, 0, f.eventCount(t, c.ID, model.EventSLABreached))
}
