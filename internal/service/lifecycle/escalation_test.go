package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/service/lifecycle"
)

func (f *fixture) breached(t *testing.T, doctor uuid.UUID) *model.Case {
	t.Helper()
	c := f.assigned(t, doctor)
	f.advance(72 * time.Hour)
	c, err := f.cases.MarkSLABreach(context.Background(), c.ID)
	require.NoError(t, err)
	return c
}

func TestCompleteBreachHandlingWithoutDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doctor, admin := uuid.New(), uuid.New()
	c := f.breached(t, doctor)

	got, err := f.cases.CompleteBreachHandling(ctx, c.ID, lifecycle.Resolution{AdminIDs: []uuid.UUID{admin}})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusSLABreach, got.Status)
	require.NotNil(t, got.BreachHandledAt)

	events := f.events(t, c.ID)
	failed := findEvent(events, model.EventCaseReassignmentFailed)
	require.NotNil(t, failed)
	assert.Equal(t, lifecycle.ReasonSLABreach, failed.Payload["reason"])
	notified := findEvent(events, model.EventAdminNotified)
	require.NotNil(t, notified)
	assert.Equal(t, "reassignment_failed", notified.Payload["outcome"])

	open := f.openAssignment(t, c.ID)
	require.NotNil(t, open)
	assert.Equal(t, doctor, open.DoctorID)

	rows := f.notifications(t, c.ID)
	assert.Equal(t, 2, countTemplate(rows, model.TemplateReassignmentFailed))
	for _, r := range rows {
		if r.Template == model.TemplateReassignmentFailed {
			assert.Equal(t, admin, r.RecipientID)
		}
	}

	// handled breaches are not processed again
	before := len(events)
	_, err = f.cases.CompleteBreachHandling(ctx, c.ID, lifecycle.Resolution{AdminIDs: []uuid.UUID{admin}})
	require.NoError(t, err)
	assert.Len(t, f.events(t, c.ID), before)
}

func TestCompleteBreachHandlingReassigns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doctorA, doctorB, admin := uuid.New(), uuid.New(), uuid.New()
	c := f.breached(t, doctorA)

	got, err := f.cases.CompleteBreachHandling(ctx, c.ID, lifecycle.Resolution{
		NewDoctorID: &doctorB,
		AdminIDs:    []uuid.UUID{admin},
	})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusReassigned, got.Status)
	assert.NotNil(t, got.BreachHandledAt)

	open := f.openAssignment(t, c.ID)
	require.NotNil(t, open)
	assert.Equal(t, doctorB, open.DoctorID)
	require.NotNil(t, open.ReassignedFromDoctorID)
	assert.Equal(t, doctorA, *open.ReassignedFromDoctorID)

	events := f.events(t, c.ID)
	assert.Equal(t, 1, countEvents(events, model.EventCaseReassigned))
	assert.Equal(t, 1, countEvents(events, model.EventDoctorNotified))
	assert.Equal(t, 1, countEvents(events, model.EventAdminNotified))

	rows := f.notifications(t, c.ID)
	assert.Equal(t, 2, countTemplate(rows, model.TemplateCaseReassigned))
	// doctor A's breach notice plus the admin copies
	assert.Equal(t, 4, countTemplate(rows, model.TemplateSLABreach))
}

func TestCompleteBreachHandlingIgnoresOtherStatuses(t *testing.T) {
	f := newFixture(t)
	c := f.assigned(t, uuid.New())

	got, err := f.cases.CompleteBreachHandling(context.Background(), c.ID, lifecycle.Resolution{})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusAssigned, got.Status)
	assert.Nil(t, got.BreachHandledAt)
}

func TestHandleResponseTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doctorA, doctorB := uuid.New(), uuid.New()
	c := f.assigned(t, doctorA)
	stale := f.openAssignment(t, c.ID)

	f.advance(25 * time.Hour)
	got, err := f.cases.HandleResponseTimeout(ctx, c.ID, stale.ID, lifecycle.Resolution{NewDoctorID: &doctorB})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusReassigned, got.Status)

	assignments, err := f.cases.Assignments(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 2)
	for _, a := range assignments {
		if a.ID == stale.ID {
			assert.NotNil(t, a.TimedOutAt)
			assert.NotNil(t, a.CompletedAt)
		}
	}

	ev := findEvent(f.events(t, c.ID), model.EventDoctorResponseTimeout)
	require.NotNil(t, ev)
	assert.Equal(t, doctorA.String(), ev.Payload["doctor_id"])

	// the old assignment is no longer open, so a repeat does nothing
	before := len(f.events(t, c.ID))
	_, err = f.cases.HandleResponseTimeout(ctx, c.ID, stale.ID, lifecycle.Resolution{NewDoctorID: &doctorB})
	require.NoError(t, err)
	assert.Len(t, f.events(t, c.ID), before)
}

func TestHandleResponseTimeoutWithoutDoctor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	c := f.assigned(t, uuid.New())
	stale := f.openAssignment(t, c.ID)

	got, err := f.cases.HandleResponseTimeout(ctx, c.ID, stale.ID, lifecycle.Resolution{AdminIDs: []uuid.UUID{admin}})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusAssigned, got.Status)

	open := f.openAssignment(t, c.ID)
	require.NotNil(t, open)
	assert.Equal(t, stale.ID, open.ID)
	assert.NotNil(t, open.TimedOutAt)

	events := f.events(t, c.ID)
	assert.Equal(t, 1, countEvents(events, model.EventCaseReassignmentFailed))
	assert.Equal(t, 2, countTemplate(f.notifications(t, c.ID), model.TemplateReassignmentFailed))
}

func TestHandleResponseTimeoutSkipsAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doctor := uuid.New()
	c := f.assigned(t, doctor)
	stale := f.openAssignment(t, c.ID)

	_, err := f.cases.AcceptAssignment(ctx, c.ID, doctor)
	require.NoError(t, err)

	other := uuid.New()
	got, err := f.cases.HandleResponseTimeout(ctx, c.ID, stale.ID, lifecycle.Resolution{NewDoctorID: &other})
	require.NoError(t, err)
	assert.Equal(t, model.CaseStatusAssigned, got.Status)
	assert.Equal(t, 0, countEvents(f.events(t, c.ID), model.EventDoctorResponseTimeout))
}
