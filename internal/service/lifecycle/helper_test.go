package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository/memory"
	"github.com/jwalitptl/caseflow/internal/service/lifecycle"
	"github.com/jwalitptl/caseflow/internal/service/notification"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	store    *memory.Store
	cases    *lifecycle.Service
	notifier notification.Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), now: baseTime}
	clock := func() time.Time { return f.now }
	f.notifier = notification.NewService(f.store, logger.Nop(), metrics.New("test"), notification.WithClock(clock))
	f.cases = lifecycle.NewService(f.store, f.notifier, lifecycle.DefaultConfig(), logger.Nop(), lifecycle.WithClock(clock))
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) draft(t *testing.T, urgent bool) *model.Case {
	t.Helper()
	c, err := f.cases.CreateDraft(context.Background(), model.CreateDraftRequest{
		PatientID:   uuid.New(),
		SpecialtyID: "cardiology",
		UrgencyFlag: urgent,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) paid(t *testing.T, urgent bool, slaType string) *model.Case {
	t.Helper()
	ctx := context.Background()
	c := f.draft(t, urgent)
	_, err := f.cases.Submit(ctx, c.ID)
	require.NoError(t, err)
	c, err = f.cases.MarkPaid(ctx, c.ID, slaType)
	require.NoError(t, err)
	return c
}

func (f *fixture) assigned(t *testing.T, doctorID uuid.UUID) *model.Case {
	t.Helper()
	c := f.paid(t, false, "")
	c, err := f.cases.AssignDoctor(context.Background(), c.ID, doctorID, nil)
	require.NoError(t, err)
	return c
}

func (f *fixture) events(t *testing.T, id uuid.UUID) []*model.CaseEvent {
	t.Helper()
	events, err := f.cases.Events(context.Background(), id)
	require.NoError(t, err)
	return events
}

func (f *fixture) notifications(t *testing.T, id uuid.UUID) []*model.Notification {
	t.Helper()
	rows, err := f.notifier.ListByCase(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func (f *fixture) openAssignment(t *testing.T, id uuid.UUID) *model.Assignment {
	t.Helper()
	a, err := f.store.Assignments().GetOpen(context.Background(), id)
	require.NoError(t, err)
	return a
}

func countEvents(events []*model.CaseEvent, eventType string) int {
	n := 0
	for _, e := range events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func findEvent(events []*model.CaseEvent, eventType string) *model.CaseEvent {
	for _, e := range events {
		if e.EventType == eventType {
			return e
		}
	}
	return nil
}

func countTemplate(rows []*model.Notification, template string) int {
	n := 0
	for _, r := range rows {
		if r.Template == template {
			n++
		}
	}
	return n
}
