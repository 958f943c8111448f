package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/caseflow/internal/service/notification"
	"github.com/jwalitptl/caseflow/internal/worker"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/logger"
)

type scriptedBatches struct {
	reports []notification.BatchReport
	errs    []error
	calls   int
}

func (s *scriptedBatches) ProcessBatch(ctx context.Context) (notification.BatchReport, error) {
	i := s.calls
	s.calls++
	if i >= len(s.reports) {
		return notification.BatchReport{}, nil
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.reports[i], err
}

func newProcessor(b worker.BatchProcessor, max int) *worker.NotificationProcessor {
	return worker.NewNotificationProcessor(b, worker.NotificationProcessorConfig{
		PollInterval:      time.Second,
		MaxBatchesPerTick: max,
	}, logger.Nop())
}

func TestTickDrainsUntilEmptyBatch(t *testing.T) {
	b := &scriptedBatches{reports: []notification.BatchReport{
		{Claimed: 2, Sent: 2},
		{Claimed: 1, Retried: 1},
		{},
		{Claimed: 5, Sent: 5},
	}}

	total := newProcessor(b, 10).Tick(context.Background())
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, 3, total.Claimed)
	assert.Equal(t, 2, total.Sent)
	assert.Equal(t, 1, total.Retried)
}

func TestTickRespectsBatchLimit(t *testing.T) {
	b := &scriptedBatches{reports: []notification.BatchReport{
		{Claimed: 1, Sent: 1},
		{Claimed: 1, Sent: 1},
		{Claimed: 1, Sent: 1},
	}}

	total := newProcessor(b, 2).Tick(context.Background())
	assert.Equal(t, 2, b.calls)
	assert.Equal(t, 2, total.Sent)
}

func TestTickStopsOnDryRunBatch(t *testing.T) {
	b := &scriptedBatches{reports: []notification.BatchReport{
		{Planned: 3},
		{Planned: 3},
	}}

	total := newProcessor(b, 5).Tick(context.Background())
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 3, total.Planned)
}

func TestTickStopsOnError(t *testing.T) {
	b := &scriptedBatches{
		reports: []notification.BatchReport{{Claimed: 1, Failed: 1}, {Claimed: 1}},
		errs:    []error{apperrors.StoreUnavailable(errors.New("connection reset"))},
	}

	total := newProcessor(b, 5).Tick(context.Background())
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1, total.Failed)
}

func TestTickHonoursCancelledContext(t *testing.T) {
	b := &scriptedBatches{reports: []notification.BatchReport{{Claimed: 1}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	newProcessor(b, 5).Tick(ctx)
	assert.Equal(t, 0, b.calls)
}
