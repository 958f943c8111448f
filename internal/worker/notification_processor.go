package worker

import (
	"context"
	"time"

	"github.com/jwalitptl/caseflow/internal/service/notification"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/logger"
)

type NotificationProcessorConfig struct {
	PollInterval time.Duration
	// MaxBatchesPerTick drains a backlog faster than one batch per interval.
	MaxBatchesPerTick int
}

// BatchProcessor is implemented by notification.Dispatcher.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context) (notification.BatchReport, error)
}

type NotificationProcessor struct {
	dispatcher BatchProcessor
	config     NotificationProcessorConfig
	logger     *logger.Logger
}

func NewNotificationProcessor(
	dispatcher BatchProcessor,
	config NotificationProcessorConfig,
	logger *logger.Logger,
) *NotificationProcessor {
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.MaxBatchesPerTick <= 0 {
		config.MaxBatchesPerTick = 1
	}
	return &NotificationProcessor{
		dispatcher: dispatcher,
		config:     config,
		logger:     logger,
	}
}

func (p *NotificationProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting notification processor", "poll_interval", p.config.PollInterval.String())

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down notification processor")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick processes batches until one claims nothing or the per-tick limit
// is reached. It returns the summed report.
func (p *NotificationProcessor) Tick(ctx context.Context) notification.BatchReport {
	var total notification.BatchReport
	for i := 0; i < p.config.MaxBatchesPerTick; i++ {
		if ctx.Err() != nil {
			return total
		}
		report, err := p.dispatcher.ProcessBatch(ctx)
		total.Claimed += report.Claimed
		total.Sent += report.Sent
		total.Retried += report.Retried
		total.Failed += report.Failed
		total.Throttled += report.Throttled
		total.Planned += report.Planned
		if err != nil {
			if apperrors.IsStoreUnavailable(err) {
				p.logger.Error(err, "Notification store unavailable, batch aborted")
			} else {
				p.logger.Error(err, "Failed to process notification batch")
			}
			return total
		}
		// a throttled channel will not have tokens again within this tick
		if report.Claimed == 0 || report.Planned > 0 || report.Throttled > 0 {
			break
		}
	}
	if total.Claimed > 0 {
		p.logger.Debug("Notification batch processed",
			"claimed", total.Claimed,
			"sent", total.Sent,
			"retried", total.Retried,
			"failed", total.Failed,
			"throttled", total.Throttled)
	}
	return total
}
