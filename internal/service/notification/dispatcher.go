package notification

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/jwalitptl/caseflow/internal/channel"
	"github.com/jwalitptl/caseflow/internal/model"
	"github.com/jwalitptl/caseflow/internal/repository"
	"github.com/jwalitptl/caseflow/pkg/circuitbreaker"
	apperrors "github.com/jwalitptl/caseflow/pkg/errors"
	"github.com/jwalitptl/caseflow/pkg/logger"
	"github.com/jwalitptl/caseflow/pkg/metrics"
)

type DispatcherConfig struct {
	WorkerID          string
	BatchSize         int
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	DeliveryTimeout   time.Duration
	ClaimLease        time.Duration
	// RatePerSecond limits sends per channel. Zero disables throttling.
	RatePerSecond float64
	RateBurst     int
	DryRun        bool
}

// BatchReport summarises one ProcessBatch call.
type BatchReport struct {
	Claimed int
	Sent    int
	Retried int
	Failed  int
	// Throttled counts rows handed back unattempted because their channel
	// was over its send rate.
	Throttled int
	// Planned counts rows a dry run would have delivered.
	Planned int
}

// Dispatcher is the consumer side of the queue: it claims due rows, renders
// and delivers them, and records each outcome on its row.
type Dispatcher struct {
	store    repository.Store
	adapters map[model.Channel]channel.Adapter
	breakers map[model.Channel]*circuitbreaker.CircuitBreaker
	limiters map[model.Channel]*rate.Limiter
	renderer *Renderer
	cfg      DispatcherConfig
	log      *logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type DispatcherOption func(*Dispatcher)

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(
	store repository.Store,
	adapters []channel.Adapter,
	cfg DispatcherConfig,
	log *logger.Logger,
	m *metrics.Metrics,
	opts ...DispatcherOption,
) *Dispatcher {
	if cfg.WorkerID == "" {
		panic("WorkerID must be set")
	}
	if cfg.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if cfg.MaxRetries <= 0 {
		panic("MaxRetries must be greater than 0")
	}
	if cfg.BackoffBase <= 0 {
		panic("BackoffBase must be greater than 0")
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		panic("DeliveryTimeout must be greater than 0")
	}
	if cfg.ClaimLease <= cfg.DeliveryTimeout {
		cfg.ClaimLease = 2 * cfg.DeliveryTimeout
	}

	d := &Dispatcher{
		store:    store,
		adapters: map[model.Channel]channel.Adapter{},
		breakers: map[model.Channel]*circuitbreaker.CircuitBreaker{},
		limiters: map[model.Channel]*rate.Limiter{},
		renderer: NewRenderer(),
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
	for _, a := range adapters {
		ch := a.Channel()
		d.adapters[ch] = a
		d.breakers[ch] = circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "channel-" + string(ch),
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			OnStateChange: func(name string, from, to string) {
				log.Warn("channel circuit state changed", "channel", name, "from", from, "to", to)
			},
		})
		if cfg.RatePerSecond > 0 {
			burst := cfg.RateBurst
			if burst <= 0 {
				burst = 1
			}
			d.limiters[ch] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Backoff is the delay before the next attempt after attempts failures:
// base * multiplier^(attempts-1).
func (d *Dispatcher) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	factor := math.Pow(d.cfg.BackoffMultiplier, float64(attempts-1))
	return time.Duration(float64(d.cfg.BackoffBase) * factor)
}

// ProcessBatch claims and delivers one batch. A store failure aborts the
// batch and is returned; delivery failures are recorded per row.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (BatchReport, error) {
	var report BatchReport
	now := d.now().UTC()

	if d.cfg.DryRun {
		rows, err := d.store.Notifications().ListDeliverable(ctx, now, d.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to list deliverable notifications: %w", err)
		}
		for _, n := range rows {
			d.log.Info("dry run: would deliver notification",
				"notification_id", n.ID.String(),
				"channel", string(n.Channel),
				"template", n.Template,
				"attempts", n.Attempts)
		}
		report.Planned = len(rows)
		return report, nil
	}

	rows, err := d.store.Notifications().Claim(ctx, d.cfg.WorkerID, now, now.Add(-d.cfg.ClaimLease), d.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("failed to claim notifications: %w", err)
	}
	report.Claimed = len(rows)
	if d.metrics != nil {
		d.metrics.NotificationBatchSize.Set(float64(len(rows)))
	}

	for _, n := range rows {
		var outcome model.DeliveryOutcome
		throttled := false
		if delay := d.throttle(n, d.now()); delay > 0 {
			outcome, throttled = d.release(n, delay), true
		} else if outcome, err = d.deliver(ctx, n); err != nil {
			// the row stays claimed and is picked up again once the lease expires
			return report, err
		}

		if err := d.store.Notifications().RecordOutcome(ctx, n.ID, d.cfg.WorkerID, outcome, d.now().UTC()); err != nil {
			if apperrors.IsStoreUnavailable(err) {
				return report, err
			}
			d.log.Error(err, "failed to record delivery outcome", "notification_id", n.ID.String())
			continue
		}

		switch {
		case throttled:
			report.Throttled++
		case outcome.Status == model.NotificationStatusSent:
			report.Sent++
		case outcome.Status == model.NotificationStatusRetry:
			report.Retried++
		case outcome.Status == model.NotificationStatusFailed:
			report.Failed++
		}
	}
	return report, nil
}

// deliver makes one attempt and returns the outcome to record. Only a store
// outage is returned as an error.
func (d *Dispatcher) deliver(ctx context.Context, n *model.Notification) (outcome model.DeliveryOutcome, err error) {
	start := time.Now()
	defer func() {
		if d.metrics != nil {
			d.metrics.DeliveryLatency.WithLabelValues(string(n.Channel)).Observe(time.Since(start).Seconds())
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			outcome = d.failure(n, fmt.Errorf("adapter panic: %v", p))
			err = nil
		}
	}()

	providerID, sendErr := d.attempt(ctx, n)
	if apperrors.IsStoreUnavailable(sendErr) {
		return model.DeliveryOutcome{}, sendErr
	}
	if sendErr != nil {
		return d.failure(n, sendErr), nil
	}

	if d.metrics != nil {
		d.metrics.NotificationsSent.WithLabelValues(string(n.Channel)).Inc()
	}
	d.log.Debug("notification delivered", "notification_id", n.ID.String(), "channel", string(n.Channel))
	return model.DeliveryOutcome{
		Sent:     true,
		Response: providerID,
		Attempts: n.Attempts + 1,
		Status:   model.NotificationStatusSent,
	}, nil
}

func (d *Dispatcher) attempt(ctx context.Context, n *model.Notification) (string, error) {
	adapter, ok := d.adapters[n.Channel]
	if !ok {
		return "", fmt.Errorf("no adapter for channel %s", n.Channel)
	}

	msg := channel.Message{
		NotificationID: n.ID,
		CaseID:         n.CaseID,
		RecipientID:    n.RecipientID,
		Template:       n.Template,
		Language:       n.Language,
		Variables:      n.Variables,
	}
	if n.Channel != model.ChannelInternal {
		contact, err := d.store.Directory().GetContact(ctx, n.RecipientID)
		if err != nil {
			return "", err
		}
		msg.Address = channel.AddressFor(n.Channel, contact)
		msg.Name = contact.Name
	}

	subject, body, err := d.renderer.Render(n.Template, n.Language, n.Variables)
	if err != nil {
		return "", err
	}
	msg.Subject = subject
	msg.Body = body

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	var res channel.Result
	err = d.breakers[n.Channel].Execute(func() error {
		var sendErr error
		res, sendErr = adapter.Send(attemptCtx, msg)
		return sendErr
	})
	if err != nil {
		return "", err
	}
	return res.ProviderMessageID, nil
}

// throttle takes a send token for n's channel. It returns how long the row
// must wait when none is available; the token is not consumed then.
func (d *Dispatcher) throttle(n *model.Notification, now time.Time) time.Duration {
	limiter, ok := d.limiters[n.Channel]
	if !ok {
		return 0
	}
	r := limiter.ReserveN(now, 1)
	if !r.OK() {
		return d.cfg.BackoffBase
	}
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now)
	}
	return delay
}

// release hands a claimed row back unattempted. Attempts are unchanged.
func (d *Dispatcher) release(n *model.Notification, delay time.Duration) model.DeliveryOutcome {
	status := model.NotificationStatusQueued
	if n.Attempts > 0 {
		status = model.NotificationStatusRetry
	}
	retryAfter := d.now().UTC().Add(delay)
	outcome := model.DeliveryOutcome{
		Attempts:   n.Attempts,
		Status:     status,
		RetryAfter: &retryAfter,
	}
	if n.Response != nil {
		outcome.Response = *n.Response
	}
	d.log.Debug("channel over send rate, releasing notification",
		"notification_id", n.ID.String(),
		"channel", string(n.Channel),
		"retry_after", retryAfter)
	return outcome
}

// failure turns a failed attempt into retry or, at the ceiling, failed.
func (d *Dispatcher) failure(n *model.Notification, cause error) model.DeliveryOutcome {
	attempts := n.Attempts + 1
	outcome := model.DeliveryOutcome{
		Response: cause.Error(),
		Attempts: attempts,
	}

	if attempts >= d.cfg.MaxRetries {
		outcome.Status = model.NotificationStatusFailed
		if d.metrics != nil {
			d.metrics.NotificationsFailed.WithLabelValues(string(n.Channel)).Inc()
		}
		d.log.Error(cause, "notification delivery failed permanently",
			"notification_id", n.ID.String(),
			"channel", string(n.Channel),
			"attempts", attempts)
		return outcome
	}

	retryAfter := d.now().UTC().Add(d.Backoff(attempts))
	outcome.Status = model.NotificationStatusRetry
	outcome.RetryAfter = &retryAfter
	if d.metrics != nil {
		d.metrics.NotificationsRetried.WithLabelValues(string(n.Channel)).Inc()
	}
	d.log.Warn("notification delivery failed, will retry",
		"notification_id", n.ID.String(),
		"channel", string(n.Channel),
		"attempts", attempts,
		"retry_after", retryAfter,
		"error", cause.Error())
	return outcome
}
