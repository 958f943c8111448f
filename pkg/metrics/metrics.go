package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Notification queue metrics
	NotificationsSent     *prometheus.CounterVec
	NotificationsFailed   *prometheus.CounterVec
	NotificationsRetried  *prometheus.CounterVec
	NotificationsDeduped  prometheus.Counter
	DeliveryLatency       *prometheus.HistogramVec
	NotificationBatchSize prometheus.Gauge

	// SLA sweeper metrics
	SweepDuration        prometheus.Histogram
	SweepsSkipped        prometheus.Counter
	BreachesDetected     prometheus.Counter
	TimeoutsDetected     prometheus.Counter
	Reassignments        *prometheus.CounterVec
	ReassignmentFailures *prometheus.CounterVec

	// Database metrics
	DatabaseOperations *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics against reg.
// A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		NotificationsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Total number of delivered notifications",
		}, []string{"channel"}),
		NotificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "failed_total",
			Help:      "Total number of notifications that reached terminal failure",
		}, []string{"channel"}),
		NotificationsRetried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "retried_total",
			Help:      "Total number of delivery attempts scheduled for retry",
		}, []string{"channel"}),
		NotificationsDeduped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "deduped_total",
			Help:      "Total number of enqueue calls collapsed by dedupe key",
		}),
		DeliveryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in channel adapters",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		NotificationBatchSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "claimed_batch_size",
			Help:      "Number of rows claimed by the last worker tick",
		}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "sweep_duration_seconds",
			Help:      "Time spent in one SLA sweep pass",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		SweepsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "sweeps_skipped_total",
			Help:      "Sweep ticks skipped because a pass was still running or the lease was held elsewhere",
		}),
		BreachesDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "breaches_detected_total",
			Help:      "Cases marked as SLA breached",
		}),
		TimeoutsDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "response_timeouts_total",
			Help:      "Assignments that exceeded the doctor response timeout",
		}),
		Reassignments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "reassignments_total",
			Help:      "Automatic reassignments performed by the sweeper",
		}, []string{"reason"}),
		ReassignmentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sla",
			Name:      "reassignment_failures_total",
			Help:      "Reassignments that found no eligible doctor",
		}, []string{"reason"}),

		DatabaseOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
	}
}

// New creates an unregistered set of metrics, used by tests and dry runs.
func New(namespace string) *Metrics {
	return NewMetrics(namespace, prometheus.NewRegistry())
}
