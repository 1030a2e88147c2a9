// Package metrics holds the Prometheus collectors for the capacity core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics.
type Metrics struct {
	// Reservation metrics
	ReservationsTotal *prometheus.CounterVec

	// Dispatch metrics
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec

	// Reconciler metrics
	ReconcilePromotions prometheus.Counter
	ReconcileRuns       *prometheus.CounterVec

	// Throttle metrics
	ThrottleRejections *prometheus.CounterVec

	// Capacity metrics
	SeatsAvailable *prometheus.GaugeVec
}

// New creates a new Metrics instance with all metrics registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "seatpool"
	}

	return &Metrics{
		ReservationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reservation",
				Name:      "attempts_total",
				Help:      "Total number of seat reservation attempts",
			},
			[]string{"outcome"}, // reserved, exhausted, lock_conflict, error
		),
		DispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "tasks_total",
				Help:      "Total number of dispatch tasks processed",
			},
			[]string{"outcome"}, // success, failed, waiting, requeued
		),
		DispatchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "batch_duration_seconds",
				Help:      "Dispatch batch processing duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"group"},
		),
		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Current depth of the dispatch queue",
			},
			[]string{"queue"}, // main, processing
		),
		ReconcilePromotions: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "promotions_total",
				Help:      "Total number of waiting tasks promoted back to dispatch",
			},
		),
		ReconcileRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Total number of reconciliation passes",
			},
			[]string{"outcome"}, // completed, skipped, error
		),
		ThrottleRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "rejections_total",
				Help:      "Total number of throttle rejections",
			},
			[]string{"kind"}, // semaphore, bucket, shed
		),
		SeatsAvailable: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "seats_available",
				Help:      "Available seats per group as of the last ledger read",
			},
			[]string{"group"},
		),
	}
}
