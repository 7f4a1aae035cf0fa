package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP
	HTTPLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "librarylend_http_request_duration_seconds",
			Help:    "Latency of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// Lending operations by outcome (ok or the error kind).
	LendingOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarylend_lending_operations_total",
			Help: "Borrow, return and catalog admin operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
	SagaCompensations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarylend_saga_compensations_total",
			Help: "Compensating writes issued after a partial borrow or return.",
		},
		[]string{"op", "result"},
	)

	// Repair queue and reconciliation
	RepairQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "librarylend_repair_queue_depth",
			Help: "Repair tasks waiting for a worker.",
		},
	)
	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarylend_reconcile_repairs_total",
			Help: "Invariant violations repaired, by kind.",
		},
		[]string{"kind"},
	)

	// Store resilience
	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "librarylend_store_retries_total",
			Help: "Store calls retried after a transient fault.",
		},
		[]string{"op"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "librarylend_store_breaker_state",
			Help: "Store circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"name"},
	)

	initOnce sync.Once
)

// Handler serves the default registry.
var Handler = promhttp.Handler

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPLatency,
			LendingOperations,
			SagaCompensations,
			RepairQueueDepth,
			Repairs,
			StoreRetries,
			BreakerState,
		)
	})
}
