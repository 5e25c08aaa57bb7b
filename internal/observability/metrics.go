package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbk_requests_total",
			Help: "Total number of requests",
		},
		[]string{"route", "code", "method"},
	)

	DBTxDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fbk_db_tx_seconds",
			Help:    "Duration of DB transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	BookingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbk_bookings_total",
			Help: "Booking operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbk_ledger_ops_total",
			Help: "Inventory ledger operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fbk_transitions_total",
			Help: "Reservation state transitions",
		},
		[]string{"from", "to"},
	)

	SweepExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fbk_sweep_expired_total",
			Help: "Reservations expired by the sweeper",
		},
	)

	ReconcileRequired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fbk_capacity_reconcile_required_total",
			Help: "Ledger calls that failed after a durable state change",
		},
	)

	OutboxLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fbk_outbox_lag_seconds",
			Help: "Lag of outbox publishing",
		},
	)

	RabbitPublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fbk_rabbit_publish_retries_total",
			Help: "Total rabbit publish retries",
		},
	)

	RateLimitExceeded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fbk_rate_limit_exceeded_total",
			Help: "Total rate limit exceeded",
		},
	)
)

var registerOnce sync.Once

func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestsTotal, DBTxDuration, BookingsTotal, LedgerOpsTotal, TransitionsTotal,
			SweepExpired, ReconcileRequired, OutboxLag, RabbitPublishRetries, RateLimitExceeded,
		)
	})
}

// Outcome labels an error for the outcome dimension of counters.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
