package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts order submissions by side and outcome (accepted, invalid, failed)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "birdtrade_orders_submitted_total",
		Help: "Total number of order submissions by outcome",
	},
	[]string{"side", "outcome"},
)

// OrdersProcessed counts deferred-phase completions by outcome (processed, failed)
var OrdersProcessed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "birdtrade_orders_processed_total",
		Help: "Total number of deferred order executions by outcome",
	},
	[]string{"outcome"},
)

// SubmitLatency records the latency of the immediate phase
var SubmitLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "birdtrade_submit_latency_seconds",
		Help:    "Latency in seconds of the synchronous order submission phase",
		Buckets: prometheus.DefBuckets,
	},
)

// Query executor metrics
var (
	DBAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdtrade_db_attempts_total",
			Help: "Connection and statement attempts per pool and outcome",
		},
		[]string{"pool", "op", "outcome"},
	)

	DBExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdtrade_db_exhausted_total",
			Help: "Operations that failed on every configured pool",
		},
		[]string{"op"},
	)
)

// Database connection pool metrics
var (
	DBOpenConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "birdtrade_db_open_connections",
			Help: "Number of open connections in the DB pool",
		},
		[]string{"pool"},
	)

	DBIdleConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "birdtrade_db_idle_connections",
			Help: "Number of idle connections in the DB pool",
		},
		[]string{"pool"},
	)

	DBInUseConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "birdtrade_db_in_use_connections",
			Help: "Number of in-use connections in the DB pool",
		},
		[]string{"pool"},
	)
)

// Deferred scheduler metrics
var (
	DeferredPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "birdtrade_deferred_pending",
			Help: "Deferred tasks not yet handed to a worker",
		},
	)

	DeferredTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "birdtrade_deferred_tasks_total",
			Help: "Deferred tasks run by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersProcessed, SubmitLatency)
	prometheus.MustRegister(DBAttempts, DBExhausted)
	prometheus.MustRegister(DBOpenConns, DBIdleConns, DBInUseConns)
	prometheus.MustRegister(DeferredPending, DeferredTasks)
}
