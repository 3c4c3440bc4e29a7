package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_runs_total",
			Help: "Scheduler runs by result",
		},
		[]string{"result"}, // "ok", "error", "dry_run", "locked"
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "marketsync_run_duration_seconds",
			Help:    "Wall-clock duration of scheduler runs",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	JobOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_job_outcomes_total",
			Help: "Dispatched jobs by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	JobsReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsync_jobs_reclaimed_total",
			Help: "Jobs moved from running back to pending by the stale sweep",
		},
	)

	BudgetDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_budget_denials_total",
			Help: "Reservations refused because the hourly budget was spent",
		},
		[]string{"provider"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketsync_fetch_duration_seconds",
			Help:    "Provider fetch latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "status"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketsync_circuit_breaker_state",
			Help: "Provider circuit state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	HistoryRowsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_history_rows_total",
			Help: "History append attempts by result",
		},
		[]string{"result"}, // "inserted", "duplicate"
	)

	NotifierFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketsync_notifier_failures_total",
			Help: "Alert deliveries that failed on the best-effort channel",
		},
	)

	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_webhook_events_total",
			Help: "Inbound webhook events by type and result",
		},
		[]string{"type", "result"}, // result: "applied", "duplicate", "orphan", "recorded", "rejected"
	)

	PriceCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketsync_price_cache_lookups_total",
			Help: "Resolved-price cache lookups",
		},
		[]string{"result"}, // "hit", "miss"
	)
)
