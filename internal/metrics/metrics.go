package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Engine counters and histograms, partitioned by network so mainnet and
// testnet traffic can be told apart on one dashboard.

var (
	// Scheduler
	SchedulerCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Total sync cycles run",
	}, []string{"network"})

	SchedulerCycleErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "scheduler",
		Name:      "cycle_errors_total",
		Help:      "Total sync cycles that ended in error",
	}, []string{"network"})

	SchedulerTicksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "scheduler",
		Name:      "ticks_skipped_total",
		Help:      "Ticks skipped because the previous cycle was still in flight",
	}, []string{"network"})

	SchedulerCycleLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coinage",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Full sync cycle duration (resolve through reconcile)",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"network"})

	// Resolver
	ResolverTierHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "resolver",
		Name:      "tier_hits_total",
		Help:      "Snapshots served, by provenance tier",
	}, []string{"network", "provenance"})

	ResolverTierFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "resolver",
		Name:      "tier_failures_total",
		Help:      "Tier attempts that failed or came back empty",
	}, []string{"network", "tier"})

	// Detector
	DetectorEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "detector",
		Name:      "events_total",
		Help:      "Change events produced, by type",
	}, []string{"network", "type"})

	DetectorTokensDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "detector",
		Name:      "tokens_dropped_total",
		Help:      "Tokens dropped from a detection pass due to malformed balances",
	}, []string{"network"})

	// Notifications
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications delivered, by sink",
	}, []string{"sink"})

	NotificationsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "notify",
		Name:      "suppressed_total",
		Help:      "Notifications suppressed by the dedup window",
	}, []string{"network"})

	NotificationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "notify",
		Name:      "errors_total",
		Help:      "Notification deliveries that failed",
	}, []string{"sink"})

	// Reconciler
	ReconcileWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "reconcile",
		Name:      "writes_total",
		Help:      "Shared-cache write-backs performed",
	}, []string{"network"})

	ReconcileSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "reconcile",
		Name:      "suppressed_total",
		Help:      "Reconcile passes that found the cache already in sync",
	}, []string{"network"})

	ReconcileErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Shared-cache I/O errors absorbed during reconciliation",
	}, []string{"network"})

	// Explorer source
	ExplorerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "explorer",
		Name:      "requests_total",
		Help:      "Live balance fetches, by outcome",
	}, []string{"network", "status"})

	ExplorerRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "coinage",
		Subsystem: "explorer",
		Name:      "rate_limit_waits_total",
		Help:      "Fetches delayed by the client-side rate limiter",
	}, []string{"network"})

	ExplorerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "coinage",
		Subsystem: "explorer",
		Name:      "request_duration_seconds",
		Help:      "Live balance fetch duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"network"})
)
