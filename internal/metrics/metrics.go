package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ── HTTP request metrics (RED method) ──────────────────────────────────

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by status class.",
	}, []string{"method", "path", "status_class"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lp_monitor",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lp_monitor",
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Number of HTTP requests currently being processed.",
	})
)

// ── Price / yield source metrics ───────────────────────────────────────

var (
	SourceFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "source",
		Name:      "fetch_total",
		Help:      "Real fetch attempts per source, by kind (price/apr) and outcome.",
	}, []string{"source", "kind", "status"})

	SourceFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lp_monitor",
		Subsystem: "source",
		Name:      "fetch_duration_seconds",
		Help:      "Latency of real fetch attempts per source in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Quote cache lookups by kind and result (hit/miss).",
	}, []string{"kind", "result"})

	AllSourcesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "source",
		Name:      "all_failed_total",
		Help:      "Requests for which every tier failed.",
	}, []string{"kind"})
)

// ── Cycle / position metrics ───────────────────────────────────────────

var (
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lp_monitor",
		Subsystem: "cycle",
		Name:      "duration_seconds",
		Help:      "Duration of a full evaluation cycle in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	CycleLastSuccess = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lp_monitor",
		Subsystem: "cycle",
		Name:      "last_completed_timestamp",
		Help:      "Unix timestamp of the last completed evaluation cycle.",
	})

	PositionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "position",
		Name:      "results_total",
		Help:      "Position evaluations by final status.",
	}, []string{"status"})

	PositionIL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lp_monitor",
		Subsystem: "position",
		Name:      "impermanent_loss_ratio",
		Help:      "Latest impermanent loss fraction per position.",
	}, []string{"position"})

	PositionValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lp_monitor",
		Subsystem: "position",
		Name:      "value_usd",
		Help:      "Latest LP stake value in USD per position.",
	}, []string{"position"})

	PositionNetPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "lp_monitor",
		Subsystem: "position",
		Name:      "net_pnl_usd",
		Help:      "Latest net P&L in USD per position.",
	}, []string{"position"})
)

// ── Alert delivery metrics ─────────────────────────────────────────────

var (
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total alerts successfully delivered.",
	}, []string{"type"})

	AlertsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "alerts",
		Name:      "failed_total",
		Help:      "Total alert delivery failures.",
	}, []string{"type"})

	AlertsDeduplicatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lp_monitor",
		Subsystem: "alerts",
		Name:      "deduplicated_total",
		Help:      "Total alerts suppressed by deduplication.",
	}, []string{"type"})
)
