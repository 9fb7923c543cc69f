package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerRPCTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_ledger_rpc_total",
			Help: "Total number of ledger RPC calls",
		},
		[]string{"method", "status"},
	)

	LedgerRPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vionex_impact_ledger_rpc_duration_seconds",
			Help:    "Duration of ledger RPC calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~41s
		},
		[]string{"method"},
	)

	LedgerSubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_ledger_submissions_total",
			Help: "Total number of append submissions by outcome",
		},
		[]string{"outcome"}, // "committed", "slot_occupied", "rejected", "unreachable", "unconfirmed", "adopted"
	)

	LogImpactTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_log_impact_total",
			Help: "Total number of LogImpact calls by result",
		},
		[]string{"status"},
	)

	LogImpactAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vionex_impact_log_impact_attempts",
			Help:    "Number of ledger attempts per successful LogImpact",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	MirrorWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vionex_impact_mirror_write_failures_total",
			Help: "Total number of committed entries whose mirror write failed",
		},
	)

	RewardAwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_reward_awards_total",
			Help: "Total number of reward award requests",
		},
		[]string{"status"}, // "awarded", "duplicate", "error"
	)

	DonationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_donation_transitions_total",
			Help: "Total number of donation lifecycle operations",
		},
		[]string{"operation", "status"},
	)

	ViewRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_view_refresh_total",
			Help: "Total number of view refreshes",
		},
		[]string{"view_type", "status"},
	)

	ViewRefreshDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vionex_impact_view_refresh_duration_seconds",
			Help:    "Duration of view refreshes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s (~6.8 minutes)
		},
		[]string{"view_type"},
	)

	ReconciledEntriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vionex_impact_reconciled_entries_total",
			Help: "Total number of ledger entries mirrored by the reconciler",
		},
	)

	DatabaseQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vionex_impact_database_queries_total",
			Help: "Total number of database queries",
		},
		[]string{"status"},
	)

	DatabaseQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vionex_impact_database_query_duration_seconds",
			Help:    "Duration of database queries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)
)
