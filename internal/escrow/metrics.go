package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tradesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_trades_created_total",
		Help: "Trades created",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_trade_transitions_total",
		Help: "Trade status transitions, by source and target status",
	}, []string{"from", "to"})

	depositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_deposits_total",
		Help: "Accepted deposits, by leg",
	}, []string{"leg"})

	gatingOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_gating_outcomes_total",
		Help: "Gating sequence runs, by outcome (executed, blocked, error)",
	}, []string{"outcome"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_execution_duration_seconds",
		Help:    "Time spent performing the settlement swap",
		Buckets: prometheus.DefBuckets,
	})

	feesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_fees_collected_total",
		Help: "Fees collected in smallest units, by payment asset",
	}, []string{"asset"})

	disputesRaised = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_disputes_raised_total",
		Help: "Disputes raised",
	})

	reentrantCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_reentrant_calls_total",
		Help: "Rejected re-entrant calls, by attempted operation",
	}, []string{"operation"})

	busyRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_busy_rejections_total",
		Help: "Operations that gave up waiting for the operation slot, by operation",
	}, []string{"operation"})

	pausedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "escrow_paused",
		Help: "1 while the engine is paused",
	})

	processorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_processor_actions_total",
		Help: "Background processor actions, by action and result",
	}, []string{"action", "result"})
)
