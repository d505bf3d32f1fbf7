package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the battle service.
// Every component treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// --- Battle lifecycle ---
	BattlesCreated     *prometheus.CounterVec
	BattleTransitions  *prometheus.CounterVec
	BattlesActive      prometheus.Gauge
	JoinsAccepted      prometheus.Counter
	JoinsRejected      *prometheus.CounterVec
	JoinRefunds        *prometheus.CounterVec
	CompensatingDelete prometheus.Counter

	// --- Rounds ---
	RoundsExecuted  prometheus.Counter
	RoundDuration   prometheus.Histogram
	PullsRecorded   prometheus.Counter
	TableMisweights prometheus.Counter

	// --- Fairness ---
	FairnessViolations *prometheus.CounterVec
	Verifications      *prometheus.CounterVec

	// --- Settlement ---
	SettlementsCommitted *prometheus.CounterVec
	SettlementReplays    prometheus.Counter
	SettlementDuration   prometheus.Histogram
	SettlementErrors     *prometheus.CounterVec
	TieBreaks            *prometheus.CounterVec
	Payouts              *prometheus.CounterVec

	// --- Pricing ---
	PriceLookups      *prometheus.CounterVec
	PriceClamped      prometheus.Counter
	PriceCacheHits    prometheus.Counter
	PriceCacheMisses  prometheus.Counter
	PriceCacheEntries prometheus.Gauge

	// --- Event bus ---
	EventsBroadcast  *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	EventDeliveries  *prometheus.CounterVec
	EventRetries     prometheus.Counter
	SubscribersTotal prometheus.Gauge

	// --- Maintenance ---
	SweepCancelled *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	roundBuckets := []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
	fastBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

	return &Metrics{
		// Battle lifecycle
		BattlesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_created_total",
			Help: "Battles created",
		}, []string{"mode"}),

		BattleTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_transitions_total",
			Help: "Battle status transitions",
		}, []string{"to"}),

		BattlesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "battle_supervisors_active",
			Help: "Battles with a running supervisor",
		}),

		JoinsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_joins_accepted_total",
			Help: "Accepted joins",
		}),

		JoinsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_joins_rejected_total",
			Help: "Rejected joins",
		}, []string{"reason"}),

		JoinRefunds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_join_refunds_total",
			Help: "Entry fee refunds issued after a lost join race",
		}, []string{"outcome"}),

		CompensatingDelete: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_compensating_deletes_total",
			Help: "Battles deleted after case linking failed",
		}),

		// Rounds
		RoundsExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_rounds_executed_total",
			Help: "Rounds completed",
		}),

		RoundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_round_duration_seconds",
			Help:    "Round execution time including pacing",
			Buckets: roundBuckets,
		}),

		PullsRecorded: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_pulls_recorded_total",
			Help: "Pulls persisted",
		}),

		TableMisweights: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_case_table_misweighted_total",
			Help: "Rounds rolled against a table not summing to 100%",
		}),

		// Fairness
		FairnessViolations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_fairness_violations_total",
			Help: "Recomputations that did not reproduce stored outcomes",
		}, []string{"field"}),

		Verifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_verifications_total",
			Help: "Round verifications",
		}, []string{"result"}),

		// Settlement
		SettlementsCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_settlements_committed_total",
			Help: "Settlements committed",
		}, []string{"mode"}),

		SettlementReplays: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_settlement_replays_total",
			Help: "Settle calls answered from a previously committed result",
		}),

		SettlementDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_settlement_duration_seconds",
			Help:    "Time to compute and commit a settlement",
			Buckets: fastBuckets,
		}),

		SettlementErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_settlement_errors_total",
			Help: "Settlement failures",
		}, []string{"stage"}),

		TieBreaks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_tie_breaks_total",
			Help: "Tie-break draws",
		}, []string{"degraded"}),

		Payouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_payouts_total",
			Help: "Winner payouts",
		}, []string{"outcome"}),

		// Pricing
		PriceLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_price_lookups_total",
			Help: "Fair value computations",
		}, []string{"result"}),

		PriceClamped: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_price_clamped_total",
			Help: "Raw values clamped into the fair band",
		}),

		PriceCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_price_cache_hits_total",
			Help: "History cache hits",
		}),

		PriceCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_price_cache_misses_total",
			Help: "History cache misses",
		}),

		PriceCacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "battle_price_cache_entries",
			Help: "Items with cached history",
		}),

		// Event bus
		EventsBroadcast: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_events_broadcast_total",
			Help: "Events accepted for delivery",
		}, []string{"type"}),

		EventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_events_dropped_total",
			Help: "Events dropped",
		}, []string{"reason"}),

		EventDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_event_deliveries_total",
			Help: "Delivery attempts by final outcome",
		}, []string{"outcome"}),

		EventRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "battle_event_retries_total",
			Help: "Delivery retries",
		}),

		SubscribersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "battle_event_subscribers",
			Help: "Registered subscribers",
		}),

		// Maintenance
		SweepCancelled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "battle_sweep_cancelled_total",
			Help: "Battles cancelled by the maintenance sweep",
		}, []string{"reason"}),

		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "battle_sweep_duration_seconds",
			Help:    "Maintenance sweep duration",
			Buckets: fastBuckets,
		}),
	}
}
