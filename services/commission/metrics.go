package commission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	calculationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_calculations_total",
		Help: "Commission calculations recorded, by calc type and outcome.",
	}, []string{"calc_type", "outcome"})

	calculationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "commission_calculation_duration_seconds",
		Help:    "Time to resolve, compute and store one commission calculation.",
		Buckets: prometheus.DefBuckets,
	})

	ambiguousConfigsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_ambiguous_configs_total",
		Help: "Calculations deferred because two configs tied.",
	}, []string{"venue_id"})

	payoutTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_payout_transitions_total",
		Help: "Payout state transitions, by target status.",
	}, []string{"status"})
)
