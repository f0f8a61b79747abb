package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Delivery and session metrics.
var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idwire_sends_total",
			Help: "Outbound sends by payload kind and synchronous result.",
		},
		[]string{"kind", "result"},
	)

	OutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idwire_outcomes_total",
			Help: "Per-endpoint delivery outcome events by state.",
		},
		[]string{"state"},
	)

	OutcomeRegressions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idwire_outcome_regressions_total",
		Help: "Outcome reports dropped because they would regress endpoint state.",
	})

	EarlyOutcomesBuffered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idwire_early_outcomes_buffered_total",
		Help: "Outcome reports buffered before their send registered.",
	})

	EarlyOutcomesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "idwire_early_outcomes_dropped_total",
		Help: "Buffered outcome reports dropped after the grace period.",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "idwire_active_sessions",
		Help: "Sessions currently in a non-terminal state.",
	})
)

var registerOnce sync.Once

// Register installs the metrics into the default registry. Safe to call from
// multiple controllers; registration happens once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			SendsTotal,
			OutcomesTotal,
			OutcomeRegressions,
			EarlyOutcomesBuffered,
			EarlyOutcomesDropped,
			ActiveSessions,
		)
	})
}
