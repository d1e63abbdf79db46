// metrics.go - Prometheus instrumentation for engine operations.
package credit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	creditsGranted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_engine_granted_total",
		Help: "Credits granted, by credit type and source.",
	}, []string{"credit_type", "source_type"})

	creditsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credit_engine_consumed_total",
		Help: "Credits consumed, by credit type.",
	}, []string{"credit_type"})

	creditsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_expired_total",
		Help: "Credits retired by the expiration sweeper.",
	})

	commitConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_commit_conflicts_total",
		Help: "Optimistic commit conflicts that triggered a re-plan.",
	})

	sweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_sweep_runs_total",
		Help: "Expiration sweep runs.",
	})

	transfersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credit_engine_transfers_total",
		Help: "Completed transfers between users.",
	})
)
