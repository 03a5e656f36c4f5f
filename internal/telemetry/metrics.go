package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	IdempotentExecutions = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_idempotent_executions_total", Help: "Operations executed for the first time under a key"})
	IdempotentReplays    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_idempotent_replays_total", Help: "Calls answered from a completed or failed record without re-execution"})
	IdempotentConflicts  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_idempotent_conflicts_total", Help: "Calls that timed out waiting on the lock or a pending record"})
	RecordsExpired       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_idempotency_records_expired_total", Help: "Idempotency records purged by the cleanup sweep"})
	RecoveryAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_recovery_attempts_total", Help: "Recovery attempts dispatched to handlers"})
	RecoverySuccess      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_recovery_success_total", Help: "Transactions recovered to completion"})
	DeadLetters          = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_dead_letters_total", Help: "Transactions moved to the dead-letter store"})
	Interventions        = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_manual_interventions_total", Help: "Manual admin actions applied to transactions"})
	SweepBatchGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ops_sweep_batch_size", Help: "Transactions picked up by the latest scheduler sweep"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ops_rate_limit_rejects_total", Help: "Admin API requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			IdempotentExecutions,
			IdempotentReplays,
			IdempotentConflicts,
			RecordsExpired,
			RecoveryAttempts,
			RecoverySuccess,
			DeadLetters,
			Interventions,
			SweepBatchGauge,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
