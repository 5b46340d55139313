package txn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation for a Runner. It is
// constructed once per Transactions handle (not package-global) so tests
// and multiple handles in one process can each use their own
// prometheus.Registerer.
type Metrics struct {
	AttemptsTotal  prometheus.Counter
	RetriesTotal   prometheus.Counter
	ExpiredTotal   prometheus.Counter
	AmbiguousTotal prometheus.Counter
	FailedTotal    prometheus.Counter
}

// NewMetrics registers the runner's counters with reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "txn_attempts_total",
			Help: "Total number of attempts run across all transactions.",
		}),
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "txn_retries_total",
			Help: "Total number of attempts retried after a retryable classified failure.",
		}),
		ExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "txn_expired_total",
			Help: "Total number of transactions that raised TransactionExpired.",
		}),
		AmbiguousTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "txn_commit_ambiguous_total",
			Help: "Total number of transactions that raised TransactionCommitAmbiguous.",
		}),
		FailedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "txn_failed_total",
			Help: "Total number of transactions that raised TransactionFailed.",
		}),
	}
}
