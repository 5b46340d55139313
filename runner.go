package txn

import (
	"context"
	"math/rand"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/distransact/txn/cleanup"
	"github.com/distransact/txn/identifier"
	"github.com/distransact/txn/repository"
)

const (
	backoffBase = time.Millisecond
	backoffCap  = 100 * time.Millisecond
	backoffStep = 10
	jitterMax   = 10 * time.Millisecond
)

// Runner is the Transaction Runner (C4): the outer retry loop with
// exponential backoff and jitter and the expiry gate of spec §4.4. It is
// logically single-flow per call — only one Attempt Context exists at a
// time for a given Run invocation — but many Runner.Run calls may proceed
// concurrently against the same instance, sharing the cleanup queue (spec
// §5).
type Runner struct {
	docs    repository.DocumentRepository
	atrs    repository.AtrRepository
	queue   *cleanup.Queue
	config  Config
	metrics *Metrics
}

// NewRunner returns a Runner driving attempts against docs/atrs, enqueuing
// abandoned-attempt cleanup requests onto queue.
func NewRunner(docs repository.DocumentRepository, atrs repository.AtrRepository, queue *cleanup.Queue, config Config, metrics *Metrics) *Runner {
	return &Runner{docs: docs, atrs: atrs, queue: queue, config: config, metrics: metrics}
}

// Run implements spec §4.4: it executes lambda across as many attempts as
// needed, returning a TransactionResult on success (including the
// TransactionFailedPostCommit case, which is reported as success) or an
// errors.E wrapping one of ErrTransactionExpired,
// ErrTransactionCommitAmbiguous, or ErrTransactionFailed.
func (r *Runner) Run(ctx context.Context, lambda Lambda, override *Config) (TransactionResult, errors.E) {
	config := r.config.WithOverrides(override)

	var published []*cleanup.Request
	tc := newTransactionContext(config, func(req *cleanup.Request) {
		published = append(published, req)
	})

	d := &driver{docs: r.docs, atrs: r.atrs}

	backoff := backoffBase
	atrIDHint := identifier.New()
	attempts := 0

	for {
		attempts++
		if r.metrics != nil {
			r.metrics.AttemptsTotal.Inc()
		}

		outcome := d.runOnce(ctx, lambda, tc, atrIDHint)

		for _, req := range published {
			r.queue.Publish(*req)
		}
		published = published[:0]

		if outcome.failure == nil {
			result := TransactionResult{
				TransactionID:     tc.transactionID,
				AttemptID:         outcome.attempt.AttemptID(),
				UnstagingComplete: outcome.attempt.UnstagingComplete(),
				Attempts:          attempts,
			}
			return result, nil
		}

		f := outcome.failure

		if f.Class == FailAtrFull {
			// Choose a new ATR document next attempt, per spec §4.1.
			atrIDHint = identifier.New()
		}

		if f.Retry && !tc.isExpired() {
			if r.metrics != nil {
				r.metrics.RetriesTotal.Inc()
			}
			jitter := time.Duration(rand.Int63n(int64(jitterMax))) //nolint:gosec
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return TransactionResult{}, errors.WithStack(ctx.Err())
			}
			backoff = min(backoff*backoffStep, backoffCap)
			continue
		}

		switch f.Final {
		case FinalTransactionFailedPostCommit:
			return TransactionResult{
				TransactionID:     tc.transactionID,
				AttemptID:         outcome.attempt.AttemptID(),
				UnstagingComplete: false,
				Attempts:          attempts,
			}, nil
		case FinalTransactionExpired:
			if r.metrics != nil {
				r.metrics.ExpiredTotal.Inc()
			}
			return TransactionResult{}, errors.WrapWith(f.Cause, ErrTransactionExpired)
		case FinalTransactionCommitAmbiguous:
			if r.metrics != nil {
				r.metrics.AmbiguousTotal.Inc()
			}
			return TransactionResult{}, errors.WrapWith(f.Cause, ErrTransactionCommitAmbiguous)
		case FinalTransactionFailed:
			if r.metrics != nil {
				r.metrics.FailedTotal.Inc()
			}
			return TransactionResult{}, errors.WrapWith(f.Cause, ErrTransactionFailed)
		case FinalNone:
			// A non-retryable classified failure with no final error is a
			// classifier bug: every Classify path that sets retry=false
			// also sets Final.
			return TransactionResult{}, errors.WithStack(ErrInvariantViolation)
		default:
			return TransactionResult{}, errors.WrapWith(f.Cause, ErrTransactionFailed)
		}
	}
}
