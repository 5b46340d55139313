package txn

import (
	"context"
	"time"

	"github.com/distransact/txn/cleanup"
	"github.com/distransact/txn/identifier"
	"github.com/distransact/txn/repository"
)

// Lambda is the user-supplied block of staged operations run once per
// attempt. A lambda must serialize its own calls against ctx (spec §5,
// "not safe for concurrent mutation by multiple concurrent tasks within a
// single attempt").
type Lambda func(ctx context.Context, attempt *AttemptContext) error

// attemptOutcome is the result of one Driver.runOnce call: either success
// (attempt committed with attempt non-nil and failure nil) or a classified
// failure the Runner must act on.
type attemptOutcome struct {
	attempt *AttemptContext
	failure *ClassifiedFailure
}

// driver runs a single attempt end-to-end: the lambda, auto-commit, and
// the rollback policy of spec §4.3.
type driver struct {
	docs repository.DocumentRepository
	atrs repository.AtrRepository
}

// runOnce implements spec §4.3's algorithm.
func (d *driver) runOnce(ctx context.Context, lambda Lambda, tc *transactionContext, atrIDHint string) attemptOutcome {
	attemptID := identifier.New()
	expiresMS := tc.config.ExpirationTimeout.Milliseconds()

	attempt := newAttemptContext(attemptID, tc.transactionID, atrIDHint, expiresMS, tc.expiresAt, d.docs, d.atrs)

	err := lambda(ctx, attempt)
	if err != nil {
		return d.finish(ctx, tc, attempt, Classify(err, tc.isExpired()))
	}

	if attempt.state == StatePending {
		commitErrE, postCommitErrE := attempt.autoCommit(ctx)
		if commitErrE != nil {
			return d.finish(ctx, tc, attempt, Classify(commitErrE, tc.isExpired()))
		}
		if postCommitErrE != nil {
			// Spec §4.1: post-commit unstage failure is never raised; the
			// Runner reports success with unstaging_complete=false. We
			// still route it through finish so a cleanup request is
			// published, but finish special-cases FinalTransactionFailedPostCommit
			// to return success rather than propagate.
			return d.finish(ctx, tc, attempt, classifyPostCommit(postCommitErrE))
		}
	}

	return attemptOutcome{attempt: attempt}
}

// finish implements spec §4.3 step 4 and step 5: apply the rollback
// policy to a classified failure F, then regardless of outcome publish
// the cleanup request.
func (d *driver) finish(ctx context.Context, tc *transactionContext, attempt *AttemptContext, f *ClassifiedFailure) attemptOutcome {
	if f.AutoRollback {
		if errE := attempt.rollbackInternal(ctx); errE != nil {
			f = downgradeAfterFailedRollback(f, errE)
		}
	}

	if tc.isExpired() && f.Class != FailExpiry {
		f = reclassifyOnExpiry(f)
	}

	if req := attempt.getCleanupRequest(); req != nil {
		tc.publishCleanup(req)
	}

	if f.Final == FinalTransactionFailedPostCommit {
		// Never propagated: the attempt already committed successfully.
		return attemptOutcome{attempt: attempt}
	}

	return attemptOutcome{attempt: attempt, failure: f}
}

// transactionContext is the per-call state the Runner owns across every
// attempt it drives (spec §3 "Transaction Context").
type transactionContext struct {
	transactionID string
	startTime     time.Time
	expiresAt     time.Time
	config        Config

	publishCleanup func(*cleanup.Request)
}

func newTransactionContext(config Config, publishCleanup func(*cleanup.Request)) *transactionContext {
	now := time.Now()
	return &transactionContext{
		transactionID:  identifier.New(),
		startTime:      now,
		expiresAt:      now.Add(config.ExpirationTimeout),
		config:         config,
		publishCleanup: publishCleanup,
	}
}

func (tc *transactionContext) isExpired() bool {
	return !time.Now().Before(tc.expiresAt)
}
