package txn

import (
	"context"
	"time"

	"gitlab.com/tozd/go/errors"

	"github.com/distransact/txn/cleanup"
	"github.com/distransact/txn/repository"
)

// AttemptState is the lifecycle state of an Attempt Context, monotonic per
// spec §3: NOT_STARTED → PENDING → {ABORTED, COMMITTED} → COMPLETED.
type AttemptState int

const (
	StateNotStarted AttemptState = iota
	StatePending
	StateAborted
	StateCommitted
	StateCompleted
)

func (s AttemptState) String() string {
	switch s {
	case StateNotStarted:
		return "NOT_STARTED"
	case StatePending:
		return "PENDING"
	case StateAborted:
		return "ABORTED"
	case StateCommitted:
		return "COMMITTED"
	case StateCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// AttemptContext is the per-retry state exposed to user lambdas: get,
// insert, replace, remove, and (implicitly) commit/rollback (spec §4.2).
// A value outlives the Driver call that created it so its terminal state
// can be read by the cleanup hand-off.
type AttemptContext struct {
	attemptID     string
	transactionID string
	atrIDHint     string
	atrID         string
	expiresMS     int64

	docs repository.DocumentRepository
	atrs repository.AtrRepository

	expiresAt time.Time

	state              AttemptState
	stagedMutations    []repository.StagedMutation
	unstagingComplete  bool
	committedOrAborted bool
}

// newAttemptContext creates a fresh Attempt Context for one Driver
// iteration. The actual atr_id field is assigned lazily on first staging,
// not here, per spec §3 ("atr_id: lazily assigned ... immutable once
// set") — atrIDHint is the ATR document this attempt will use once it
// does stage something, chosen by the Runner so a FailAtrFull retry can
// supply a different one.
func newAttemptContext(
	attemptID, transactionID, atrIDHint string, expiresMS int64, expiresAt time.Time,
	docs repository.DocumentRepository, atrs repository.AtrRepository,
) *AttemptContext {
	return &AttemptContext{
		attemptID:     attemptID,
		transactionID: transactionID,
		atrIDHint:     atrIDHint,
		expiresMS:     expiresMS,
		expiresAt:     expiresAt,
		docs:          docs,
		atrs:          atrs,
		state:         StateNotStarted,
	}
}

// AttemptID returns the attempt's identifier.
func (a *AttemptContext) AttemptID() string { return a.attemptID }

// State returns the attempt's current lifecycle state.
func (a *AttemptContext) State() AttemptState { return a.state }

// UnstagingComplete reports whether every staged mutation was unstaged
// successfully after commit.
func (a *AttemptContext) UnstagingComplete() bool { return a.unstagingComplete }

// StagedMutations returns a read-only view of the mutations staged so far,
// in insertion order (the read-only accessor listed under SPEC_FULL's
// supplemented features).
func (a *AttemptContext) StagedMutations() []repository.StagedMutation {
	out := make([]repository.StagedMutation, len(a.stagedMutations))
	copy(out, a.stagedMutations)
	return out
}

func (a *AttemptContext) isExpired() bool {
	return !time.Now().Before(a.expiresAt)
}

// ensureStarted lazily assigns atr_id and creates the ATR entry on first
// staging, advancing NOT_STARTED → PENDING (spec §4.2 "advances state from
// NOT_STARTED to PENDING on the first staging").
func (a *AttemptContext) ensureStarted(ctx context.Context) errors.E {
	if a.state != StateNotStarted {
		return nil
	}
	_, errE := a.atrs.CreateEntry(ctx, a.atrIDHint, a.transactionID, a.attemptID, a.expiresMS)
	if errE != nil {
		return errE
	}
	a.atrID = a.atrIDHint
	a.state = StatePending
	return nil
}

// Get reads a document's current committed body and CAS.
func (a *AttemptContext) Get(ctx context.Context, docID string) ([]byte, int64, errors.E) {
	if a.isExpired() {
		return nil, 0, errors.WithStack(newExpiredFailure())
	}
	return a.docs.Get(ctx, docID)
}

// Insert stages the creation of a new document.
func (a *AttemptContext) Insert(ctx context.Context, docID string, body []byte) (int64, errors.E) {
	if a.isExpired() {
		return 0, errors.WithStack(newExpiredFailure())
	}
	if a.committedOrAborted {
		return 0, errors.WithStack(ErrInvariantViolation)
	}
	if errE := a.ensureStarted(ctx); errE != nil {
		return 0, errE
	}
	cas, errE := a.docs.StagedInsert(ctx, docID, body, a.attemptID, a.atrID)
	if errE != nil {
		return 0, errE
	}
	if errE := a.recordStagedMutation(ctx, repository.StagedMutation{DocID: docID, Op: repository.OpInsert, CAS: cas, StagedBody: body}); errE != nil {
		return 0, errE
	}
	return cas, nil
}

// Replace stages a new body over an existing document.
func (a *AttemptContext) Replace(ctx context.Context, docID string, body []byte, expectedCAS int64) (int64, errors.E) {
	if a.isExpired() {
		return 0, errors.WithStack(newExpiredFailure())
	}
	if a.committedOrAborted {
		return 0, errors.WithStack(ErrInvariantViolation)
	}
	if errE := a.ensureStarted(ctx); errE != nil {
		return 0, errE
	}
	cas, errE := a.docs.StagedReplace(ctx, docID, body, expectedCAS, a.attemptID, a.atrID)
	if errE != nil {
		return 0, errE
	}
	if errE := a.recordStagedMutation(ctx, repository.StagedMutation{DocID: docID, Op: repository.OpReplace, CAS: cas, StagedBody: body}); errE != nil {
		return 0, errE
	}
	return cas, nil
}

// Remove stages the deletion of an existing document.
func (a *AttemptContext) Remove(ctx context.Context, docID string, expectedCAS int64) (int64, errors.E) {
	if a.isExpired() {
		return 0, errors.WithStack(newExpiredFailure())
	}
	if a.committedOrAborted {
		return 0, errors.WithStack(ErrInvariantViolation)
	}
	if errE := a.ensureStarted(ctx); errE != nil {
		return 0, errE
	}
	cas, errE := a.docs.StagedRemove(ctx, docID, expectedCAS, a.attemptID, a.atrID)
	if errE != nil {
		return 0, errE
	}
	if errE := a.recordStagedMutation(ctx, repository.StagedMutation{DocID: docID, Op: repository.OpRemove, CAS: cas}); errE != nil {
		return 0, errE
	}
	return cas, nil
}

// recordStagedMutation appends m to the attempt's in-memory mutation list
// and mirrors the full list onto the ATR entry, so a cleaner that only has
// the ATR entry (no live AttemptContext) still knows every document it
// must unstage or roll back (spec §4.6).
func (a *AttemptContext) recordStagedMutation(ctx context.Context, m repository.StagedMutation) errors.E {
	a.stagedMutations = append(a.stagedMutations, m)
	return a.atrs.SetStagedMutations(ctx, a.atrID, a.attemptID, a.stagedMutations)
}

// autoCommit implements spec §4.2 auto_commit: if PENDING with non-empty
// staged mutations, transition the ATR to COMMITTED, then unstage each
// mutation in insertion order. Any failure after the ATR transition is a
// post-commit failure, surfaced via the second return rather than the
// first so the caller can distinguish "commit itself failed" from
// "commit succeeded, unstaging did not".
func (a *AttemptContext) autoCommit(ctx context.Context) (commitErrE errors.E, postCommitErrE errors.E) { //nolint:nonamedreturns
	if a.state != StatePending || len(a.stagedMutations) == 0 {
		if a.state == StatePending {
			a.state = StateCompleted
			a.unstagingComplete = true
		}
		return nil, nil
	}

	if errE := a.atrs.SetState(ctx, a.atrID, a.attemptID, repository.AtrStateCommitted); errE != nil {
		return errE, nil
	}
	a.state = StateCommitted
	a.committedOrAborted = true

	for i := range a.stagedMutations {
		m := a.stagedMutations[i]
		var errE errors.E
		switch m.Op {
		case repository.OpInsert:
			errE = a.docs.CommitInsert(ctx, m.DocID, m.CAS)
		case repository.OpReplace:
			errE = a.docs.CommitReplace(ctx, m.DocID, m.CAS)
		case repository.OpRemove:
			errE = a.docs.CommitRemove(ctx, m.DocID, m.CAS)
		}
		if errE != nil {
			a.state = StateCompleted
			return nil, errE
		}
	}

	a.unstagingComplete = true
	a.state = StateCompleted
	return nil, nil
}

// rollbackInternal implements spec §4.2 rollback_internal: if PENDING,
// transition the ATR to ABORTED and unstage with rollback semantics.
// Idempotent — calling it again once terminal is a no-op.
func (a *AttemptContext) rollbackInternal(ctx context.Context) errors.E {
	if a.state != StatePending {
		return nil
	}

	if errE := a.atrs.SetState(ctx, a.atrID, a.attemptID, repository.AtrStateAborted); errE != nil {
		return errE
	}
	a.state = StateAborted
	a.committedOrAborted = true

	for i := len(a.stagedMutations) - 1; i >= 0; i-- {
		m := a.stagedMutations[i]
		var errE errors.E
		switch m.Op {
		case repository.OpInsert:
			errE = a.docs.RollbackInsert(ctx, m.DocID, m.CAS)
		case repository.OpReplace, repository.OpRemove:
			errE = a.docs.RollbackMutation(ctx, m.DocID, m.CAS)
		}
		if errE != nil {
			return errE
		}
	}

	a.state = StateCompleted
	return nil
}

// getCleanupRequest implements spec §4.2 get_cleanup_request: returns a
// descriptor iff the attempt crossed PENDING, nil otherwise.
func (a *AttemptContext) getCleanupRequest() *cleanup.Request {
	if a.atrID == "" {
		return nil
	}
	docIDs := make([]string, len(a.stagedMutations))
	for i, m := range a.stagedMutations {
		docIDs[i] = m.DocID
	}
	return &cleanup.Request{
		AtrID:      a.atrID,
		AttemptID:  a.attemptID,
		DocIDs:     docIDs,
		FinalState: a.state.String(),
	}
}
