package txn

import (
	"gitlab.com/tozd/go/errors"

	"github.com/distransact/txn/repository"
)

// ambiguousMarker is the marker interface a repository error implements to
// signal a durability-ambiguous write during the attempt's COMMITTED
// transition (spec §4.1 "durability-ambiguous write during commit").
type ambiguousMarker interface {
	Ambiguous() bool
}

// transientMarker is the marker interface a repository error implements to
// signal a timeout, temporary failure, or network hiccup.
type transientMarker interface {
	Transient() bool
}

// Classify reduces a raw failure from the lambda or a repository call into
// a ClassifiedFailure, per the rules of spec §4.1. expired reports whether
// the overall transaction context has already observed its expiry; it only
// affects the FailExpiry short-circuit, not the per-condition class rules,
// which the Driver applies on top via reclassifyOnExpiry.
func Classify(err error, expired bool) *ClassifiedFailure {
	if err == nil {
		return nil
	}

	var cf *ClassifiedFailure
	if errors.As(err, &cf) {
		// Already classified; pass through unchanged so re-wrapping a
		// ClassifiedFailure is a no-op.
		return cf
	}

	errE := errors.WithStack(err)

	if expired {
		return &ClassifiedFailure{
			Class: FailExpiry,
			Retry: false,
			Final: FinalTransactionExpired,
			Cause: errE,
		}
	}

	switch {
	case errors.Is(err, repository.ErrCASMismatch):
		return &ClassifiedFailure{Class: FailCasMismatch, Retry: true, AutoRollback: true, Cause: errE}
	case errors.Is(err, repository.ErrDocNotFound):
		return &ClassifiedFailure{Class: FailDocNotFound, Retry: true, AutoRollback: true, Cause: errE}
	case errors.Is(err, repository.ErrDocAlreadyExists):
		return &ClassifiedFailure{Class: FailDocAlreadyExists, Retry: true, AutoRollback: true, Cause: errE}
	case errors.Is(err, repository.ErrAtrFull):
		return &ClassifiedFailure{Class: FailAtrFull, Retry: true, AutoRollback: true, Cause: errE}
	}

	var ambiguous ambiguousMarker
	if errors.As(err, &ambiguous) && ambiguous.Ambiguous() {
		return &ClassifiedFailure{
			Class: FailAmbiguous,
			Retry: false,
			Final: FinalTransactionCommitAmbiguous,
			Cause: errE,
		}
	}

	var transient transientMarker
	if errors.As(err, &transient) && transient.Transient() {
		return &ClassifiedFailure{Class: FailTransient, Retry: true, AutoRollback: true, Cause: errE}
	}

	var retryable Retryable
	if errors.As(err, &retryable) && retryable.Retryable() {
		return &ClassifiedFailure{Class: FailOther, Retry: true, AutoRollback: true, Cause: errE}
	}

	return &ClassifiedFailure{
		Class:        FailOther,
		Retry:        false,
		AutoRollback: true,
		Final:        FinalTransactionFailed,
		Cause:        errE,
	}
}

// classifyPostCommit wraps a failure encountered while unstaging after the
// attempt has already reached COMMITTED: it is never raised, only recorded
// as unstaging_complete=false (spec §4.1 "Post-commit unstage failure").
func classifyPostCommit(err error) *ClassifiedFailure {
	return &ClassifiedFailure{
		Class: FailOther,
		Retry: false,
		Final: FinalTransactionFailedPostCommit,
		Cause: errors.WithStack(err),
	}
}

// reclassifyOnExpiry implements spec §4.3 step 4's second bullet: once the
// overall transaction context is expired, any non-FailExpiry classified
// failure is replaced so the Runner raises TransactionExpired rather than
// whatever the original classification would have produced.
func reclassifyOnExpiry(f *ClassifiedFailure) *ClassifiedFailure {
	if f.Class == FailExpiry {
		return f
	}
	return &ClassifiedFailure{
		Class: FailExpiry,
		Retry: false,
		Final: FinalTransactionExpired,
		Cause: f.Cause,
	}
}

// downgradeAfterFailedRollback implements spec §4.3 step 4's first bullet:
// once rollback itself has failed after a primary failure, retry is forced
// to false and auto_rollback to false, while final_error and cause are
// preserved from the original failure f (falling back to TransactionFailed
// if f was still retryable and so carried no final error of its own).
func downgradeAfterFailedRollback(f *ClassifiedFailure, rollbackErr error) *ClassifiedFailure {
	final := f.Final
	if final == FinalNone {
		final = FinalTransactionFailed
	}
	cause := f.Cause
	if cause == nil {
		cause = errors.WithStack(rollbackErr)
	} else if rollbackErr != nil {
		cause = errors.Join(cause, rollbackErr)
	}
	return &ClassifiedFailure{
		Class:        f.Class,
		Retry:        false,
		AutoRollback: false,
		Final:        final,
		Cause:        cause,
	}
}
