// Package txn implements the core of a multi-document distributed
// transaction client layered atop a document store: the attempt driver,
// error classifier, transaction runner, and the client-record protocol
// that coordinates cleanup of abandoned attempts across processes.
//
// The package only depends on the storage contracts in the repository
// package (DocumentRepository, AtrRepository, ClientRecordRepository); it
// has no knowledge of how those are backed.
package txn

import (
	"gitlab.com/tozd/go/errors"
)

// ErrorClass identifies why an operation failed, driving the retry and
// rollback decisions of the Driver and Runner (spec §4.1).
type ErrorClass string

const (
	FailExpiry             ErrorClass = "FailExpiry"
	FailAmbiguous           ErrorClass = "FailAmbiguous"
	FailCasMismatch         ErrorClass = "FailCasMismatch"
	FailDocNotFound         ErrorClass = "FailDocNotFound"
	FailDocAlreadyExists    ErrorClass = "FailDocAlreadyExists"
	FailTransient           ErrorClass = "FailTransient"
	FailHard                ErrorClass = "FailHard"
	FailOther               ErrorClass = "FailOther"
	FailAtrFull             ErrorClass = "FailAtrFull"
	FailPathNotFound        ErrorClass = "FailPathNotFound"
	FailWriteWriteConflict  ErrorClass = "FailWriteWriteConflict"
)

// FinalError identifies the terminal outcome the Runner surfaces once an
// attempt's classified failure is not retryable.
type FinalError string

const (
	// FinalNone marks a ClassifiedFailure that is still retryable: no
	// final error has been decided yet.
	FinalNone                        FinalError = ""
	FinalTransactionFailed           FinalError = "TransactionFailed"
	FinalTransactionExpired          FinalError = "TransactionExpired"
	FinalTransactionCommitAmbiguous  FinalError = "TransactionCommitAmbiguous"
	FinalTransactionFailedPostCommit FinalError = "TransactionFailedPostCommit"
)

// Sentinel errors the Runner raises (via errors.WrapWith around the
// classified failure's cause), matching §7's taxonomy. Tests and callers compare
// against these with errors.Is.
var (
	// ErrTransactionFailed is raised for a generic terminal failure.
	ErrTransactionFailed = errors.Base("transaction failed")
	// ErrTransactionExpired is raised once the transaction's overall
	// expiration timeout has elapsed.
	ErrTransactionExpired = errors.Base("transaction expired")
	// ErrTransactionCommitAmbiguous is raised when the durability response
	// during the attempt's COMMITTED transition was inconclusive.
	ErrTransactionCommitAmbiguous = errors.Base("transaction commit ambiguous")
	// ErrInvariantViolation marks a bug: a failure reached the Runner
	// without having been classified, or an AttemptContext data operation
	// tried to stage a mutation after the attempt committed or aborted.
	ErrInvariantViolation = errors.Base("transaction runner invariant violation")
)

// Retryable is the marker interface a repository error may implement to
// force retry=true regardless of how the Classifier would otherwise treat
// it (spec §4.1, "any failure the source raises as retryable").
type Retryable interface {
	Retryable() bool
}

// ClassifiedFailure is the sum type produced by Classify: every failure
// the Driver propagates has been reduced to this shape before it leaves
// C1 (spec §3 "Classified Failure").
type ClassifiedFailure struct {
	Class        ErrorClass
	Retry        bool
	AutoRollback bool
	Final        FinalError
	Cause        errors.E
}

func (f *ClassifiedFailure) Error() string {
	if f.Cause != nil {
		return string(f.Class) + ": " + f.Cause.Error()
	}
	return string(f.Class)
}

// Unwrap exposes Cause to errors.Is / errors.As.
func (f *ClassifiedFailure) Unwrap() error {
	if f.Cause == nil {
		return nil
	}
	return f.Cause
}

// newExpiredFailure builds the FailExpiry ClassifiedFailure an AttemptContext
// data operation raises once its expiry has elapsed (spec §4.7(c)). Cause is
// populated with the sentinel itself so errors.WrapWith(f.Cause,
// ErrTransactionExpired) in the Runner always has a non-nil cause to wrap;
// WrapWith's family treats a nil cause as "no error" and would otherwise
// make Run return success instead of raising.
func newExpiredFailure() *ClassifiedFailure {
	return &ClassifiedFailure{
		Class: FailExpiry,
		Final: FinalTransactionExpired,
		Cause: errors.WithStack(ErrTransactionExpired),
	}
}

// finalSentinel maps a FinalError to the sentinel the Runner raises for
// it, or nil for FinalTransactionFailedPostCommit (never raised, spec §7)
// and FinalNone (still retryable).
func finalSentinel(final FinalError) error {
	switch final {
	case FinalTransactionFailed:
		return ErrTransactionFailed
	case FinalTransactionExpired:
		return ErrTransactionExpired
	case FinalTransactionCommitAmbiguous:
		return ErrTransactionCommitAmbiguous
	case FinalTransactionFailedPostCommit, FinalNone:
		return nil
	default:
		return nil
	}
}
