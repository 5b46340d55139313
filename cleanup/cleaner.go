package cleanup

import (
	"context"

	"gitlab.com/tozd/go/errors"

	"github.com/distransact/txn/repository"
)

// Cleaner executes a cleanup request against an ATR entry (spec §4.6): it
// re-reads the entry, and if it is in a terminal state consistent with the
// request, performs the same unstage/rollback operations the Attempt
// Context would have, then removes the ATR entry. Every operation is
// idempotent under CAS, so a concurrent cleaner finishing the same attempt
// is acceptable and indistinguishable from this one having done it alone.
type Cleaner struct {
	docs repository.DocumentRepository
	atrs repository.AtrRepository
}

// NewCleaner returns a Cleaner operating against the given repositories.
func NewCleaner(docs repository.DocumentRepository, atrs repository.AtrRepository) *Cleaner {
	return &Cleaner{docs: docs, atrs: atrs}
}

// Clean implements spec §4.6 for a single request, addressed either by a
// local Request (from the Driver) or reconstructed from an AtrEntry found
// during a Client Record Manager sweep (see CleanEntry).
func (c *Cleaner) Clean(ctx context.Context, req Request) errors.E {
	entries, _, errE := c.atrs.LookupAttempts(ctx, req.AtrID)
	if errE != nil {
		return errE
	}
	entry, ok := entries[req.AttemptID]
	if !ok {
		// Already cleaned by a concurrent cleaner: nothing to do.
		return nil
	}
	return c.CleanEntry(ctx, req.AtrID, entry)
}

// CleanEntry finishes a single ATR entry found either via a local Request
// or a remote LookupAttempts sweep (spec §4.7 step 5). It is idempotent:
// calling it twice against the same already-cleaned entry is a no-op,
// because every document mutator it calls is itself CAS-guarded and
// returns success-shaped errors for an already-finished document.
func (c *Cleaner) CleanEntry(ctx context.Context, atrID string, entry repository.AtrEntry) errors.E {
	switch entry.State {
	case repository.AtrStateCommitted:
		for _, m := range entry.StagedMutations {
			var errE errors.E
			switch m.Op {
			case repository.OpInsert:
				errE = c.docs.CommitInsert(ctx, m.DocID, m.CAS)
			case repository.OpReplace:
				errE = c.docs.CommitReplace(ctx, m.DocID, m.CAS)
			case repository.OpRemove:
				errE = c.docs.CommitRemove(ctx, m.DocID, m.CAS)
			}
			if errE != nil && !errors.Is(errE, repository.ErrDocNotFound) && !errors.Is(errE, repository.ErrCASMismatch) {
				return errE
			}
		}
	case repository.AtrStateAborted, repository.AtrStatePending:
		// A PENDING entry found during a sweep has already been judged
		// abandoned (start_time + timeout < now) by the caller; rolling
		// it back is the same action as an explicit ABORTED entry.
		for i := len(entry.StagedMutations) - 1; i >= 0; i-- {
			m := entry.StagedMutations[i]
			var errE errors.E
			switch m.Op {
			case repository.OpInsert:
				errE = c.docs.RollbackInsert(ctx, m.DocID, m.CAS)
			case repository.OpReplace, repository.OpRemove:
				errE = c.docs.RollbackMutation(ctx, m.DocID, m.CAS)
			}
			if errE != nil && !errors.Is(errE, repository.ErrDocNotFound) && !errors.Is(errE, repository.ErrCASMismatch) {
				return errE
			}
		}
	case repository.AtrStateCompleted:
		// Nothing left to unstage; fall through to entry removal.
	}

	errE := c.atrs.RemoveEntry(ctx, atrID, entry.AttemptID)
	if errE != nil && !errors.Is(errE, repository.ErrAtrNotFound) {
		return errE
	}
	return nil
}
