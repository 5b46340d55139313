package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/distransact/txn/cleanup"
	"github.com/distransact/txn/repository"
)

// ambiguousAtrs wraps an AtrRepository so the SetState call that marks an
// attempt COMMITTED can be made to fail with an ambiguousMarker error,
// simulating a durability-ambiguous write at the attempt's actual commit
// point.
type ambiguousAtrs struct {
	repository.AtrRepository
	failCommittedTransition bool
}

type ambiguousCommitError struct{ errors.E }

func (ambiguousCommitError) Ambiguous() bool { return true }

func (a *ambiguousAtrs) SetState(ctx context.Context, atrID, attemptID string, state repository.AtrState) errors.E {
	if a.failCommittedTransition && state == repository.AtrStateCommitted {
		return ambiguousCommitError{errors.New("durability response inconclusive")}
	}
	return a.AtrRepository.SetState(ctx, atrID, attemptID, state)
}

func newDriverTestRepo() *repository.Memory {
	now := repository.Timestamp(0)
	return repository.NewMemory(func() repository.Timestamp { return now })
}

func newDriverTestTransactionContext(config Config) *transactionContext {
	return newTransactionContext(config, func(*cleanup.Request) {})
}

func TestDriverCommitAmbiguousPublishesCleanupAndRaises(t *testing.T) {
	base := newDriverTestRepo()
	docID := "doc-ambiguous"
	ctx := context.Background()

	cas, errE := base.StagedInsert(ctx, docID, []byte(`{}`), "seed", "seed-atr")
	require.Nil(t, errE)
	require.Nil(t, base.CommitInsert(ctx, docID, cas))

	atrs := &ambiguousAtrs{AtrRepository: base, failCommittedTransition: true}
	d := &driver{docs: base, atrs: atrs}

	var published []*cleanup.Request
	config := DefaultConfig()
	tc := newTransactionContext(config, func(req *cleanup.Request) {
		published = append(published, req)
	})

	outcome := d.runOnce(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		body, docCAS, err := attempt.Get(ctx, docID)
		if err != nil {
			return err
		}
		_, err = attempt.Replace(ctx, docID, body, docCAS)
		return err
	}, tc, "atr-ambiguous")

	require.NotNil(t, outcome.failure)
	assert.Equal(t, FailAmbiguous, outcome.failure.Class)
	assert.Equal(t, FinalTransactionCommitAmbiguous, outcome.failure.Final)
	assert.False(t, outcome.failure.Retry)

	require.Len(t, published, 1)
	assert.Equal(t, "atr-ambiguous", published[0].AtrID)
}

func TestDriverPostCommitUnstageFailureIsReportedAsSuccess(t *testing.T) {
	base := newDriverTestRepo()
	docID := "doc-postcommit"
	ctx := context.Background()

	d := &driver{docs: base, atrs: base}
	config := DefaultConfig()
	tc := newDriverTestTransactionContext(config)

	// Commit the attempt's staged insert directly against the repository
	// right before autoCommit runs, so the attempt's own CommitInsert finds
	// no staging metadata and fails after the ATR has already recorded
	// COMMITTED.
	outcome := d.runOnce(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		_, err := attempt.Insert(ctx, docID, []byte(`{}`))
		if err != nil {
			return err
		}
		// Sabotage: commit the staged insert out from under the attempt
		// using its own staged CAS, so the attempt's own CommitInsert
		// call later finds no matching staging metadata left.
		staged := attempt.StagedMutations()
		require.Len(t, staged, 1)
		require.Nil(t, base.CommitInsert(ctx, docID, staged[0].CAS))
		return nil
	}, tc, "atr-postcommit")

	require.Nil(t, outcome.failure)
	assert.Equal(t, StateCompleted, outcome.attempt.State())
	assert.False(t, outcome.attempt.UnstagingComplete())
}

func TestDriverAtrFullIsRetryable(t *testing.T) {
	base := newDriverTestRepo()
	ctx := context.Background()

	// Fill the ATR to its maximum before the attempt stages anything.
	for i := 0; i < repository.MaxAtrEntries; i++ {
		_, errE := base.CreateEntry(ctx, "atr-full", "txn-x", "seed-attempt-"+string(rune(i)), 15000)
		require.Nil(t, errE)
	}

	d := &driver{docs: base, atrs: base}
	tc := newDriverTestTransactionContext(DefaultConfig())

	outcome := d.runOnce(ctx, func(ctx context.Context, attempt *AttemptContext) error {
		_, err := attempt.Insert(ctx, "doc-atr-full", []byte(`{}`))
		return err
	}, tc, "atr-full")

	require.NotNil(t, outcome.failure)
	assert.Equal(t, FailAtrFull, outcome.failure.Class)
	assert.True(t, outcome.failure.Retry)
}
