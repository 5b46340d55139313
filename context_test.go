package txn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	txn "github.com/distransact/txn"
	"github.com/distransact/txn/repository"
)

func newTestMemory() *repository.Memory {
	now := repository.Timestamp(0)
	return repository.NewMemory(func() repository.Timestamp { return now })
}

func TestRunnerCommitsStagedMutations(t *testing.T) {
	docs := newTestMemory()
	atrs := docs
	queue := newTestQueue(t)
	runner := txn.NewRunner(docs, atrs, queue, txn.DefaultConfig(), nil)

	ctx := context.Background()
	insertedID := "doc-1"

	result, errE := runner.Run(ctx, func(ctx context.Context, attempt *txn.AttemptContext) error {
		_, err := attempt.Insert(ctx, insertedID, []byte(`{"value":1}`))
		return err
	}, nil)
	require.Nil(t, errE)
	assert.Equal(t, 1, result.Attempts)
	assert.True(t, result.UnstagingComplete)

	body, _, errE := docs.Get(ctx, insertedID)
	require.Nil(t, errE)
	assert.JSONEq(t, `{"value":1}`, string(body))
}

func TestRunnerRollsBackOnLambdaError(t *testing.T) {
	docs := newTestMemory()
	queue := newTestQueue(t)
	runner := txn.NewRunner(docs, docs, queue, txn.DefaultConfig(), nil)

	ctx := context.Background()
	docID := "doc-2"

	boom := assert.AnError
	_, errE := runner.Run(ctx, func(ctx context.Context, attempt *txn.AttemptContext) error {
		if _, err := attempt.Insert(ctx, docID, []byte(`{}`)); err != nil {
			return err
		}
		return boom
	}, nil)
	require.NotNil(t, errE)

	_, _, errE = docs.Get(ctx, docID)
	assert.ErrorIs(t, errE, repository.ErrDocNotFound)

	_, _, _, staged, errE := docs.GetStaged(ctx, docID)
	require.Nil(t, errE)
	assert.False(t, staged, "the staged insert should have been rolled back")
}

func TestRunnerRetriesOnCASMismatch(t *testing.T) {
	docs := newTestMemory()
	queue := newTestQueue(t)
	runner := txn.NewRunner(docs, docs, queue, txn.DefaultConfig(), nil)

	ctx := context.Background()
	docID := "doc-3"

	// Seed the document directly so a stale CAS can be captured below.
	cas, errE := docs.StagedInsert(ctx, docID, []byte(`{"v":0}`), "seed", "seed-atr")
	require.Nil(t, errE)
	require.Nil(t, docs.CommitInsert(ctx, docID, cas))

	attemptsRun := 0

	result, errE := runner.Run(ctx, func(ctx context.Context, attempt *txn.AttemptContext) error {
		attemptsRun++
		currentBody, currentCAS, err := attempt.Get(ctx, docID)
		if err != nil {
			return err
		}
		if attemptsRun == 1 {
			// Race a concurrent writer in between get and replace by
			// staging and committing a change directly through the
			// repository.
			concurrentCAS, errE := docs.StagedReplace(ctx, docID, []byte(`{"v":1}`), currentCAS, "concurrent", "concurrent-atr")
			require.Nil(t, errE)
			require.Nil(t, docs.CommitReplace(ctx, docID, concurrentCAS))
		}
		_, err = attempt.Replace(ctx, docID, currentBody, currentCAS)
		return err
	}, nil)
	require.Nil(t, errE)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, attemptsRun)
}

func TestAttemptContextUnstartedGetDoesNotCreateAtrEntry(t *testing.T) {
	docs := newTestMemory()
	queue := newTestQueue(t)
	runner := txn.NewRunner(docs, docs, queue, txn.DefaultConfig(), nil)

	ctx := context.Background()
	docID := "doc-4"
	cas, errE := docs.StagedInsert(ctx, docID, []byte(`{}`), "seed", "seed-atr")
	require.Nil(t, errE)
	require.Nil(t, docs.CommitInsert(ctx, docID, cas))

	_, errE = runner.Run(ctx, func(ctx context.Context, attempt *txn.AttemptContext) error {
		_, _, err := attempt.Get(ctx, docID)
		require.Nil(t, err)
		assert.Equal(t, txn.StateNotStarted, attempt.State())
		return nil
	}, nil)
	require.Nil(t, errE)
}

func TestRunnerExpiresWithoutRollback(t *testing.T) {
	docs := newTestMemory()
	queue := newTestQueue(t)
	config := txn.DefaultConfig()
	config.ExpirationTimeout = time.Millisecond

	runner := txn.NewRunner(docs, docs, queue, config, nil)
	docID := "doc-5"

	ctx := context.Background()
	_, errE := runner.Run(ctx, func(ctx context.Context, attempt *txn.AttemptContext) error {
		if _, err := attempt.Insert(ctx, docID, []byte(`{}`)); err != nil {
			return err
		}
		time.Sleep(5 * time.Millisecond)
		_, _, err := attempt.Get(ctx, "does-not-exist")
		return err
	}, nil)
	require.NotNil(t, errE)
	assert.ErrorIs(t, errE, txn.ErrTransactionExpired)

	_, _, _, staged, errE := docs.GetStaged(ctx, docID)
	require.Nil(t, errE)
	assert.True(t, staged, "the expired attempt's staged insert should not have been rolled back")
}
