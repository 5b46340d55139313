package repository_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distransact/txn/repository"
)

func newTestClock(now *repository.Timestamp) func() repository.Timestamp {
	return func() repository.Timestamp { return *now }
}

func TestMemoryStagedInsertRejectsLiveDocument(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	cas, errE := repo.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-1", "atr-1")
	require.Nil(t, errE)
	require.Nil(t, repo.CommitInsert(ctx, "doc-1", cas))

	_, errE = repo.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-2", "atr-1")
	assert.ErrorIs(t, errE, repository.ErrDocAlreadyExists)
}

func TestMemoryGetStagedReflectsInFlightMutation(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	cas, errE := repo.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-1", "atr-1")
	require.Nil(t, errE)
	require.Nil(t, repo.CommitInsert(ctx, "doc-1", cas))

	_, _, _, ok, errE := repo.GetStaged(ctx, "doc-1")
	require.Nil(t, errE)
	assert.False(t, ok, "a freshly committed document should carry no staging metadata")

	cas, errE = repo.StagedReplace(ctx, "doc-1", []byte(`{"v":2}`), cas, "attempt-2", "atr-2")
	require.Nil(t, errE)

	mutation, attemptID, atrID, ok, errE := repo.GetStaged(ctx, "doc-1")
	require.Nil(t, errE)
	require.True(t, ok)
	assert.Equal(t, repository.OpReplace, mutation.Op)
	assert.JSONEq(t, `{"v":2}`, string(mutation.StagedBody))
	assert.Equal(t, "attempt-2", attemptID)
	assert.Equal(t, "atr-2", atrID)
}

func TestMemoryStagedReplaceRejectsCASMismatch(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	cas, errE := repo.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-1", "atr-1")
	require.Nil(t, errE)
	require.Nil(t, repo.CommitInsert(ctx, "doc-1", cas))

	_, errE = repo.StagedReplace(ctx, "doc-1", []byte(`{"v":2}`), cas+1, "attempt-2", "atr-1")
	assert.ErrorIs(t, errE, repository.ErrCASMismatch)
}

func TestMemoryRollbackInsertDeletesStagedDocument(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	cas, errE := repo.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-1", "atr-1")
	require.Nil(t, errE)

	require.Nil(t, repo.RollbackInsert(ctx, "doc-1", cas))

	_, _, errE = repo.Get(ctx, "doc-1")
	assert.ErrorIs(t, errE, repository.ErrDocNotFound)
}

func TestMemoryRollbackInsertRejectsStaleCAS(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	cas, errE := repo.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-1", "atr-1")
	require.Nil(t, errE)

	errE = repo.RollbackInsert(ctx, "doc-1", cas+1)
	assert.ErrorIs(t, errE, repository.ErrCASMismatch)
}

func TestMemoryRollbackMutationRestoresPriorBody(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	cas, errE := repo.StagedInsert(ctx, "doc-1", []byte(`{"v":1}`), "attempt-1", "atr-1")
	require.Nil(t, errE)
	require.Nil(t, repo.CommitInsert(ctx, "doc-1", cas))

	_, cas, errE = repo.Get(ctx, "doc-1")
	require.Nil(t, errE)
	stagedCAS, errE := repo.StagedReplace(ctx, "doc-1", []byte(`{"v":2}`), cas, "attempt-2", "atr-1")
	require.Nil(t, errE)

	require.Nil(t, repo.RollbackMutation(ctx, "doc-1", stagedCAS))

	body, restoredCAS, errE := repo.Get(ctx, "doc-1")
	require.Nil(t, errE)
	assert.JSONEq(t, `{"v":1}`, string(body))
	assert.Equal(t, cas, restoredCAS)
}

func TestMemoryCreateEntryFailsWhenAtrFull(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	for i := 0; i < repository.MaxAtrEntries; i++ {
		_, errE := repo.CreateEntry(ctx, "atr-1", "txn-1", "attempt-"+string(rune(i)), 1000)
		require.Nil(t, errE)
	}

	_, errE := repo.CreateEntry(ctx, "atr-1", "txn-1", "one-too-many", 1000)
	assert.ErrorIs(t, errE, repository.ErrAtrFull)
}

func TestMemorySetStateOnMissingEntryFails(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	errE := repo.SetState(ctx, "no-such-atr", "no-such-attempt", repository.AtrStateCommitted)
	assert.ErrorIs(t, errE, repository.ErrAtrNotFound)
}

func TestMemoryRemoveEntryOnMissingAtrIsNoOp(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	assert.Nil(t, repo.RemoveEntry(ctx, "no-such-atr", "no-such-attempt"))
}

func TestMemoryHeartbeatRemovesExpiredClientsAtomically(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	_, errE := repo.Heartbeat(ctx, "stale-client", 1000, 16, nil)
	require.Nil(t, errE)

	_, errE = repo.Heartbeat(ctx, "fresh-client", 1000, 16, []string{"stale-client"})
	require.Nil(t, errE)

	clients, _, errE := repo.Read(ctx)
	require.Nil(t, errE)
	assert.NotContains(t, clients, "stale-client")
	assert.Contains(t, clients, "fresh-client")
}

func TestMemoryDeregisterRemovesClient(t *testing.T) {
	now := repository.Timestamp(0)
	repo := repository.NewMemory(newTestClock(&now))
	ctx := context.Background()

	_, errE := repo.Heartbeat(ctx, "client-1", 1000, 16, nil)
	require.Nil(t, errE)

	require.Nil(t, repo.Deregister(ctx, "client-1"))

	clients, _, errE := repo.Read(ctx)
	require.Nil(t, errE)
	assert.NotContains(t, clients, "client-1")
}

func TestAtrEntryExpired(t *testing.T) {
	entry := repository.AtrEntry{StartTimestamp: 100, ExpiresMS: 10}
	assert.False(t, entry.Expired(105))
	assert.True(t, entry.Expired(111))
}

func TestClientEntryExpired(t *testing.T) {
	entry := repository.ClientEntry{HeartbeatCAS: repository.FormatMutationCAS(100, 1), ExpiresMS: 10}
	assert.False(t, entry.Expired(105))
	assert.True(t, entry.Expired(111))
}

func TestClientEntryMalformedHeartbeatCASIsTreatedAsExpired(t *testing.T) {
	entry := repository.ClientEntry{HeartbeatCAS: "not-a-mutation-cas", ExpiresMS: 1_000_000}
	assert.True(t, entry.Expired(0))
}
