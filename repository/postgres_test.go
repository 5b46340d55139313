package repository_test

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distransact/txn/internal/store"
	"github.com/distransact/txn/repository"
)

func initPostgres(t *testing.T) (context.Context, *repository.Postgres) { //nolint:unparam
	t.Helper()

	if os.Getenv("POSTGRES") == "" {
		t.Skip("POSTGRES is not available")
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := zerolog.New(zerolog.NewTestWriter(t)).With().Timestamp().Logger()

	dbpool, errE := store.InitPostgres(ctx, os.Getenv("POSTGRES"), logger)
	require.NoError(t, errE, "% -+#.1v", errE)

	p := &repository.Postgres{Pool: dbpool}
	errE = p.EnsureSchema(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)

	return ctx, p
}

func TestPostgresDocumentLifecycle(t *testing.T) {
	t.Parallel()

	ctx, p := initPostgres(t)

	_, _, errE := p.Get(ctx, "doc-1")
	assert.ErrorIs(t, errE, repository.ErrDocNotFound)

	cas, errE := p.StagedInsert(ctx, "doc-1", []byte(`{"n":1}`), "attempt-1", "atr-1")
	require.NoError(t, errE, "% -+#.1v", errE)

	_, _, errE = p.Get(ctx, "doc-1")
	assert.ErrorIs(t, errE, repository.ErrDocNotFound)

	errE = p.CommitInsert(ctx, "doc-1", cas)
	require.NoError(t, errE, "% -+#.1v", errE)

	body, gotCAS, errE := p.Get(ctx, "doc-1")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, cas, gotCAS)
	assert.JSONEq(t, `{"n":1}`, string(body))

	_, errE = p.StagedInsert(ctx, "doc-1", []byte(`{}`), "attempt-2", "atr-1")
	assert.ErrorIs(t, errE, repository.ErrDocAlreadyExists)

	newCAS, errE := p.StagedReplace(ctx, "doc-1", []byte(`{"n":2}`), gotCAS, "attempt-2", "atr-1")
	require.NoError(t, errE, "% -+#.1v", errE)

	body, _, errE = p.Get(ctx, "doc-1")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.JSONEq(t, `{"n":1}`, string(body), "staged replace must not be visible yet")

	_, errE = p.StagedReplace(ctx, "doc-1", []byte(`{"n":3}`), gotCAS, "attempt-3", "atr-1")
	assert.ErrorIs(t, errE, repository.ErrCASMismatch)

	errE = p.RollbackMutation(ctx, "doc-1", newCAS)
	require.NoError(t, errE, "% -+#.1v", errE)

	body, restoredCAS, errE := p.Get(ctx, "doc-1")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, gotCAS, restoredCAS)
	assert.JSONEq(t, `{"n":1}`, string(body))

	removeCAS, errE := p.StagedRemove(ctx, "doc-1", restoredCAS, "attempt-4", "atr-1")
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = p.CommitRemove(ctx, "doc-1", removeCAS)
	require.NoError(t, errE, "% -+#.1v", errE)

	_, _, errE = p.Get(ctx, "doc-1")
	assert.ErrorIs(t, errE, repository.ErrDocNotFound)
}

func TestPostgresAtrEntries(t *testing.T) {
	t.Parallel()

	ctx, p := initPostgres(t)

	_, errE := p.CreateEntry(ctx, "atr-2", "txn-1", "attempt-1", 15000)
	require.NoError(t, errE, "% -+#.1v", errE)

	entries, now, errE := p.LookupAttempts(ctx, "atr-2")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Positive(t, int64(now))
	require.Contains(t, entries, "attempt-1")
	assert.Equal(t, repository.AtrStatePending, entries["attempt-1"].State)

	errE = p.SetState(ctx, "atr-2", "attempt-1", repository.AtrStateCommitted)
	require.NoError(t, errE, "% -+#.1v", errE)

	errE = p.SetStagedMutations(ctx, "atr-2", "attempt-1", []repository.StagedMutation{
		{DocID: "doc-x", Op: repository.OpInsert, StagedBody: []byte(`{}`)},
	})
	require.NoError(t, errE, "% -+#.1v", errE)

	entries, _, errE = p.LookupAttempts(ctx, "atr-2")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Equal(t, repository.AtrStateCommitted, entries["attempt-1"].State)
	require.Len(t, entries["attempt-1"].StagedMutations, 1)

	errE = p.RemoveEntry(ctx, "atr-2", "attempt-1")
	require.NoError(t, errE, "% -+#.1v", errE)

	entries, _, errE = p.LookupAttempts(ctx, "atr-2")
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Empty(t, entries)
}

func TestPostgresClientRecord(t *testing.T) {
	t.Parallel()

	ctx, p := initPostgres(t)

	now, errE := p.Heartbeat(ctx, "client-1", 30000, 1024, nil)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Positive(t, int64(now))

	clients, _, errE := p.Read(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	require.Contains(t, clients, "client-1")
	assert.Equal(t, 1024, clients["client-1"].NumAtrs)

	_, errE = p.Heartbeat(ctx, "client-2", 30000, 1024, []string{"client-1"})
	require.NoError(t, errE, "% -+#.1v", errE)

	clients, _, errE = p.Read(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.NotContains(t, clients, "client-1")
	assert.Contains(t, clients, "client-2")

	errE = p.Deregister(ctx, "client-2")
	require.NoError(t, errE, "% -+#.1v", errE)

	clients, _, errE = p.Read(ctx)
	require.NoError(t, errE, "% -+#.1v", errE)
	assert.Empty(t, clients)
}
