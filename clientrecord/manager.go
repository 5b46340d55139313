// Package clientrecord implements the Client Record Manager (C7, spec
// §4.7): the heartbeat and peer-discovery protocol that partitions the ATR
// keyspace across live clients and feeds abandoned attempts to the local
// cleanup subsystem.
package clientrecord

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/field-eng-powertools/notify"
	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/distransact/txn/cleanup"
	"github.com/distransact/txn/identifier"
	"github.com/distransact/txn/repository"
)

// leaseSafetyMarginMS is the additional margin added to the cleanup
// window when computing a heartbeat's expires_ms, and the XATTR spec cap
// minus the fixed three specs the heartbeat writer always sends (spec §9
// "XATTR spec cap").
const (
	leaseSafetyMarginMS = 20_000
	fixedHeartbeatSpecs = 3
	maxSubdocSpecs      = 16
)

// maxExpiredPeersPerHeartbeat bounds how many expired peer entries a
// single heartbeat batch removes.
const maxExpiredPeersPerHeartbeat = maxSubdocSpecs - fixedHeartbeatSpecs

// seenCacheSize bounds the dedup cache of attempt ids already handed to
// the cleaner by a sweep during this process's lifetime, so a sweep tick
// does not clean the same abandoned attempt again every round. An id is
// recorded before its clean runs, so a failed clean is not retried while
// the id stays cached.
const seenCacheSize = 4096

// Manager is the Client Record Manager: a long-lived background task
// owned by the top-level Transactions handle (spec §9, "model it as a
// background task owned by the top-level Transactions handle with
// cooperative shutdown on dispose"), not by any individual Runner.Run
// call.
type Manager struct {
	clientUUID string
	records    repository.ClientRecordRepository
	atrs       repository.AtrRepository
	queue      *cleanup.Queue
	numAtrs    int
	window     time.Duration
	logger     zerolog.Logger
	limiter    *rate.Limiter

	seen *lru.Cache[string, struct{}]

	// observedHLC and partitionSize are published on every tick so a
	// consumer (e.g. a health endpoint) can watch them change without
	// polling the Manager directly or racing its internal state.
	observedHLC   *notify.Var[repository.Timestamp]
	partitionSize *notify.Var[int]
}

// NewManager returns a Manager that heartbeats under a fresh
// identifier.New() client UUID; a prior client identity cannot be resumed.
func NewManager(records repository.ClientRecordRepository, atrs repository.AtrRepository, queue *cleanup.Queue, numAtrs int, cleanupWindow time.Duration, logger zerolog.Logger) *Manager {
	seen, err := lru.New[string, struct{}](seenCacheSize)
	if err != nil {
		panic(err)
	}
	return &Manager{
		clientUUID: identifier.New(),
		records:    records,
		atrs:       atrs,
		queue:      queue,
		numAtrs:    numAtrs,
		window:     cleanupWindow,
		logger:     logger,
		// A sweep pass issues at most one LookupAttempts per owned ATR
		// id; rate-limit it to one per heartbeat interval's worth of
		// slots so a large partition doesn't burst the repository.
		limiter:       rate.NewLimiter(rate.Limit(float64(numAtrs)/cleanupWindow.Seconds()+1), numAtrs),
		seen:          seen,
		observedHLC:   notify.VarOf[repository.Timestamp](0),
		partitionSize: notify.VarOf[int](0),
	}
}

// ObservedHLC returns the server HLC reading last observed on a tick,
// together with a channel that is closed when a newer reading is
// published (the github.com/cockroachdb/field-eng-powertools/notify.Var
// convention).
func (m *Manager) ObservedHLC() (repository.Timestamp, <-chan struct{}) {
	return m.observedHLC.Get()
}

// PartitionSize returns the number of ATR ids this client currently owns,
// together with a channel that is closed when the partition changes size
// (e.g. a peer joined or was reaped).
func (m *Manager) PartitionSize() (int, <-chan struct{}) {
	return m.partitionSize.Get()
}

func (m *Manager) heartbeatInterval() time.Duration {
	if m.numAtrs <= 0 {
		return m.window
	}
	return m.window / time.Duration(m.numAtrs)
}

func (m *Manager) expiresMS() int64 {
	return m.window.Milliseconds() + leaseSafetyMarginMS
}

// Register implements spec §4.7 step 1: it is a no-op beyond the first
// heartbeat, since Heartbeat itself upserts (the repository contract has
// no separate create-if-missing operation to fall back to on a corrupt
// document — that distinction lived in the XATTR layer this module
// abstracts away).
func (m *Manager) Register(ctx context.Context) errors.E {
	_, errE := m.records.Heartbeat(ctx, m.clientUUID, m.expiresMS(), m.numAtrs, nil)
	return errE
}

// Run starts the heartbeat and sweep loop and blocks until ctx is done,
// implementing spec §4.7 steps 2-5. It is intended to run as a background
// goroutine managed by an errgroup owned by Transactions.
func (m *Manager) Run(ctx context.Context, docs repository.DocumentRepository) error {
	cleaner := cleanup.NewCleaner(docs, m.atrs)

	ticker := time.NewTicker(m.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if errE := m.tick(ctx, cleaner); errE != nil {
				m.logger.Warn().Err(errE).Msg("client record tick failed")
			}
		}
	}
}

// tick performs one heartbeat-and-sweep round: read the full client
// record, heartbeat (removing up to maxExpiredPeersPerHeartbeat expired
// peers in the same write), compute this client's ATR partition, and sweep
// it.
func (m *Manager) tick(ctx context.Context, cleaner *cleanup.Cleaner) errors.E {
	clients, now, errE := m.records.Read(ctx)
	if errE != nil {
		return errE
	}

	expired := m.expiredPeerIDs(clients, now)
	if len(expired) > maxExpiredPeersPerHeartbeat {
		expired = expired[:maxExpiredPeersPerHeartbeat]
	}

	now, errE = m.records.Heartbeat(ctx, m.clientUUID, m.expiresMS(), m.numAtrs, expired)
	if errE != nil {
		return errE
	}
	for _, id := range expired {
		delete(clients, id)
	}
	clients[m.clientUUID] = repository.ClientEntry{
		ClientUUID:   m.clientUUID,
		HeartbeatCAS: repository.FormatMutationCAS(now, 0),
		ExpiresMS:    m.expiresMS(),
		NumAtrs:      m.numAtrs,
	}

	live := livePeerIDs(clients, now)
	partition := m.partition(live)

	m.observedHLC.Set(now)
	m.partitionSize.Set(len(partition))

	return m.sweep(ctx, cleaner, partition)
}

// expiredPeerIDs implements spec §4.7 step 3: an entry is expired iff
// parsed(heartbeat_cas) + expires_ms < server_vbucket_hlc_now, compared on
// the server-reported HLC rather than local wall time. The caller's own
// entry is never reported as one of its own expired peers. A peer whose
// heartbeat_cas fails to parse is logged and still treated as expired,
// per spec §9.
func (m *Manager) expiredPeerIDs(clients map[string]repository.ClientEntry, now repository.Timestamp) []string {
	expired := mapset.NewThreadUnsafeSet[string]()
	for id, entry := range clients {
		if id == m.clientUUID {
			continue
		}
		if _, errE := repository.ParseMutationCAS(entry.HeartbeatCAS); errE != nil {
			m.logger.Warn().Err(errE).Str("clientUuid", id).Msg("malformed heartbeat cas, treating peer as expired")
		}
		if entry.Expired(now) {
			expired.Add(id)
		}
	}
	sorted := expired.ToSlice()
	sort.Strings(sorted)
	return sorted
}

// livePeerIDs returns every client UUID (including self) whose lease has
// not elapsed, sorted lexically for spec §4.7 step 4's partitioning.
func livePeerIDs(clients map[string]repository.ClientEntry, now repository.Timestamp) []string {
	live := mapset.NewThreadUnsafeSet[string]()
	for id, entry := range clients {
		if !entry.Expired(now) {
			live.Add(id)
		}
	}
	sorted := live.ToSlice()
	sort.Strings(sorted)
	return sorted
}

// partition implements spec §4.7 step 4: sort live client UUIDs lexically;
// this client owns ATR ids whose index i in [0, numAtrs) satisfies
// i mod len(live) == own_rank. liveIDs must already be sorted.
func (m *Manager) partition(liveIDs []string) []int {
	rank := -1
	for i, id := range liveIDs {
		if id == m.clientUUID {
			rank = i
			break
		}
	}
	if rank == -1 || len(liveIDs) == 0 {
		return nil
	}

	var owned []int
	for i := 0; i < m.numAtrs; i++ {
		if i%len(liveIDs) == rank {
			owned = append(owned, i)
		}
	}
	return owned
}

// sweep implements spec §4.7 step 5: for each owned ATR id, look up its
// attempts and clean any whose lease has elapsed directly with cleaner.
// Swept entries are not placed on the cleanup queue.
func (m *Manager) sweep(ctx context.Context, cleaner *cleanup.Cleaner, owned []int) errors.E {
	var eg errgroup.Group
	for _, i := range owned {
		i := i
		if err := m.limiter.Wait(ctx); err != nil {
			return errors.WithStack(err)
		}
		eg.Go(func() error {
			return m.sweepOne(ctx, cleaner, atrIDForIndex(i))
		})
	}
	if err := eg.Wait(); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

func (m *Manager) sweepOne(ctx context.Context, cleaner *cleanup.Cleaner, atrID string) error {
	entries, now, errE := m.atrs.LookupAttempts(ctx, atrID)
	if errE != nil {
		return errE
	}
	for _, entry := range entries {
		if !entry.Expired(now) {
			continue
		}
		cacheKey := atrID + "/" + entry.AttemptID
		if _, ok := m.seen.Get(cacheKey); ok {
			continue
		}
		m.seen.Add(cacheKey, struct{}{})
		if errE := cleaner.CleanEntry(ctx, atrID, entry); errE != nil {
			m.logger.Warn().Err(errE).Str("atrId", atrID).Str("attemptId", entry.AttemptID).Msg("sweep cleanup failed")
		}
	}
	return nil
}

// atrIDForIndex maps a partition index to the stable ATR document id it
// names, so every client in the process computes the same id for the same
// index without coordination.
func atrIDForIndex(i int) string {
	return "_txn:atr-" + strconv.Itoa(i)
}

// Deregister implements spec §4.7 step 6: remove own entry on graceful
// shutdown with a short timeout; failures are logged and ignored.
func (m *Manager) Deregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if errE := m.records.Deregister(ctx, m.clientUUID); errE != nil {
		m.logger.Warn().Err(errE).Msg("client record deregister failed")
	}
}
