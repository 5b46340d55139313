package repository

import (
	"context"
	"slices"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// Memory is an in-memory implementation of DocumentRepository,
// AtrRepository, and ClientRecordRepository, used by the core package's
// unit tests in place of a real database. Its server-HLC notion of "now"
// is an explicit clock the test drives rather than wall-clock time, so ATR
// entry and client lease expiry are deterministic. Transaction expiry and
// retry backoff are measured by the Runner on the wall clock and are not
// affected by this clock.
type Memory struct {
	mu sync.Mutex

	clock func() Timestamp
	cas   int64

	documents map[string]*memoryDocument
	atrs      map[string]map[string]AtrEntry
	clients   map[string]ClientEntry
}

type memoryDocument struct {
	cas     int64
	body    []byte
	deleted bool
	staging *staging
}

// NewMemory returns a Memory repository whose server-HLC reading is
// produced by clock. Tests typically pass a function closing over a
// pointer they advance manually.
func NewMemory(clock func() Timestamp) *Memory {
	return &Memory{
		clock:     clock,
		documents: map[string]*memoryDocument{},
		atrs:      map[string]map[string]AtrEntry{},
		clients:   map[string]ClientEntry{},
	}
}

func (m *Memory) nextCAS() int64 {
	m.cas++
	return m.cas
}

func (m *Memory) Get(_ context.Context, docID string) ([]byte, int64, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[docID]
	if !ok || doc.deleted {
		return nil, 0, errors.WithStack(ErrDocNotFound)
	}
	if doc.staging != nil && doc.staging.Op == OpInsert {
		return nil, 0, errors.WithStack(ErrDocNotFound)
	}
	return slices.Clone(doc.body), doc.cas, nil
}

func (m *Memory) GetStaged(_ context.Context, docID string) (*StagedMutation, string, string, bool, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[docID]
	if !ok || doc.staging == nil {
		return nil, "", "", false, nil
	}
	s := doc.staging
	return &StagedMutation{
		DocID:       docID,
		Op:          s.Op,
		StagedBody:  slices.Clone(s.StagedBody),
		RestoreBody: slices.Clone(s.RestoreBody),
		RestoreCAS:  s.RestoreCAS,
	}, s.AttemptID, s.AtrID, true, nil
}

func (m *Memory) StagedInsert(_ context.Context, docID string, body []byte, attemptID, atrID string) (int64, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.documents[docID]; ok && !doc.deleted && doc.staging == nil {
		return 0, errors.WithStack(ErrDocAlreadyExists)
	}

	cas := m.nextCAS()
	m.documents[docID] = &memoryDocument{
		cas: cas,
		staging: &staging{
			AttemptID:  attemptID,
			AtrID:      atrID,
			Op:         OpInsert,
			StagedBody: slices.Clone(body),
		},
	}
	return cas, nil
}

func (m *Memory) StagedReplace(ctx context.Context, docID string, body []byte, expectedCAS int64, attemptID, atrID string) (int64, errors.E) {
	return m.stagedMutate(docID, body, OpReplace, expectedCAS, attemptID, atrID)
}

func (m *Memory) StagedRemove(ctx context.Context, docID string, expectedCAS int64, attemptID, atrID string) (int64, errors.E) {
	return m.stagedMutate(docID, nil, OpRemove, expectedCAS, attemptID, atrID)
}

func (m *Memory) stagedMutate(docID string, body []byte, op StagedOp, expectedCAS int64, attemptID, atrID string) (int64, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[docID]
	if !ok || doc.deleted {
		return 0, errors.WithStack(ErrDocNotFound)
	}
	if doc.cas != expectedCAS {
		return 0, errors.WithStack(ErrCASMismatch)
	}

	cas := m.nextCAS()
	doc.staging = &staging{
		AttemptID:   attemptID,
		AtrID:       atrID,
		Op:          op,
		StagedBody:  slices.Clone(body),
		RestoreBody: slices.Clone(doc.body),
		RestoreCAS:  doc.cas,
	}
	doc.cas = cas
	return cas, nil
}

func (m *Memory) finish(docID string, stagedCAS int64, apply func(doc *memoryDocument, s staging)) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[docID]
	if !ok {
		return errors.WithStack(ErrDocNotFound)
	}
	if doc.cas != stagedCAS || doc.staging == nil {
		return errors.WithStack(ErrCASMismatch)
	}
	apply(doc, *doc.staging)
	return nil
}

func (m *Memory) CommitInsert(_ context.Context, docID string, stagedCAS int64) errors.E {
	return m.finish(docID, stagedCAS, func(doc *memoryDocument, s staging) {
		doc.body = s.StagedBody
		doc.staging = nil
	})
}

func (m *Memory) CommitReplace(_ context.Context, docID string, stagedCAS int64) errors.E {
	return m.finish(docID, stagedCAS, func(doc *memoryDocument, s staging) {
		doc.body = s.StagedBody
		doc.staging = nil
	})
}

func (m *Memory) CommitRemove(_ context.Context, docID string, stagedCAS int64) errors.E {
	return m.finish(docID, stagedCAS, func(doc *memoryDocument, _ staging) {
		doc.body = nil
		doc.deleted = true
		doc.staging = nil
	})
}

func (m *Memory) RollbackInsert(_ context.Context, docID string, stagedCAS int64) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.documents[docID]
	if !ok {
		return errors.WithStack(ErrDocNotFound)
	}
	if doc.cas != stagedCAS || doc.staging == nil {
		return errors.WithStack(ErrCASMismatch)
	}
	delete(m.documents, docID)
	return nil
}

func (m *Memory) RollbackMutation(_ context.Context, docID string, stagedCAS int64) errors.E {
	return m.finish(docID, stagedCAS, func(doc *memoryDocument, s staging) {
		doc.body = s.RestoreBody
		doc.cas = s.RestoreCAS
		doc.deleted = false
		doc.staging = nil
	})
}

func (m *Memory) CreateEntry(_ context.Context, atrID, transactionID, attemptID string, expiresMS int64) (Timestamp, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	atr, ok := m.atrs[atrID]
	if !ok {
		atr = map[string]AtrEntry{}
		m.atrs[atrID] = atr
	}
	if _, exists := atr[attemptID]; !exists && len(atr) >= MaxAtrEntries {
		return 0, errors.WithStack(ErrAtrFull)
	}
	now := m.clock()
	atr[attemptID] = AtrEntry{
		AttemptID:      attemptID,
		TransactionID:  transactionID,
		State:          AtrStatePending,
		StartTimestamp: now,
		ExpiresMS:      expiresMS,
	}
	return now, nil
}

func (m *Memory) SetState(_ context.Context, atrID, attemptID string, state AtrState) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	atr, ok := m.atrs[atrID]
	if !ok {
		return errors.WithStack(ErrAtrNotFound)
	}
	entry, ok := atr[attemptID]
	if !ok {
		return errors.WithStack(ErrAtrNotFound)
	}
	entry.State = state
	atr[attemptID] = entry
	return nil
}

func (m *Memory) SetStagedMutations(_ context.Context, atrID, attemptID string, mutations []StagedMutation) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	atr, ok := m.atrs[atrID]
	if !ok {
		return errors.WithStack(ErrAtrNotFound)
	}
	entry, ok := atr[attemptID]
	if !ok {
		return errors.WithStack(ErrAtrNotFound)
	}
	entry.StagedMutations = slices.Clone(mutations)
	atr[attemptID] = entry
	return nil
}

func (m *Memory) RemoveEntry(_ context.Context, atrID, attemptID string) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	atr, ok := m.atrs[atrID]
	if !ok {
		return nil
	}
	delete(atr, attemptID)
	return nil
}

func (m *Memory) LookupAttempts(_ context.Context, atrID string) (map[string]AtrEntry, Timestamp, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := map[string]AtrEntry{}
	for id, entry := range m.atrs[atrID] {
		result[id] = entry
	}
	return result, m.clock(), nil
}

func (m *Memory) Heartbeat(_ context.Context, clientUUID string, expiresMS int64, numAtrs int, removeExpired []string) (Timestamp, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	for _, id := range removeExpired {
		delete(m.clients, id)
	}
	m.clients[clientUUID] = ClientEntry{
		ClientUUID:   clientUUID,
		HeartbeatCAS: FormatMutationCAS(now, m.nextCAS()),
		ExpiresMS:    expiresMS,
		NumAtrs:      numAtrs,
	}
	return now, nil
}

func (m *Memory) Read(_ context.Context) (map[string]ClientEntry, Timestamp, errors.E) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := map[string]ClientEntry{}
	for id, entry := range m.clients {
		result[id] = entry
	}
	return result, m.clock(), nil
}

func (m *Memory) Deregister(_ context.Context, clientUUID string) errors.E {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.clients, clientUUID)
	return nil
}
