// Package repository defines the storage contracts the transaction runner
// depends on (spec §6: DocumentRepository, AtrRepository,
// ClientRecordRepository) and a PostgreSQL-backed implementation of them.
//
// PostgreSQL has no XATTR equivalent, so staging metadata that Couchbase
// would keep in a document's extended attributes is instead kept in a
// sibling jsonb column on the same row, updated in the same statement as
// the document body so the two can never drift apart.
package repository

import (
	"context"
	"encoding/json"

	"gitlab.com/tozd/go/errors"
)

// StagedOp identifies the kind of mutation staged against a document.
type StagedOp int

const (
	// OpInsert stages the creation of a document that did not exist before.
	OpInsert StagedOp = iota + 1
	// OpReplace stages a new body for a document that already existed.
	OpReplace
	// OpRemove stages the deletion of a document.
	OpRemove
)

func (o StagedOp) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// AtrState is the lifecycle state of an ATR entry, as written by the
// attempt that owns it (spec §3, §4.2).
type AtrState string

const (
	AtrStatePending   AtrState = "PENDING"
	AtrStateCommitted AtrState = "COMMITTED"
	AtrStateAborted   AtrState = "ABORTED"
	AtrStateCompleted AtrState = "COMPLETED"
)

// StagedMutation describes a single document mutation staged by an attempt.
// It is recorded in the document's staging metadata and, through
// AtrRepository.SetStagedMutations, mirrored onto the attempt's ATR entry
// (AtrEntry.StagedMutations). RestoreBody and
// RestoreCAS are only meaningful for OpReplace and OpRemove: the body and
// CAS the document should revert to on rollback.
type StagedMutation struct {
	DocID       string          `json:"docId"`
	Op          StagedOp        `json:"op"`
	CAS         int64           `json:"cas,omitempty"`
	StagedBody  json.RawMessage `json:"stagedBody,omitempty"`
	RestoreBody json.RawMessage `json:"restoreBody,omitempty"`
	RestoreCAS  int64           `json:"restoreCas,omitempty"`
}

// AtrEntry is a single attempt's record within an ATR document, as read back
// by LookupAttempts (spec §4.2, §4.6).
type AtrEntry struct {
	AttemptID       string           `json:"attemptId"`
	TransactionID   string           `json:"transactionId"`
	State           AtrState         `json:"state"`
	StartTimestamp  Timestamp        `json:"startTimestamp"`
	ExpiresMS       int64            `json:"expiresMs"`
	StagedMutations []StagedMutation `json:"stagedMutations"`
}

// Expired reports whether the entry's expiry, measured from its start
// timestamp against now, has elapsed.
func (e AtrEntry) Expired(now Timestamp) bool {
	return int64(now-e.StartTimestamp) > e.ExpiresMS
}

// ClientEntry is a single client's heartbeat row within the client record
// document (spec §4.7). HeartbeatCAS is written using the server's
// mutation-CAS macro (spec §3, §9): its parsed value is the HLC-derived
// timestamp Expired compares against, not a timestamp stored directly.
type ClientEntry struct {
	ClientUUID   string      `json:"clientUuid"`
	HeartbeatCAS MutationCAS `json:"heartbeatCas"`
	ExpiresMS    int64       `json:"expiresMs"`
	NumAtrs      int         `json:"numAtrs"`
}

// Expired reports whether the client entry's lease, measured from its
// parsed heartbeat CAS against now, has elapsed. Per spec §9, a heartbeat
// CAS that fails to parse is treated as expired rather than raised, so one
// malformed peer entry never blocks a sweep.
func (c ClientEntry) Expired(now Timestamp) bool {
	hlc, errE := ParseMutationCAS(c.HeartbeatCAS)
	if errE != nil {
		return true
	}
	return int64(now-hlc) > c.ExpiresMS
}

// ErrCASMismatch is returned by document mutators when the caller's
// expected CAS no longer matches the stored CAS, classified by
// txn.Classify into FailCasMismatch.
var ErrCASMismatch = errors.Base("cas mismatch")

// ErrDocNotFound is returned when a document id has no row, classified by
// txn.Classify into FailDocNotFound.
var ErrDocNotFound = errors.Base("document not found")

// ErrDocAlreadyExists is returned by StagedInsert when a live document
// already occupies the id, classified into FailDocAlreadyExists.
var ErrDocAlreadyExists = errors.Base("document already exists")

// ErrAtrNotFound is returned when an ATR id has no row.
var ErrAtrNotFound = errors.Base("atr not found")

// ErrAtrFull is returned when an ATR document already holds the maximum
// number of concurrent attempt entries, classified into FailAtrFull.
var ErrAtrFull = errors.Base("atr full")

// DurabilityLevel is the spec §6 durability_level configuration option,
// "applied to all durable writes". Couchbase's own levels name a
// replica-acknowledgement quorum; a single PostgreSQL primary has no
// replica quorum to target, so a DurabilityConfigurable implementation
// maps each level onto the nearest synchronous_commit guarantee instead.
type DurabilityLevel string

const (
	// DurabilityLevelNone requests no durability guarantee beyond the
	// write being visible to the transaction that made it.
	DurabilityLevelNone DurabilityLevel = "none"
	// DurabilityLevelMajority requests the write be durable on a
	// majority of the cluster (the default).
	DurabilityLevelMajority DurabilityLevel = "majority"
	// DurabilityLevelMajorityAndPersistToActive additionally requires the
	// write be persisted to the active node's storage.
	DurabilityLevelMajorityAndPersistToActive DurabilityLevel = "majorityAndPersistToActive"
	// DurabilityLevelPersistToMajority requests the write be persisted to
	// storage on a majority of the cluster, the strongest level.
	DurabilityLevelPersistToMajority DurabilityLevel = "persistToMajority"
)

// DurabilityConfigurable is implemented by a repository that can apply a
// spec §6 durability_level to the writes it issues. Create (in the root
// txn package) applies config.DurabilityLevel to any of its repository
// arguments that implement this.
type DurabilityConfigurable interface {
	SetDurabilityLevel(level DurabilityLevel)
}

// DocumentRepository is the storage contract for individual documents: the
// objects a transaction stages mutations against. Implementations must
// perform every mutation as a single atomic, CAS-guarded statement so a
// concurrent writer never observes a torn update between a document's body
// and its staging metadata.
//
// TODO: extend with a BinaryGet/BinaryStagedReplace pair once a backing
// store needs to transact over non-JSON bodies (open question, spec §9).
type DocumentRepository interface {
	// Get returns a document's current body and CAS. It returns
	// ErrDocNotFound if no live document exists at docID, regardless of
	// whether a tombstoned/staged-remove row exists underneath.
	Get(ctx context.Context, docID string) (body []byte, cas int64, errE errors.E)

	// GetStaged returns the mutation staged against a document (its op,
	// staged body, and restore body and CAS) together with the attempt and
	// ATR ids that staged it, or (nil, "", "", false) if the document
	// carries no staging metadata.
	GetStaged(ctx context.Context, docID string) (mutation *StagedMutation, attemptID string, atrID string, ok bool, errE errors.E)

	// StagedInsert creates a new document carrying a staged insert. It
	// returns ErrDocAlreadyExists if a live, unstaged document already
	// exists at docID.
	StagedInsert(ctx context.Context, docID string, body []byte, attemptID, atrID string) (cas int64, errE errors.E)

	// StagedReplace stages a new body over an existing document, recording
	// enough of the prior body to support rollback. It returns
	// ErrCASMismatch if expectedCAS does not match the stored CAS.
	StagedReplace(ctx context.Context, docID string, body []byte, expectedCAS int64, attemptID, atrID string) (cas int64, errE errors.E)

	// StagedRemove stages the removal of an existing document. It returns
	// ErrCASMismatch if expectedCAS does not match the stored CAS.
	StagedRemove(ctx context.Context, docID string, expectedCAS int64, attemptID, atrID string) (cas int64, errE errors.E)

	// CommitInsert clears staging metadata from a staged-insert document,
	// making its body visible as the document's committed content.
	CommitInsert(ctx context.Context, docID string, stagedCAS int64) errors.E

	// CommitReplace clears staging metadata from a staged-replace document.
	CommitReplace(ctx context.Context, docID string, stagedCAS int64) errors.E

	// CommitRemove deletes a document that was staged for removal.
	CommitRemove(ctx context.Context, docID string, stagedCAS int64) errors.E

	// RollbackInsert deletes a document that was staged for insert and
	// never committed.
	RollbackInsert(ctx context.Context, docID string, stagedCAS int64) errors.E

	// RollbackMutation restores a document staged for replace or remove
	// back to its pre-staging body and clears staging metadata.
	RollbackMutation(ctx context.Context, docID string, stagedCAS int64) errors.E
}

// AtrRepository is the storage contract for Active Transaction Record
// documents: the durable log of which attempts are pending, committed, or
// aborted, used by both the owning attempt and the cleanup subsystem.
type AtrRepository interface {
	// CreateEntry adds a new PENDING entry for attemptID to the ATR
	// document atrID, creating the ATR document if it does not exist, and
	// returns the server's HLC reading at creation time so the caller can
	// record a start timestamp on the same clock LookupAttempts compares
	// against. It returns ErrAtrFull if the ATR already holds the maximum
	// number of concurrent entries.
	CreateEntry(ctx context.Context, atrID, transactionID, attemptID string, expiresMS int64) (startNow Timestamp, errE errors.E)

	// SetState transitions attemptID's entry within atrID to state.
	SetState(ctx context.Context, atrID, attemptID string, state AtrState) errors.E

	// SetStagedMutations overwrites the staged-mutations list recorded
	// against attemptID's entry, used so the cleanup subsystem can finish
	// an abandoned attempt without consulting the documents directly.
	SetStagedMutations(ctx context.Context, atrID, attemptID string, mutations []StagedMutation) errors.E

	// RemoveEntry deletes attemptID's entry from atrID once the attempt has
	// reached COMPLETED and its documents have been unstaged.
	RemoveEntry(ctx context.Context, atrID, attemptID string) errors.E

	// LookupAttempts returns every entry currently recorded in atrID,
	// together with the server's current HLC reading, used by the cleaner
	// and by the Client Record Manager's sweep (to find abandoned
	// attempts).
	LookupAttempts(ctx context.Context, atrID string) (entries map[string]AtrEntry, serverNow Timestamp, errE errors.E)
}

// ClientRecordRepository is the storage contract for the singleton client
// record document used by client-record cleanup (spec §4.7): the set of
// live runner processes, their lease expiry, and their share of the ATR
// keyspace.
type ClientRecordRepository interface {
	// Heartbeat upserts clientUUID's entry with a fresh heartbeat timestamp
	// and lease, removing any entries in removeExpired in the same
	// operation, and returns the server's current HLC reading.
	Heartbeat(ctx context.Context, clientUUID string, expiresMS int64, numAtrs int, removeExpired []string) (serverNow Timestamp, errE errors.E)

	// Read returns every entry currently recorded in the client record,
	// together with the server's current HLC reading.
	Read(ctx context.Context) (clients map[string]ClientEntry, serverNow Timestamp, errE errors.E)

	// Deregister removes clientUUID's entry, used on graceful shutdown so a
	// peer is not reaped as expired before its lease would have elapsed.
	Deregister(ctx context.Context, clientUUID string) errors.E
}
