package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/tozd/go/errors"

	"github.com/distransact/txn/internal/store"
)

// schema is the PostgreSQL schema all tables created by Postgres live
// under, mirroring the teacher's per-view schema convention but fixed to a
// single name since this module has no multi-tenant notion.
const schema = "txn"

const createSchemaSQL = `
CREATE SEQUENCE IF NOT EXISTS "txn"."cas_seq";

CREATE TABLE IF NOT EXISTS "txn"."documents" (
	"id" text PRIMARY KEY,
	"cas" bigint NOT NULL,
	"body" jsonb,
	"deleted" boolean NOT NULL DEFAULT false,
	"staging" jsonb
);

CREATE TABLE IF NOT EXISTS "txn"."atr_entries" (
	"atr_id" text NOT NULL,
	"attempt_id" text NOT NULL,
	"transaction_id" text NOT NULL,
	"state" text NOT NULL,
	"start_ts" bigint NOT NULL,
	"expires_ms" bigint NOT NULL,
	"staged_mutations" jsonb NOT NULL DEFAULT '[]',
	PRIMARY KEY ("atr_id", "attempt_id")
);

CREATE TABLE IF NOT EXISTS "txn"."client_record" (
	"client_uuid" text PRIMARY KEY,
	"heartbeat_cas" text NOT NULL,
	"expires_ms" bigint NOT NULL,
	"num_atrs" integer NOT NULL
);
`

// MaxAtrEntries bounds the number of concurrent attempt entries a single
// ATR document may hold (spec §4.2, FailAtrFull).
const MaxAtrEntries = 1024

// staging is the jsonb payload kept in documents.staging, the column that
// emulates Couchbase's staged-mutation XATTRs.
type staging struct {
	AttemptID   string          `json:"attemptId"`
	AtrID       string          `json:"atrId"`
	Op          StagedOp        `json:"op"`
	StagedBody  json.RawMessage `json:"stagedBody,omitempty"`
	RestoreBody json.RawMessage `json:"restoreBody,omitempty"`
	RestoreCAS  int64           `json:"restoreCas,omitempty"`
}

// Postgres implements DocumentRepository, AtrRepository, and
// ClientRecordRepository against a single PostgreSQL database, using one
// serializable transaction per call via internal/store.RetryTransaction.
// RetryCounter, if set, is incremented once per attempt of every such
// transaction (including the first), the same accounting
// internal/store.RetryTransaction's retryCounter parameter offers the
// teacher's own waf.GetMetrics-backed counter in store/internal/store.
type Postgres struct {
	Pool         *pgxpool.Pool
	RetryCounter prometheus.Counter

	durabilityLevel DurabilityLevel
}

// SetDurabilityLevel implements DurabilityConfigurable: every subsequent
// transaction sets the matching synchronous_commit guarantee before
// running its statements. Not safe to call concurrently with in-flight
// transactions; callers set it once at startup, before Create's
// background goroutines begin.
func (p *Postgres) SetDurabilityLevel(level DurabilityLevel) {
	p.durabilityLevel = level
}

// synchronousCommitSetting maps a spec §6 DurabilityLevel onto the
// PostgreSQL synchronous_commit value nearest its intent: PostgreSQL has
// no replica-acknowledgement quorum to target, so the mapping is onto
// local-vs-remote persistence guarantees instead.
func synchronousCommitSetting(level DurabilityLevel) string {
	switch level {
	case DurabilityLevelNone:
		return "off"
	case DurabilityLevelMajorityAndPersistToActive:
		return "remote_write"
	case DurabilityLevelPersistToMajority:
		return "remote_apply"
	case DurabilityLevelMajority, "":
		return "on"
	default:
		return "on"
	}
}

// retryTransaction forwards to internal/store.RetryTransaction, wiring
// p.RetryCounter (if set) as its retryCounter hook and, if a durability
// level has been set, a SET LOCAL synchronous_commit applied before fn
// runs, so it is scoped to this transaction alone.
func (p *Postgres) retryTransaction(
	ctx context.Context, accessMode pgx.TxAccessMode,
	fn func(ctx context.Context, tx pgx.Tx) errors.E,
	afterCommitFn func(),
) errors.E {
	var counter func()
	if p.RetryCounter != nil {
		counter = p.RetryCounter.Inc
	}
	wrapped := fn
	if p.durabilityLevel != "" {
		setting := synchronousCommitSetting(p.durabilityLevel)
		wrapped = func(ctx context.Context, tx pgx.Tx) errors.E {
			if _, err := tx.Exec(ctx, `SET LOCAL synchronous_commit TO '`+setting+`'`); err != nil {
				return store.WithPgxError(err)
			}
			return fn(ctx, tx)
		}
	}
	return store.RetryTransaction(ctx, p.Pool, accessMode, wrapped, afterCommitFn, counter)
}

// serverNow reads the database server's current time as a millisecond HLC
// reading, standing in for Couchbase's native per-vbucket HLC (spec §9).
func serverNow(ctx context.Context, tx pgx.Tx) (Timestamp, errors.E) {
	var ms int64
	err := tx.QueryRow(ctx, `SELECT (EXTRACT(EPOCH FROM clock_timestamp()) * 1000)::bigint`).Scan(&ms)
	if err != nil {
		return 0, store.WithPgxError(err)
	}
	return Timestamp(ms), nil
}

func nextCAS(ctx context.Context, tx pgx.Tx) (int64, errors.E) {
	var cas int64
	err := tx.QueryRow(ctx, `SELECT nextval('"txn"."cas_seq"')`).Scan(&cas)
	if err != nil {
		return 0, store.WithPgxError(err)
	}
	return cas, nil
}

// EnsureSchema creates the documents, ATR, and client record tables if they
// do not already exist.
func (p *Postgres) EnsureSchema(ctx context.Context) errors.E {
	return p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		if errE := store.EnsureSchema(ctx, tx, schema); errE != nil {
			return errE
		}
		_, err := tx.Exec(ctx, createSchemaSQL)
		if err != nil {
			return store.WithPgxError(err)
		}
		return nil
	}, nil)
}

func (p *Postgres) Get(ctx context.Context, docID string) (body []byte, cas int64, errE errors.E) { //nolint:nonamedreturns
	errE = p.retryTransaction(ctx, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		var deleted bool
		var stagingRaw *json.RawMessage
		row := tx.QueryRow(ctx, `SELECT "body", "cas", "deleted", "staging" FROM "txn"."documents" WHERE "id" = $1`, docID)
		err := row.Scan(&body, &cas, &deleted, &stagingRaw)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WithStack(ErrDocNotFound)
		} else if err != nil {
			return store.WithPgxError(err)
		}
		if deleted {
			return errors.WithStack(ErrDocNotFound)
		}
		if stagingRaw != nil {
			var s staging
			if err := json.Unmarshal(*stagingRaw, &s); err != nil {
				return errors.WithStack(err)
			}
			if s.Op == OpInsert {
				// A staged insert has no visible committed body yet.
				return errors.WithStack(ErrDocNotFound)
			}
		}
		return nil
	}, nil)
	if errE != nil {
		return nil, 0, errE
	}
	return body, cas, nil
}

func (p *Postgres) GetStaged(ctx context.Context, docID string) (*StagedMutation, string, string, bool, errors.E) {
	var mutation *StagedMutation
	var attemptID, atrID string
	var ok bool
	errE := p.retryTransaction(ctx, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		var cas int64
		var stagingRaw *json.RawMessage
		row := tx.QueryRow(ctx, `SELECT "cas", "staging" FROM "txn"."documents" WHERE "id" = $1`, docID)
		err := row.Scan(&cas, &stagingRaw)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		} else if err != nil {
			return store.WithPgxError(err)
		}
		if stagingRaw == nil {
			return nil
		}
		var s staging
		if err := json.Unmarshal(*stagingRaw, &s); err != nil {
			return errors.WithStack(err)
		}
		mutation = &StagedMutation{
			DocID:       docID,
			Op:          s.Op,
			StagedBody:  s.StagedBody,
			RestoreBody: s.RestoreBody,
			RestoreCAS:  s.RestoreCAS,
		}
		attemptID = s.AttemptID
		atrID = s.AtrID
		ok = true
		return nil
	}, nil)
	if errE != nil {
		return nil, "", "", false, errE
	}
	return mutation, attemptID, atrID, ok, nil
}

func (p *Postgres) StagedInsert(ctx context.Context, docID string, body []byte, attemptID, atrID string) (int64, errors.E) {
	var cas int64
	errE := p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		var existingDeleted bool
		var existingStaging *json.RawMessage
		row := tx.QueryRow(ctx, `SELECT "deleted", "staging" FROM "txn"."documents" WHERE "id" = $1`, docID)
		err := row.Scan(&existingDeleted, &existingStaging)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return store.WithPgxError(err)
		}
		if err == nil && !existingDeleted && existingStaging == nil {
			return errors.WithStack(ErrDocAlreadyExists)
		}

		newCAS, errE := nextCAS(ctx, tx)
		if errE != nil {
			return errE
		}
		s := staging{AttemptID: attemptID, AtrID: atrID, Op: OpInsert, StagedBody: body}
		stagingJSON, err := json.Marshal(s)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO "txn"."documents" ("id", "cas", "body", "deleted", "staging")
			VALUES ($1, $2, NULL, false, $3)
			ON CONFLICT ("id") DO UPDATE SET "cas" = $2, "staging" = $3
		`, docID, newCAS, stagingJSON)
		if err != nil {
			return store.WithPgxError(err)
		}
		cas = newCAS
		return nil
	}, nil)
	if errE != nil {
		return 0, errE
	}
	return cas, nil
}

func (p *Postgres) StagedReplace(ctx context.Context, docID string, body []byte, expectedCAS int64, attemptID, atrID string) (int64, errors.E) {
	return p.stagedMutate(ctx, docID, body, OpReplace, expectedCAS, attemptID, atrID)
}

func (p *Postgres) StagedRemove(ctx context.Context, docID string, expectedCAS int64, attemptID, atrID string) (int64, errors.E) {
	return p.stagedMutate(ctx, docID, nil, OpRemove, expectedCAS, attemptID, atrID)
}

func (p *Postgres) stagedMutate(ctx context.Context, docID string, body []byte, op StagedOp, expectedCAS int64, attemptID, atrID string) (int64, errors.E) {
	var newCAS int64
	errE := p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		var currentCAS int64
		var currentBody []byte
		var deleted bool
		row := tx.QueryRow(ctx, `SELECT "cas", "body", "deleted" FROM "txn"."documents" WHERE "id" = $1`, docID)
		err := row.Scan(&currentCAS, &currentBody, &deleted)
		if errors.Is(err, pgx.ErrNoRows) || deleted {
			return errors.WithStack(ErrDocNotFound)
		} else if err != nil {
			return store.WithPgxError(err)
		}
		if currentCAS != expectedCAS {
			return errors.WithStack(ErrCASMismatch)
		}

		var errE errors.E
		newCAS, errE = nextCAS(ctx, tx)
		if errE != nil {
			return errE
		}
		s := staging{
			AttemptID:   attemptID,
			AtrID:       atrID,
			Op:          op,
			StagedBody:  body,
			RestoreBody: currentBody,
			RestoreCAS:  currentCAS,
		}
		stagingJSON, err := json.Marshal(s)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.Exec(ctx, `UPDATE "txn"."documents" SET "cas" = $2, "staging" = $3 WHERE "id" = $1`, docID, newCAS, stagingJSON)
		if err != nil {
			return store.WithPgxError(err)
		}
		return nil
	}, nil)
	if errE != nil {
		return 0, errE
	}
	return newCAS, nil
}

func (p *Postgres) CommitInsert(ctx context.Context, docID string, stagedCAS int64) errors.E {
	return p.finish(ctx, docID, stagedCAS, func(ctx context.Context, tx pgx.Tx, s staging) errors.E {
		_, err := tx.Exec(ctx, `UPDATE "txn"."documents" SET "body" = $2, "staging" = NULL WHERE "id" = $1`, docID, s.StagedBody)
		return store.WithPgxError(err)
	})
}

func (p *Postgres) CommitReplace(ctx context.Context, docID string, stagedCAS int64) errors.E {
	return p.finish(ctx, docID, stagedCAS, func(ctx context.Context, tx pgx.Tx, s staging) errors.E {
		_, err := tx.Exec(ctx, `UPDATE "txn"."documents" SET "body" = $2, "staging" = NULL WHERE "id" = $1`, docID, s.StagedBody)
		return store.WithPgxError(err)
	})
}

func (p *Postgres) CommitRemove(ctx context.Context, docID string, stagedCAS int64) errors.E {
	return p.finish(ctx, docID, stagedCAS, func(ctx context.Context, tx pgx.Tx, _ staging) errors.E {
		_, err := tx.Exec(ctx, `UPDATE "txn"."documents" SET "body" = NULL, "deleted" = true, "staging" = NULL WHERE "id" = $1`, docID)
		return store.WithPgxError(err)
	})
}

func (p *Postgres) RollbackInsert(ctx context.Context, docID string, stagedCAS int64) errors.E {
	return p.finish(ctx, docID, stagedCAS, func(ctx context.Context, tx pgx.Tx, _ staging) errors.E {
		_, err := tx.Exec(ctx, `DELETE FROM "txn"."documents" WHERE "id" = $1`, docID)
		return store.WithPgxError(err)
	})
}

func (p *Postgres) RollbackMutation(ctx context.Context, docID string, stagedCAS int64) errors.E {
	return p.finish(ctx, docID, stagedCAS, func(ctx context.Context, tx pgx.Tx, s staging) errors.E {
		_, err := tx.Exec(ctx, `
			UPDATE "txn"."documents" SET "body" = $2, "cas" = $3, "deleted" = false, "staging" = NULL WHERE "id" = $1
		`, docID, s.RestoreBody, s.RestoreCAS)
		return store.WithPgxError(err)
	})
}

// finish reads the staging metadata for docID, checks it against stagedCAS,
// and hands it to apply to perform the document-specific commit/rollback
// mutation, all within the same serializable transaction.
func (p *Postgres) finish(ctx context.Context, docID string, stagedCAS int64, apply func(ctx context.Context, tx pgx.Tx, s staging) errors.E) errors.E {
	return p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		var currentCAS int64
		var stagingRaw *json.RawMessage
		row := tx.QueryRow(ctx, `SELECT "cas", "staging" FROM "txn"."documents" WHERE "id" = $1`, docID)
		err := row.Scan(&currentCAS, &stagingRaw)
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.WithStack(ErrDocNotFound)
		} else if err != nil {
			return store.WithPgxError(err)
		}
		if currentCAS != stagedCAS || stagingRaw == nil {
			return errors.WithStack(ErrCASMismatch)
		}
		var s staging
		if err := json.Unmarshal(*stagingRaw, &s); err != nil {
			return errors.WithStack(err)
		}
		return apply(ctx, tx, s)
	}, nil)
}

func (p *Postgres) CreateEntry(ctx context.Context, atrID, transactionID, attemptID string, expiresMS int64) (Timestamp, errors.E) {
	var startNow Timestamp
	errE := p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		var count int
		err := tx.QueryRow(ctx, `SELECT count(*) FROM "txn"."atr_entries" WHERE "atr_id" = $1`, atrID).Scan(&count)
		if err != nil {
			return store.WithPgxError(err)
		}
		if count >= MaxAtrEntries {
			return errors.WithStack(ErrAtrFull)
		}

		var errE errors.E
		startNow, errE = serverNow(ctx, tx)
		if errE != nil {
			return errE
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO "txn"."atr_entries"
				("atr_id", "attempt_id", "transaction_id", "state", "start_ts", "expires_ms", "staged_mutations")
			VALUES ($1, $2, $3, $4, $5, $6, '[]')
			ON CONFLICT ("atr_id", "attempt_id") DO UPDATE SET
				"transaction_id" = $3, "state" = $4, "start_ts" = $5, "expires_ms" = $6
		`, atrID, attemptID, transactionID, string(AtrStatePending), int64(startNow), expiresMS)
		return store.WithPgxError(err)
	}, nil)
	if errE != nil {
		return 0, errE
	}
	return startNow, nil
}

func (p *Postgres) SetState(ctx context.Context, atrID, attemptID string, state AtrState) errors.E {
	return p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		tag, err := tx.Exec(ctx, `
			UPDATE "txn"."atr_entries" SET "state" = $3 WHERE "atr_id" = $1 AND "attempt_id" = $2
		`, atrID, attemptID, string(state))
		if err != nil {
			return store.WithPgxError(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.WithStack(ErrAtrNotFound)
		}
		return nil
	}, nil)
}

func (p *Postgres) SetStagedMutations(ctx context.Context, atrID, attemptID string, mutations []StagedMutation) errors.E {
	data, err := json.Marshal(mutations)
	if err != nil {
		return errors.WithStack(err)
	}
	return p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		tag, err := tx.Exec(ctx, `
			UPDATE "txn"."atr_entries" SET "staged_mutations" = $3 WHERE "atr_id" = $1 AND "attempt_id" = $2
		`, atrID, attemptID, data)
		if err != nil {
			return store.WithPgxError(err)
		}
		if tag.RowsAffected() == 0 {
			return errors.WithStack(ErrAtrNotFound)
		}
		return nil
	}, nil)
}

func (p *Postgres) RemoveEntry(ctx context.Context, atrID, attemptID string) errors.E {
	return p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `DELETE FROM "txn"."atr_entries" WHERE "atr_id" = $1 AND "attempt_id" = $2`, atrID, attemptID)
		return store.WithPgxError(err)
	}, nil)
}

func (p *Postgres) LookupAttempts(ctx context.Context, atrID string) (map[string]AtrEntry, Timestamp, errors.E) {
	entries := map[string]AtrEntry{}
	var now Timestamp
	errE := p.retryTransaction(ctx, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		var errE errors.E
		now, errE = serverNow(ctx, tx)
		if errE != nil {
			return errE
		}
		rows, err := tx.Query(ctx, `
			SELECT "attempt_id", "transaction_id", "state", "start_ts", "expires_ms", "staged_mutations"
			FROM "txn"."atr_entries" WHERE "atr_id" = $1
		`, atrID)
		if err != nil {
			return store.WithPgxError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var e AtrEntry
			var state string
			var startTS int64
			var mutationsRaw []byte
			if err := rows.Scan(&e.AttemptID, &e.TransactionID, &state, &startTS, &e.ExpiresMS, &mutationsRaw); err != nil {
				return store.WithPgxError(err)
			}
			e.State = AtrState(state)
			e.StartTimestamp = Timestamp(startTS)
			if len(mutationsRaw) > 0 {
				if err := json.Unmarshal(mutationsRaw, &e.StagedMutations); err != nil {
					return errors.WithStack(err)
				}
			}
			entries[e.AttemptID] = e
		}
		return store.WithPgxError(rows.Err())
	}, nil)
	if errE != nil {
		return nil, 0, errE
	}
	return entries, now, nil
}

func (p *Postgres) Heartbeat(ctx context.Context, clientUUID string, expiresMS int64, numAtrs int, removeExpired []string) (Timestamp, errors.E) {
	var now Timestamp
	errE := p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		var errE errors.E
		now, errE = serverNow(ctx, tx)
		if errE != nil {
			return errE
		}
		if len(removeExpired) > 0 {
			_, err := tx.Exec(ctx, `DELETE FROM "txn"."client_record" WHERE "client_uuid" = ANY($1)`, removeExpired)
			if err != nil {
				return store.WithPgxError(err)
			}
		}
		cas, errE := nextCAS(ctx, tx)
		if errE != nil {
			return errE
		}
		heartbeatCAS := FormatMutationCAS(now, cas)
		_, err := tx.Exec(ctx, `
			INSERT INTO "txn"."client_record" ("client_uuid", "heartbeat_cas", "expires_ms", "num_atrs")
			VALUES ($1, $2, $3, $4)
			ON CONFLICT ("client_uuid") DO UPDATE SET "heartbeat_cas" = $2, "expires_ms" = $3, "num_atrs" = $4
		`, clientUUID, string(heartbeatCAS), expiresMS, numAtrs)
		return store.WithPgxError(err)
	}, nil)
	if errE != nil {
		return 0, errE
	}
	return now, nil
}

func (p *Postgres) Read(ctx context.Context) (map[string]ClientEntry, Timestamp, errors.E) {
	clients := map[string]ClientEntry{}
	var now Timestamp
	errE := p.retryTransaction(ctx, pgx.ReadOnly, func(ctx context.Context, tx pgx.Tx) errors.E {
		var errE errors.E
		now, errE = serverNow(ctx, tx)
		if errE != nil {
			return errE
		}
		rows, err := tx.Query(ctx, `SELECT "client_uuid", "heartbeat_cas", "expires_ms", "num_atrs" FROM "txn"."client_record"`)
		if err != nil {
			return store.WithPgxError(err)
		}
		defer rows.Close()
		for rows.Next() {
			var c ClientEntry
			var heartbeatCAS string
			if err := rows.Scan(&c.ClientUUID, &heartbeatCAS, &c.ExpiresMS, &c.NumAtrs); err != nil {
				return store.WithPgxError(err)
			}
			c.HeartbeatCAS = MutationCAS(heartbeatCAS)
			clients[c.ClientUUID] = c
		}
		return store.WithPgxError(rows.Err())
	}, nil)
	if errE != nil {
		return nil, 0, errE
	}
	return clients, now, nil
}

func (p *Postgres) Deregister(ctx context.Context, clientUUID string) errors.E {
	return p.retryTransaction(ctx, pgx.ReadWrite, func(ctx context.Context, tx pgx.Tx) errors.E {
		_, err := tx.Exec(ctx, `DELETE FROM "txn"."client_record" WHERE "client_uuid" = $1`, clientUUID)
		return store.WithPgxError(err)
	}, nil)
}
