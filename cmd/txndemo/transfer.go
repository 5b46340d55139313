// Command txndemo exercises the transaction runner against a real
// PostgreSQL-backed repository: a lambda that moves a balance between two
// account documents, staged and committed (or rolled back) as one
// transaction.
package main

import (
	"context"
	"encoding/json"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gitlab.com/tozd/go/errors"

	txn "github.com/distransact/txn"
	"github.com/distransact/txn/internal/store"
	"github.com/distransact/txn/repository"
)

// TransferCommand runs a single sample transaction that moves amount from
// one account document to another, creating both accounts first if they
// do not already exist.
type TransferCommand struct {
	From   string `default:"account-a" help:"Source account document id."      yaml:"from"`
	To     string `default:"account-b" help:"Destination account document id." yaml:"to"`
	Amount int64  `default:"10"        help:"Amount to transfer."               yaml:"amount"`
}

type account struct {
	Balance int64 `json:"balance"`
}

// Run wires a Postgres-backed repository and drives one transaction
// through it with globals' logging configuration.
func (c *TransferCommand) Run(globals *Globals) errors.E {
	ctx := context.Background()

	dbpool, errE := store.InitPostgres(ctx, string(globals.Postgres.URL), globals.Logger)
	if errE != nil {
		return errE
	}

	repo := &repository.Postgres{
		Pool: dbpool,
		RetryCounter: promauto.With(prometheus.DefaultRegisterer).NewCounter(prometheus.CounterOpts{
			Name: "txn_store_transaction_retries_total",
			Help: "Total number of serializable-transaction attempts against the repository, including the first of each call.",
		}),
	}
	if errE := repo.EnsureSchema(ctx); errE != nil {
		return errE
	}

	if errE := ensureAccount(ctx, repo, c.From, 100); errE != nil {
		return errE
	}
	if errE := ensureAccount(ctx, repo, c.To, 0); errE != nil {
		return errE
	}

	transactions := txn.Create(repo, repo, repo, txn.DefaultConfig(), prometheus.DefaultRegisterer, globals.Logger)
	defer transactions.Dispose(ctx)

	result, errE := transactions.Run(ctx, func(ctx context.Context, attempt *txn.AttemptContext) error {
		fromBody, fromCAS, err := attempt.Get(ctx, c.From)
		if err != nil {
			return err
		}
		toBody, toCAS, err := attempt.Get(ctx, c.To)
		if err != nil {
			return err
		}

		var from, to account
		if err := json.Unmarshal(fromBody, &from); err != nil {
			return errors.WithStack(err)
		}
		if err := json.Unmarshal(toBody, &to); err != nil {
			return errors.WithStack(err)
		}

		from.Balance -= c.Amount
		to.Balance += c.Amount

		fromJSON, err := json.Marshal(from)
		if err != nil {
			return errors.WithStack(err)
		}
		toJSON, err := json.Marshal(to)
		if err != nil {
			return errors.WithStack(err)
		}

		if _, err := attempt.Replace(ctx, c.From, fromJSON, fromCAS); err != nil {
			return err
		}
		if _, err := attempt.Replace(ctx, c.To, toJSON, toCAS); err != nil {
			return err
		}
		return nil
	}, nil)
	if errE != nil {
		return errE
	}

	globals.Logger.Info().
		Str("transactionId", result.TransactionID).
		Bool("unstagingComplete", result.UnstagingComplete).
		Int("attempts", result.Attempts).
		Msg("transfer complete")

	return nil
}

func ensureAccount(ctx context.Context, repo *repository.Postgres, docID string, balance int64) errors.E {
	_, _, errE := repo.Get(ctx, docID)
	if errE == nil {
		return nil
	}
	if !errors.Is(errE, repository.ErrDocNotFound) {
		return errE
	}

	body, err := json.Marshal(account{Balance: balance})
	if err != nil {
		return errors.WithStack(err)
	}

	cas, errE := repo.StagedInsert(ctx, docID, body, "bootstrap", "_txn:bootstrap")
	if errE != nil {
		return errE
	}
	return repo.CommitInsert(ctx, docID, cas)
}
