package txn

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/distransact/txn/cleanup"
	"github.com/distransact/txn/clientrecord"
	"github.com/distransact/txn/repository"
)

// cleanupQueueCapacity bounds the local cleanup work queue (spec §4.5).
const cleanupQueueCapacity = 1024

// applyDurabilityLevel sets level on repo if it implements
// repository.DurabilityConfigurable (spec §6 durability_level, "applied to
// all durable writes"), a no-op for repositories with no such concept
// (e.g. repository.Memory in tests).
func applyDurabilityLevel(repo any, level repository.DurabilityLevel) {
	if configurable, ok := repo.(repository.DurabilityConfigurable); ok {
		configurable.SetDurabilityLevel(level)
	}
}

// Transactions is the public handle of spec §6: a singleton per cluster
// connection that owns the cleanup queue and the client record manager
// background task, and exposes Run to execute a lambda as a transaction.
//
// Per spec §9, the Client Record Manager is started by, but not owned by,
// individual Run calls — it is a background task owned by this handle
// with cooperative shutdown on Dispose, breaking the cyclic lifecycle
// between Runner and Manager that a naive design would introduce.
type Transactions struct {
	runner  *Runner
	queue   *cleanup.Queue
	manager *clientrecord.Manager
	cleaner *cleanup.Cleaner

	config Config
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Create returns a Transactions handle wired against the given
// repositories, matching spec §6's create(cluster) / create(cluster,
// config). docs backs DocumentRepository, atrs backs AtrRepository, and
// records backs ClientRecordRepository.
func Create(
	docs repository.DocumentRepository, atrs repository.AtrRepository, records repository.ClientRecordRepository,
	config Config, reg prometheus.Registerer, logger zerolog.Logger,
) *Transactions {
	applyDurabilityLevel(docs, config.DurabilityLevel)
	applyDurabilityLevel(atrs, config.DurabilityLevel)
	applyDurabilityLevel(records, config.DurabilityLevel)

	metrics := NewMetrics(reg)
	queue := cleanup.NewQueue(cleanupQueueCapacity, logger)
	runner := NewRunner(docs, atrs, queue, config, metrics)
	cleaner := cleanup.NewCleaner(docs, atrs)

	var manager *clientrecord.Manager
	if config.CleanupLostAttempts {
		manager = clientrecord.NewManager(records, atrs, queue, config.NumAtrsPerClient, config.CleanupWindow, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	t := &Transactions{
		runner:  runner,
		queue:   queue,
		manager: manager,
		cleaner: cleaner,
		config:  config,
		cancel:  cancel,
		group:   group,
	}

	if config.CleanupClientAttempts {
		group.Go(func() error {
			queue.Run(ctx, cleaner)
			return nil
		})
	}

	if manager != nil {
		group.Go(func() error {
			if errE := manager.Register(ctx); errE != nil {
				logger.Warn().Err(errE).Msg("client record registration failed")
			}
			return manager.Run(ctx, docs)
		})
	}

	return t
}

// Run executes lambda as a transaction, matching spec §6's run(lambda) /
// run(lambda, per_tx_config).
func (t *Transactions) Run(ctx context.Context, lambda Lambda, override *Config) (TransactionResult, errors.E) {
	return t.runner.Run(ctx, lambda, override)
}

// Dispose implements spec §6's dispose / dispose_async: it drains the
// local cleanup queue and stops the Client Record Manager, deregistering
// its entry first.
func (t *Transactions) Dispose(ctx context.Context) {
	if t.manager != nil {
		t.manager.Deregister(ctx)
	}
	t.cancel()
	_ = t.group.Wait()

	if t.config.CleanupClientAttempts {
		t.queue.Drain(context.Background(), t.cleaner)
	}
}
