// Package cleanup implements the local cleanup work queue (spec §4.5) and
// the Cleaner that drains it (spec §4.6): finishing abandoned attempts
// against their ATR entry, idempotently, after the Driver or the Client
// Record Manager gives up on them.
package cleanup

import (
	"context"

	"github.com/rs/zerolog"
)

// Request is the lightweight, by-value descriptor enqueued once an
// attempt terminates (spec §4.2 get_cleanup_request, §9 "handed to the
// Cleanup Queue by value"). It never references the Attempt Context that
// produced it.
type Request struct {
	AtrID      string
	AttemptID  string
	DocIDs     []string
	FinalState string
}

// Queue is the bounded, multi-producer single-consumer cleanup work
// queue of spec §4.5. On overflow it drops the request and logs a
// warning rather than blocking the producer: loss is tolerable because
// the Client Record Manager will rediscover the abandoned ATR entry from
// the server side.
type Queue struct {
	ch     chan Request
	logger zerolog.Logger
}

// NewQueue returns a Queue with the given bounded capacity.
func NewQueue(capacity int, logger zerolog.Logger) *Queue {
	return &Queue{
		ch:     make(chan Request, capacity),
		logger: logger,
	}
}

// Publish enqueues req, dropping it with a logged warning if the queue is
// full.
func (q *Queue) Publish(req Request) {
	select {
	case q.ch <- req:
	default:
		q.logger.Warn().
			Str("atrId", req.AtrID).
			Str("attemptId", req.AttemptID).
			Msg("cleanup queue full, dropping request")
	}
}

// Len reports the number of requests currently queued.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap reports the queue's bound.
func (q *Queue) Cap() int {
	return cap(q.ch)
}

// Drain runs cleaner against every request currently queued, without
// blocking for new arrivals, implementing "draining is best-effort and
// occurs opportunistically and on shutdown" (spec §4.5). It stops early
// if ctx is done.
func (q *Queue) Drain(ctx context.Context, cleaner *Cleaner) {
	for {
		select {
		case req := <-q.ch:
			if errE := cleaner.Clean(ctx, req); errE != nil {
				q.logger.Warn().Err(errE).
					Str("atrId", req.AtrID).
					Str("attemptId", req.AttemptID).
					Msg("cleanup request failed")
			}
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

// Run drains the queue continuously until ctx is done, blocking between
// arrivals. Intended to run as a long-lived background goroutine owned by
// the top-level Transactions handle.
func (q *Queue) Run(ctx context.Context, cleaner *Cleaner) {
	for {
		select {
		case req := <-q.ch:
			if errE := cleaner.Clean(ctx, req); errE != nil {
				q.logger.Warn().Err(errE).
					Str("atrId", req.AtrID).
					Str("attemptId", req.AttemptID).
					Msg("cleanup request failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
