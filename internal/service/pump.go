package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/queue"
	"github.com/relaygrid/session-fabric/internal/domain/registry"
)

// pump is the single writer draining one user's queue. Exactly one pump per
// queue exists; together with the queue's transactional slot this guarantees
// at most one in-flight message per user and strictly serial writes per
// connection.
//
// A dequeued message fans out to every writable connection of the user.
// One successful delivery acks the message; all-transient reverts it; a
// message nobody can ever take is discarded.
type pump struct {
	userID string
	q      *queue.Queue
	reg    registry.Registrar
	sender *Sender
	clock  clockwork.Clock
	logger *slog.Logger

	kick chan struct{}
	done chan struct{}
}

func newPump(userID string, q *queue.Queue, reg registry.Registrar, sender *Sender, clock clockwork.Clock, logger *slog.Logger) *pump {
	return &pump{
		userID: userID,
		q:      q,
		reg:    reg,
		sender: sender,
		clock:  clock,
		logger: logger,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Kick wakes the pump outside the queue's own notify path, e.g. when a fresh
// connection attaches and the backlog should flush to it.
func (p *pump) Kick() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

func (p *pump) run(ctx context.Context) {
	defer close(p.done)

	for {
		p.drain(ctx)
		if ctx.Err() != nil || p.q.Closed() {
			return
		}

		var retryCh <-chan time.Time
		var retryTimer clockwork.Timer
		if wait, ok := p.q.NextRetryIn(); ok {
			retryTimer = p.clock.NewTimer(wait)
			retryCh = retryTimer.Chan()
		}

		select {
		case <-ctx.Done():
			if retryTimer != nil {
				retryTimer.Stop()
			}
			return
		case <-p.q.Notify():
		case <-p.kick:
		case <-retryCh:
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
	}
}

// drain moves messages until the queue has nothing eligible or the user has
// no writable connection. Leaving messages queued while the user is offline
// is what makes the reconnection window useful.
func (p *pump) drain(ctx context.Context) {
	for ctx.Err() == nil {
		targets := writableOf(p.reg.ByUser(p.userID))
		if len(targets) == 0 {
			return
		}
		tx := p.q.DequeueTx()
		if tx == nil {
			return
		}
		p.deliver(ctx, tx, targets)
	}
}

func (p *pump) deliver(ctx context.Context, tx *queue.Tx, targets []*conn.Record) {
	var delivered, transient int
	var lastErr error

	for _, rec := range targets {
		out, err := p.sender.Send(ctx, rec, tx.Env())
		switch out {
		case SendOK:
			delivered++
		case SendTransient:
			transient++
			lastErr = err
		}
		// Skipped, dropped and fatal targets contribute nothing; the record
		// transitions were already applied by the sender.
	}

	switch {
	case delivered > 0:
		tx.Ack()
	case transient > 0:
		tx.Revert(lastErr)
	default:
		// Every target raced into closing or failed between the snapshot and
		// the write. The frame mid-flight on a dying socket is dropped, per
		// the close-race rule.
		p.logger.Debug("QUEUE_MESSAGE_DROPPED_ALL_TARGETS_GONE",
			"user_id", p.userID,
			"msg_type", tx.Env().Type,
		)
		tx.Discard()
	}
}

// flush synchronously pushes everything currently eligible, bounded by ctx.
// The shutdown drain phase calls it across all pumps in parallel.
func (p *pump) flush(ctx context.Context) {
	p.drain(ctx)
}

// writableOf filters a user's records down to those the gate would accept.
func writableOf(recs []*conn.Record) []*conn.Record {
	out := recs[:0:0]
	for _, rec := range recs {
		if rec.State().Writable() {
			out = append(out, rec)
		}
	}
	return out
}

// flushAll runs every pump's flush concurrently and waits.
func flushAll(ctx context.Context, pumps []*pump) {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range pumps {
		g.Go(func() error {
			p.flush(gctx)
			return nil
		})
	}
	_ = g.Wait()
}
