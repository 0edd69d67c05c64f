/*
Package queue buffers outbound traffic per user across three tiers:

  - priority: system frames (errors, heartbeats, shutdown notices)
  - normal: regular application traffic
  - failed_retry: messages that bounced off the socket and wait for another go

Dequeue order is strict: priority first, then normal, and failed_retry only
when both are empty and the head's backoff has elapsed. Removal is
transactional: a dequeued item occupies the single in-flight slot until the
sender acks it or reverts it, so a write failure never loses the message.
*/
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

// Tier identifies which band an item sits in.
type Tier int

const (
	TierPriority Tier = iota
	TierNormal
	TierFailedRetry
)

func (t Tier) String() string {
	switch t {
	case TierPriority:
		return "priority"
	case TierNormal:
		return "normal"
	case TierFailedRetry:
		return "failed_retry"
	default:
		return "unknown"
	}
}

// ErrClosed means the queue no longer accepts traffic.
var ErrClosed = errors.New("queue: closed")

// Options bounds one user's queue. Zero values fall back to defaults.
type Options struct {
	PriorityCap int
	NormalCap   int
	FailedCap   int
	// MaxAge drops messages that waited longer than this; 0 disables.
	MaxAge time.Duration
	// BaseBackoff is the first retry delay; it doubles per attempt.
	BaseBackoff time.Duration
	// MaxBackoff caps the doubling.
	MaxBackoff time.Duration
	// MaxAttempts gives up on a message after this many failed sends.
	MaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.PriorityCap <= 0 {
		o.PriorityCap = 128
	}
	if o.NormalCap <= 0 {
		o.NormalCap = 512
	}
	if o.FailedCap <= 0 {
		o.FailedCap = 128
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	return o
}

// Item is one queued message with its delivery bookkeeping.
type Item struct {
	Env         *envelope.Envelope
	Tier        Tier
	EnqueuedAt  time.Time
	Attempts    int
	NextAttempt time.Time
	LastError   string
}

// Stats is a point-in-time view of queue depths and drop counters.
type Stats struct {
	Priority     int    `json:"priority"`
	Normal       int    `json:"normal"`
	FailedRetry  int    `json:"failed_retry"`
	InFlight     int    `json:"in_flight"`
	Dropped      uint64 `json:"dropped"`
	DroppedStale uint64 `json:"dropped_stale"`
	Dead         uint64 `json:"dead"`
	Delivered    uint64 `json:"delivered"`
}

// Queue is one user's mailbox. All methods are safe for concurrent use; the
// in-flight slot additionally assumes a single consumer, which the sender
// pump guarantees.
type Queue struct {
	userID string
	opts   Options
	clock  clockwork.Clock

	mu       sync.Mutex
	priority []*Item
	normal   []*Item
	failed   []*Item
	sending  *Item
	closed   bool

	dropped      uint64
	droppedStale uint64
	dead         uint64
	delivered    uint64

	// notify wakes the pump; buffered so signalling never blocks enqueue.
	notify chan struct{}
}

// New builds an empty queue for one user.
func New(userID string, clock clockwork.Clock, opts Options) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Queue{
		userID: userID,
		opts:   opts.withDefaults(),
		clock:  clock,
		notify: make(chan struct{}, 1),
	}
}

// UserID returns the owner of this queue.
func (q *Queue) UserID() string { return q.userID }

// Notify exposes the wakeup channel the pump selects on.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Enqueue routes the envelope into a tier by its priority. A full band
// evicts its oldest member and counts the loss so fresh traffic always
// lands; a full priority band sacrifices a normal item first so system
// frames never crowd each other out while regular traffic sits below them.
// The in-flight slot is never a victim.
func (q *Queue) Enqueue(env *envelope.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	item := &Item{Env: env, EnqueuedAt: q.clock.Now()}
	if env.Priority >= envelope.PriorityHigh {
		item.Tier = TierPriority
		if len(q.priority) >= q.opts.PriorityCap {
			if len(q.normal) > 0 {
				q.normal = q.normal[1:]
			} else {
				q.priority = q.priority[1:]
			}
			q.dropped++
		}
		q.priority = append(q.priority, item)
	} else {
		item.Tier = TierNormal
		if len(q.normal) >= q.opts.NormalCap {
			q.normal = q.normal[1:]
			q.dropped++
		}
		q.normal = append(q.normal, item)
	}

	q.signalLocked()
	return nil
}

func (q *Queue) signalLocked() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Tx is an in-flight delivery. Exactly one of Ack, Revert or Discard must be
// called.
type Tx struct {
	q    *Queue
	item *Item
	done bool
}

// Env returns the envelope being delivered.
func (t *Tx) Env() *envelope.Envelope { return t.item.Env }

// Item returns the full bookkeeping record.
func (t *Tx) Item() *Item { return t.item }

// Ack marks the delivery successful and frees the in-flight slot.
func (t *Tx) Ack() {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.q.sending = nil
	t.q.delivered++
	t.q.signalLocked()
}

// Revert returns the message to the head of the failed_retry band with an
// increased attempt count and backoff. Once attempts are exhausted the
// message is dead and dropped for good.
func (t *Tx) Revert(cause error) {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.q.sending = nil

	item := t.item
	item.Attempts++
	if cause != nil {
		item.LastError = cause.Error()
	}
	if item.Attempts >= t.q.opts.MaxAttempts {
		t.q.dead++
		t.q.signalLocked()
		return
	}

	backoff := t.q.opts.BaseBackoff << (item.Attempts - 1)
	if backoff > t.q.opts.MaxBackoff || backoff <= 0 {
		backoff = t.q.opts.MaxBackoff
	}
	item.NextAttempt = t.q.clock.Now().Add(backoff)
	item.Tier = TierFailedRetry

	if len(t.q.failed) >= t.q.opts.FailedCap {
		// Head is the freshest failure; the tail is the oldest and goes.
		t.q.failed = t.q.failed[:len(t.q.failed)-1]
		t.q.dropped++
	}
	t.q.failed = append([]*Item{item}, t.q.failed...)
	t.q.signalLocked()
}

// Discard drops the in-flight message without counting a delivery. Used when
// the target went away mid-send: the message is undeliverable, not failed.
func (t *Tx) Discard() {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	t.q.sending = nil
	t.q.dead++
	t.q.signalLocked()
}

// DequeueTx claims the next eligible message. It returns nil when nothing is
// eligible right now or a delivery is already in flight.
func (q *Queue) DequeueTx() *Tx {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sending != nil || q.closed {
		return nil
	}
	q.dropStaleLocked()

	now := q.clock.Now()
	var item *Item
	switch {
	case len(q.priority) > 0:
		item, q.priority = q.priority[0], q.priority[1:]
	case len(q.normal) > 0:
		item, q.normal = q.normal[0], q.normal[1:]
	case len(q.failed) > 0 && !q.failed[0].NextAttempt.After(now):
		item, q.failed = q.failed[0], q.failed[1:]
	default:
		return nil
	}

	q.sending = item
	return &Tx{q: q, item: item}
}

// NextRetryIn reports how long until the failed band becomes eligible. ok is
// false when no timed wakeup is needed (other bands have traffic, or the
// failed band is empty).
func (q *Queue) NextRetryIn() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.priority) > 0 || len(q.normal) > 0 || len(q.failed) == 0 {
		return 0, false
	}
	wait := q.failed[0].NextAttempt.Sub(q.clock.Now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// dropStaleLocked evicts messages that outlived MaxAge. The priority and
// normal bands are FIFO so checking heads is enough; the failed band is
// head-pushed and needs a full filter.
func (q *Queue) dropStaleLocked() {
	if q.opts.MaxAge <= 0 {
		return
	}
	deadline := q.clock.Now().Add(-q.opts.MaxAge)

	for len(q.priority) > 0 && q.priority[0].EnqueuedAt.Before(deadline) {
		q.priority = q.priority[1:]
		q.droppedStale++
	}
	for len(q.normal) > 0 && q.normal[0].EnqueuedAt.Before(deadline) {
		q.normal = q.normal[1:]
		q.droppedStale++
	}

	keep := q.failed[:0]
	for _, item := range q.failed {
		if item.EnqueuedAt.Before(deadline) {
			q.droppedStale++
			continue
		}
		keep = append(keep, item)
	}
	q.failed = keep
}

// Len returns the total queued count including the in-flight slot.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.priority) + len(q.normal) + len(q.failed)
	if q.sending != nil {
		n++
	}
	return n
}

// Snapshot returns depths and counters.
func (q *Queue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Priority:     len(q.priority),
		Normal:       len(q.normal),
		FailedRetry:  len(q.failed),
		Dropped:      q.dropped,
		DroppedStale: q.droppedStale,
		Dead:         q.dead,
		Delivered:    q.delivered,
	}
	if q.sending != nil {
		s.InFlight = 1
	}
	return s
}

// Drain closes the queue and hands back everything still undelivered in
// service order, the in-flight item first. Used at shutdown and when a
// reconnect window lapses.
func (q *Queue) Drain() []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	out := make([]*Item, 0, len(q.priority)+len(q.normal)+len(q.failed)+1)
	if q.sending != nil {
		out = append(out, q.sending)
		q.sending = nil
	}
	out = append(out, q.priority...)
	out = append(out, q.normal...)
	out = append(out, q.failed...)
	q.priority, q.normal, q.failed = nil, nil, nil
	q.signalLocked()
	return out
}

// Closed reports whether the queue has been drained.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
