// Package conn holds the per-connection record: identity, transport handle,
// lifecycle state and liveness counters. Records are shared between the
// registry, the heartbeat supervisor and the sender, so every mutable field
// is safe for concurrent access.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Transport abstracts the socket under a connection so websocket and
// long-poll sessions share one record type. Implementations must tolerate
// Close being called more than once.
type Transport interface {
	// WriteMessage pushes one encoded frame; it must respect ctx deadlines.
	WriteMessage(ctx context.Context, data []byte) error
	// Close ends the transport with a protocol close code and reason.
	Close(code int, reason string) error
	// Kind names the transport ("websocket", "longpoll") for logs and stats.
	Kind() string
}

// Meta is the immutable client context captured at handshake time.
type Meta struct {
	UserAgent   string
	RemoteAddr  string
	Subprotocol string
	// Compression is the codec negotiated for this connection's large
	// frames; empty means the server default.
	Compression string
	Resumed     bool
}

// ErrInvalidTransition is wrapped by Transition when the lifecycle graph
// forbids the requested edge.
var ErrInvalidTransition = fmt.Errorf("conn: invalid state transition")

// Record is one live connection. Counters are atomics, room membership sits
// behind its own lock, and the transport is written only by the owning
// sender pump.
type Record struct {
	ID          string
	UserID      string
	ConnectedAt time.Time
	Meta        Meta

	transport Transport

	state     atomic.Int32
	closing   atomic.Bool
	closingAt atomic.Int64
	lastPong  atomic.Int64
	lastPing  atomic.Int64
	lastSend  atomic.Int64
	lastRecv  atomic.Int64

	sent     atomic.Uint64
	received atomic.Uint64
	errors   atomic.Uint64
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64

	missedPongs atomic.Int32
	rttMicros   atomic.Int64

	pingSeq atomic.Uint64

	mu    sync.RWMutex
	rooms map[string]struct{}
}

// New creates a record in the connecting state with a fresh connection id.
// The id keeps a time-sortable prefix so log streams order naturally.
func New(userID string, t Transport, meta Meta) *Record {
	now := time.Now()
	r := &Record{
		ID:          fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8]),
		UserID:      userID,
		ConnectedAt: now,
		Meta:        meta,
		transport:   t,
		rooms:       make(map[string]struct{}),
	}
	r.state.Store(int32(StateConnecting))
	r.lastPong.Store(now.UnixNano())
	return r
}

// Transport returns the underlying socket handle.
func (r *Record) Transport() Transport { return r.transport }

// State returns the current lifecycle state.
func (r *Record) State() State { return State(r.state.Load()) }

// Transition moves the record along one lifecycle edge. The compare-and-set
// retries on concurrent movement and fails only when the edge is genuinely
// illegal from whatever state the record settled in; of two racing callers
// exactly one wins and the loser observes the new state.
func (r *Record) Transition(to State) error {
	for {
		cur := State(r.state.Load())
		if cur == to {
			return nil
		}
		if !allowed(cur, to) {
			return fmt.Errorf("%w: %s -> %s (conn %s)", ErrInvalidTransition, cur, to, r.ID)
		}
		if r.state.CompareAndSwap(int32(cur), int32(to)) {
			if to == StateClosing || to == StateDraining {
				r.closing.Store(true)
			}
			if to == StateClosing {
				r.closingAt.Store(time.Now().UnixNano())
			}
			return nil
		}
	}
}

// Activate completes the handshake, moving the record out of connecting.
func (r *Record) Activate() error {
	return r.Transition(StateActive)
}

// Fail force-marks the record failed regardless of its current state.
func (r *Record) Fail() {
	if r.State() != StateClosed {
		r.state.Store(int32(StateFailed))
		r.closing.Store(true)
	}
}

// Closing reports whether teardown has begun (draining counts as closing for
// admission purposes, not for writes).
func (r *Record) Closing() bool { return r.closing.Load() }

// TouchPong records client liveness and clears the missed-pong streak.
func (r *Record) TouchPong(at time.Time) {
	r.lastPong.Store(at.UnixNano())
	r.missedPongs.Store(0)
}

// LastPong returns the most recent liveness signal.
func (r *Record) LastPong() time.Time {
	return time.Unix(0, r.lastPong.Load())
}

// TouchPing records when the supervisor last probed this connection.
func (r *Record) TouchPing(at time.Time) {
	r.lastPing.Store(at.UnixNano())
}

// LastPing returns the most recent probe time; zero when never probed.
func (r *Record) LastPing() time.Time {
	if v := r.lastPing.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// MissPong bumps the consecutive missed-pong streak and returns it.
func (r *Record) MissPong() int {
	return int(r.missedPongs.Add(1))
}

// MissedPongs returns the current consecutive missed-pong streak.
func (r *Record) MissedPongs() int {
	return int(r.missedPongs.Load())
}

// ObserveRTT folds one round-trip sample into the smoothed estimate
// (exponential moving average, newest sample weighted at 30%).
func (r *Record) ObserveRTT(sample time.Duration) {
	for {
		prev := r.rttMicros.Load()
		next := sample.Microseconds()
		if prev != 0 {
			next = (3*next + 7*prev) / 10
		}
		if r.rttMicros.CompareAndSwap(prev, next) {
			return
		}
	}
}

// RTT returns the smoothed round-trip estimate; zero when no sample yet.
func (r *Record) RTT() time.Duration {
	return time.Duration(r.rttMicros.Load()) * time.Microsecond
}

// TouchSend records the most recent successful outbound write.
func (r *Record) TouchSend(at time.Time) {
	r.lastSend.Store(at.UnixNano())
}

// LastSend returns the most recent successful outbound write time.
func (r *Record) LastSend() time.Time {
	if v := r.lastSend.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return r.ConnectedAt
}

// NextPingSeq hands out monotonically increasing heartbeat sequence numbers.
func (r *Record) NextPingSeq() uint64 { return r.pingSeq.Add(1) }

// CountSent adds one outbound frame of the given size.
func (r *Record) CountSent(bytes int) {
	r.sent.Add(1)
	r.bytesOut.Add(uint64(bytes))
}

// CountReceived adds one inbound frame of the given size.
func (r *Record) CountReceived(bytes int) {
	r.received.Add(1)
	r.bytesIn.Add(uint64(bytes))
}

// TouchRecv records the most recent inbound frame of any kind.
func (r *Record) TouchRecv(at time.Time) {
	r.lastRecv.Store(at.UnixNano())
}

// LastRecv returns the most recent inbound frame time.
func (r *Record) LastRecv() time.Time {
	if v := r.lastRecv.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return r.ConnectedAt
}

// Idle reports whether the client has shown no life at all, neither frames
// nor pongs, for longer than after.
func (r *Record) Idle(now time.Time, after time.Duration) bool {
	last := r.LastRecv()
	if pong := r.LastPong(); pong.After(last) {
		last = pong
	}
	return now.Sub(last) > after
}

// CountError increments the transient-error counter.
func (r *Record) CountError() { r.errors.Add(1) }

// Counters returns sent, received and error totals.
func (r *Record) Counters() (sent, received, errors uint64) {
	return r.sent.Load(), r.received.Load(), r.errors.Load()
}

// Bytes returns inbound and outbound byte totals.
func (r *Record) Bytes() (in, out uint64) {
	return r.bytesIn.Load(), r.bytesOut.Load()
}

// RestoreCounters seeds the totals from a previous session of the same user,
// used when a reconnecting client resumes its identity.
func (r *Record) RestoreCounters(sent, received, errors uint64) {
	r.sent.Store(sent)
	r.received.Store(received)
	r.errors.Store(errors)
}

// Ghost reports whether the record no longer represents a serviceable
// client: it failed, or it has been stuck in closing longer than stuckAfter.
// The clock starts at the moment the record entered closing, not at its last
// write; a connection quiet before teardown is not penalized for it.
func (r *Record) Ghost(now time.Time, stuckAfter time.Duration) bool {
	switch r.State() {
	case StateFailed:
		return true
	case StateClosing:
		since := r.LastSend()
		if v := r.closingAt.Load(); v != 0 {
			since = time.Unix(0, v)
		}
		return now.Sub(since) > stuckAfter
	default:
		return false
	}
}

// CleanupEligible reports whether the sweeper may remove this record.
func (r *Record) CleanupEligible(now time.Time, stuckAfter time.Duration) bool {
	s := r.State()
	return s == StateFailed || s == StateClosed || r.Ghost(now, stuckAfter)
}

// Healthy reports whether the record counts toward the healthy side of the
// health score: writable and seen alive within staleAfter.
func (r *Record) Healthy(now time.Time, staleAfter time.Duration) bool {
	return r.State().Writable() && now.Sub(r.LastPong()) <= staleAfter
}

// JoinRoom adds the connection to a room. Returns false when already joined.
func (r *Record) JoinRoom(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; ok {
		return false
	}
	r.rooms[room] = struct{}{}
	return true
}

// LeaveRoom removes the connection from a room. Returns false when absent.
func (r *Record) LeaveRoom(room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room]; !ok {
		return false
	}
	delete(r.rooms, room)
	return true
}

// InRoom reports room membership.
func (r *Record) InRoom(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

// Rooms returns a copy of the membership set.
func (r *Record) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	return out
}

// Info is a point-in-time snapshot used by stats surfaces; it carries no
// references back into the live record.
type Info struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	State       string    `json:"state"`
	Transport   string    `json:"transport"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	Subprotocol string    `json:"subprotocol,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPong    time.Time `json:"last_pong"`
	RTTMillis   int64     `json:"rtt_ms"`
	MissedPongs int       `json:"missed_pongs"`
	Sent        uint64    `json:"sent"`
	Received    uint64    `json:"received"`
	Errors      uint64    `json:"errors"`
	BytesIn     uint64    `json:"bytes_in"`
	BytesOut    uint64    `json:"bytes_out"`
	Rooms       []string  `json:"rooms,omitempty"`
}

// Snapshot captures the record for reporting.
func (r *Record) Snapshot() Info {
	sent, received, errors := r.Counters()
	in, out := r.Bytes()
	return Info{
		ID:          r.ID,
		UserID:      r.UserID,
		State:       r.State().String(),
		Transport:   r.transport.Kind(),
		RemoteAddr:  r.Meta.RemoteAddr,
		UserAgent:   r.Meta.UserAgent,
		Subprotocol: r.Meta.Subprotocol,
		ConnectedAt: r.ConnectedAt,
		LastPong:    r.LastPong(),
		RTTMillis:   r.RTT().Milliseconds(),
		MissedPongs: r.MissedPongs(),
		Sent:        sent,
		Received:    received,
		Errors:      errors,
		BytesIn:     in,
		BytesOut:    out,
		Rooms:       r.Rooms(),
	}
}
