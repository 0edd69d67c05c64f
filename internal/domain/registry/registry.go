/*
Package registry tracks every live connection under three consistent indexes:
by connection id, by user and by room.

All three indexes mutate under one lock so a snapshot taken mid-churn never
shows a connection in a room index after it has been unregistered. Lookups
copy out slices; callers iterate without holding registry locks, which keeps
slow consumers from stalling registration.
*/
package registry

import (
	"errors"
	"sync"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
)

// Registrar defines the gateway for connection membership and lookups.
type Registrar interface {
	Register(rec *conn.Record) error
	Unregister(connID string) (*conn.Record, bool)
	Get(connID string) (*conn.Record, bool)
	ByUser(userID string) []*conn.Record
	ByRoom(room string) []*conn.Record
	JoinRoom(connID, room string) error
	LeaveRoom(connID, room string) error
	Snapshot() []*conn.Record
	Range(fn func(rec *conn.Record) bool)
	Len() int
	CountUser(userID string) int
	Users() int
	Rooms() map[string]int
}

var (
	ErrAlreadyRegistered = errors.New("registry: connection id already registered")
	ErrUnknownConnection = errors.New("registry: unknown connection id")
)

// Interface guard
var _ Registrar = (*Registry)(nil)

// Registry is the in-memory implementation. A single RWMutex guards all three
// maps; the write sections are short (map surgery only) and delivery work
// never happens under the lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*conn.Record
	byUser map[string]map[string]*conn.Record
	byRoom map[string]map[string]*conn.Record
}

func New() *Registry {
	return &Registry{
		conns:  make(map[string]*conn.Record),
		byUser: make(map[string]map[string]*conn.Record),
		byRoom: make(map[string]map[string]*conn.Record),
	}
}

// Register adds the record to the primary and user indexes. A duplicate
// connection id is a caller bug and is rejected rather than silently
// replaced, since replacement would orphan the previous transport.
func (r *Registry) Register(rec *conn.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[rec.ID]; ok {
		return ErrAlreadyRegistered
	}
	r.conns[rec.ID] = rec

	userSet, ok := r.byUser[rec.UserID]
	if !ok {
		// [LAZY_INIT] Create the user bucket only when the first connection arrives.
		userSet = make(map[string]*conn.Record, 1)
		r.byUser[rec.UserID] = userSet
	}
	userSet[rec.ID] = rec
	return nil
}

// Unregister removes the record from every index. Idempotent: a second call
// for the same id reports ok=false and does nothing, so teardown paths from
// the reader loop, the sender and the supervisor can all race safely.
func (r *Registry) Unregister(connID string) (*conn.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	delete(r.conns, connID)

	if userSet, ok := r.byUser[rec.UserID]; ok {
		delete(userSet, connID)
		if len(userSet) == 0 {
			// Purge the empty user bucket so the map does not grow unbounded.
			delete(r.byUser, rec.UserID)
		}
	}

	for _, room := range rec.Rooms() {
		r.dropFromRoom(room, connID)
	}
	return rec, true
}

// dropFromRoom removes one membership edge; callers hold the write lock.
func (r *Registry) dropFromRoom(room, connID string) {
	roomSet, ok := r.byRoom[room]
	if !ok {
		return
	}
	delete(roomSet, connID)
	if len(roomSet) == 0 {
		delete(r.byRoom, room)
	}
}

// Get looks up a single record by connection id.
func (r *Registry) Get(connID string) (*conn.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.conns[connID]
	return rec, ok
}

// ByUser returns all connections of one user. The result is a detached copy.
func (r *Registry) ByUser(userID string) []*conn.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUser[userID]
	out := make([]*conn.Record, 0, len(set))
	for _, rec := range set {
		out = append(out, rec)
	}
	return out
}

// ByRoom returns all connections joined to a room. The result is a detached
// copy taken under the read lock; dead members discovered during delivery are
// the broadcaster's problem, not the registry's.
func (r *Registry) ByRoom(room string) []*conn.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byRoom[room]
	out := make([]*conn.Record, 0, len(set))
	for _, rec := range set {
		out = append(out, rec)
	}
	return out
}

// JoinRoom links a known connection into a room, updating both the record's
// membership set and the room index atomically with respect to Unregister.
func (r *Registry) JoinRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if !rec.JoinRoom(room) {
		return nil
	}
	roomSet, ok := r.byRoom[room]
	if !ok {
		roomSet = make(map[string]*conn.Record, 1)
		r.byRoom[room] = roomSet
	}
	roomSet[connID] = rec
	return nil
}

// LeaveRoom unlinks a connection from a room. Unknown connections error;
// leaving a room the connection never joined is a no-op.
func (r *Registry) LeaveRoom(connID, room string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if rec.LeaveRoom(room) {
		r.dropFromRoom(room, connID)
	}
	return nil
}

// Snapshot returns every live record at a point in time. Broadcast and
// shutdown iterate this copy so registry churn during delivery cannot
// invalidate the walk.
func (r *Registry) Snapshot() []*conn.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn.Record, 0, len(r.conns))
	for _, rec := range r.conns {
		out = append(out, rec)
	}
	return out
}

// Range calls fn for each record of a snapshot until fn returns false.
func (r *Registry) Range(fn func(rec *conn.Record) bool) {
	for _, rec := range r.Snapshot() {
		if !fn(rec) {
			return
		}
	}
}

// Len returns the total connection count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountUser returns the connection count for one user.
func (r *Registry) CountUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// Users returns the number of distinct users with at least one connection.
func (r *Registry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Rooms returns room names with their member counts.
func (r *Registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.byRoom))
	for room, set := range r.byRoom {
		out[room] = len(set)
	}
	return out
}
