package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// [GUARD] Ensure compliance with the Eventer interface.
var (
	_ Eventer    = (*SessionEvent)(nil)
	_ Exportable = (*SessionEvent)(nil)
)

// SessionEvent is the envelope for connection lifecycle signals published to
// the bus so sibling nodes and downstream consumers can observe the fabric.
type SessionEvent struct {
	id         string
	userID     string
	kind       Kind
	priority   Priority
	occurredAt int64
	payload    any
	cached     any // transport-specific serialization cache
}

func (e *SessionEvent) GetID() string         { return e.id }
func (e *SessionEvent) GetKind() Kind         { return e.kind }
func (e *SessionEvent) GetUserID() string     { return e.userID }
func (e *SessionEvent) GetPriority() Priority { return e.priority }
func (e *SessionEvent) GetOccurredAt() int64  { return e.occurredAt }
func (e *SessionEvent) GetPayload() any       { return e.payload }
func (e *SessionEvent) GetCached() any        { return e.cached }
func (e *SessionEvent) SetCached(v any)       { e.cached = v }

// GetRoutingKey generates the bus routing topic.
// [PATTERN] fabric.v1.{kind}
func (e *SessionEvent) GetRoutingKey() string {
	return fmt.Sprintf("fabric.v1.%s", e.kind)
}

func newSessionEvent(userID string, kind Kind, priority Priority, payload any) *SessionEvent {
	return &SessionEvent{
		id:         uuid.NewString(),
		userID:     userID,
		kind:       kind,
		priority:   priority,
		occurredAt: time.Now().UnixMilli(),
		payload:    payload,
	}
}

// ConnectedPayload rides on a SessionConnected event.
type ConnectedPayload struct {
	ConnID    string `json:"conn_id"`
	UserID    string `json:"user_id"`
	Transport string `json:"transport"`
	Resumed   bool   `json:"resumed"`
}

// NewSessionConnectedV1 signals a finished handshake.
func NewSessionConnectedV1(userID, connID, transport string, resumed bool) *SessionEvent {
	return newSessionEvent(userID, SessionConnected, PriorityNormal, ConnectedPayload{
		ConnID:    connID,
		UserID:    userID,
		Transport: transport,
		Resumed:   resumed,
	})
}

// ClosedPayload rides on a SessionClosed event.
type ClosedPayload struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	Code     int    `json:"code"`
	Reason   string `json:"reason"`
	Clean    bool   `json:"clean"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Errors   uint64 `json:"errors"`
}

// NewSessionClosedV1 signals a teardown, clean or not.
func NewSessionClosedV1(userID, connID string, code int, reason string, clean bool, sent, received, errors uint64) *SessionEvent {
	return newSessionEvent(userID, SessionClosed, PriorityNormal, ClosedPayload{
		ConnID:   connID,
		UserID:   userID,
		Code:     code,
		Reason:   reason,
		Clean:    clean,
		Sent:     sent,
		Received: received,
		Errors:   errors,
	})
}

// ZombiePayload rides on a ZombieReaped event.
type ZombiePayload struct {
	ConnID   string `json:"conn_id"`
	UserID   string `json:"user_id"`
	Misses   int    `json:"misses"`
	LastSeen int64  `json:"last_seen"`
}

// NewZombieReapedV1 signals a liveness reap.
func NewZombieReapedV1(userID, connID string, misses int, lastSeen time.Time) *SessionEvent {
	return newSessionEvent(userID, ZombieReaped, PriorityHigh, ZombiePayload{
		ConnID:   connID,
		UserID:   userID,
		Misses:   misses,
		LastSeen: lastSeen.UnixMilli(),
	})
}

// NewShutdownCompletedV1 publishes the final shutdown report. The payload is
// the report document itself.
func NewShutdownCompletedV1(report any) *SessionEvent {
	return newSessionEvent("", ShutdownCompleted, PriorityHigh, report)
}
