// Package envelope defines the JSON wire contract shared by every transport
// (websocket, long-poll, bus ingestion). All traffic between the fabric and a
// client is a single Envelope shape; specialised frames (heartbeats, chunks,
// shutdown notices, errors) are expressed as typed payload constructors so the
// rest of the codebase never assembles raw maps.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority steers routing: everything below the configured threshold flows
// through the per-user queue, everything at or above it is written directly.
type Priority int32

const (
	PriorityLow    Priority = 10
	PriorityNormal Priority = 20
	PriorityHigh   Priority = 30
)

// Message type tags understood by the fabric itself. Anything else is either
// an application type (forwarded to the backend handler) or unknown.
const (
	TypeError             = "error"
	TypeLog               = "log"
	TypeToolCall          = "tool_call"
	TypeToolResult        = "tool_result"
	TypeSubAgentUpdate    = "sub_agent_update"
	TypeAgentMessage      = "agent_message"
	TypeHeartbeatPing     = "heartbeat_ping"
	TypeHeartbeatPong     = "heartbeat_pong"
	TypeHeartbeatResponse = "heartbeat_response"
	TypeServerShutdown    = "server_shutdown"
	TypeChunk             = "chunk"
	TypeUploadProgress    = "upload_progress"
	TypeConnected         = "connected"
	TypeDisconnected      = "disconnected"
	TypeJoinRoom          = "join_room"
	TypeLeaveRoom         = "leave_room"
)

// State-sync family: handled by the state-sync collaborator, never forwarded
// to the generic application handler.
const (
	TypeGetCurrentState    = "get_current_state"
	TypeStateUpdate        = "state_update"
	TypePartialStateUpdate = "partial_state_update"
	TypeClientStateUpdate  = "client_state_update"
)

// Websocket close codes used by the fabric.
const (
	CloseNormal      = 1000
	CloseGoingAway   = 1001
	CloseAuthFailed  = 4401
	CloseRateLimited = 4429
)

// Envelope is the outbound server frame: {type, payload, timestamp,
// displayed_to_user?, sender?, system?}. Priority never crosses the wire.
type Envelope struct {
	Type            string `json:"type"`
	Payload         any    `json:"payload,omitempty"`
	Timestamp       int64  `json:"timestamp"`
	DisplayedToUser bool   `json:"displayed_to_user,omitempty"`
	Sender          string `json:"sender,omitempty"`
	System          bool   `json:"system,omitempty"`

	Priority Priority `json:"-"`
}

// New builds a normal-priority envelope stamped with the current time.
func New(msgType string, payload any) *Envelope {
	return &Envelope{
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Priority:  PriorityNormal,
	}
}

// NewSystem builds a system-flagged envelope (errors, shutdown notices).
func NewSystem(msgType string, payload any) *Envelope {
	ev := New(msgType, payload)
	ev.System = true
	return ev
}

// WithPriority returns the envelope with its routing priority set.
func (e *Envelope) WithPriority(p Priority) *Envelope {
	e.Priority = p
	return e
}

// WithSender returns the envelope attributed to a sender identity.
func (e *Envelope) WithSender(sender string) *Envelope {
	e.Sender = sender
	return e
}

// Encode serialises the envelope, stamping the timestamp when unset and
// normalising payload values that encoding/json cannot round-trip cleanly.
func (e *Envelope) Encode() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	e.Payload = Normalize(e.Payload)
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode %q: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses a raw client frame into a generic mapping. The fabric works
// on mappings for inbound traffic because client payloads are open-ended.
func Decode(raw []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	return m, nil
}

// TypeOf extracts the mandatory "type" field from a decoded frame.
func TypeOf(m map[string]any) (string, bool) {
	t, ok := m["type"].(string)
	return t, ok && t != ""
}

// Normalize rewrites payload values into JSON-serialisable forms: timestamps
// become unix milliseconds, durations milliseconds, UUIDs strings. Maps and
// slices are walked recursively; everything else passes through untouched.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case time.Time:
		return val.UnixMilli()
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UnixMilli()
	case time.Duration:
		return val.Milliseconds()
	case uuid.UUID:
		return val.String()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	default:
		return v
	}
}
