package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeStampsTimestamp(t *testing.T) {
	ev := New(TypeLog, map[string]any{"k": "v"})
	ev.Timestamp = 0

	raw, err := ev.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeLog, decoded["type"])
	assert.Greater(t, decoded["timestamp"].(float64), float64(0))
}

func TestPriorityNeverSerialized(t *testing.T) {
	ev := New("agent_message", map[string]any{"text": "hi"}).WithPriority(PriorityHigh)

	raw, err := ev.Encode()
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "priority")
	assert.NotContains(t, string(raw), "Priority")
}

func TestNormalize(t *testing.T) {
	id := uuid.New()
	at := time.Date(2025, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"nil", nil, nil},
		{"time", at, at.UnixMilli()},
		{"uuid", id, id.String()},
		{"duration", 1500 * time.Millisecond, int64(1500)},
		{"string passthrough", "plain", "plain"},
		{
			"nested map",
			map[string]any{"at": at, "items": []any{id}},
			map[string]any{"at": at.UnixMilli(), "items": []any{id.String()}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestNewErrorShape(t *testing.T) {
	ev := NewError("invalid input", "validation", "too_long", "content", true, map[string]any{"max": 10})

	require.Equal(t, TypeError, ev.Type)
	assert.True(t, ev.System)
	assert.True(t, ev.DisplayedToUser)
	assert.Equal(t, PriorityHigh, ev.Priority)

	p, ok := ev.Payload.(*ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, "invalid input", p.Error)
	assert.Equal(t, "validation", p.ErrorType)
	assert.Equal(t, "too_long", p.Code)
	assert.Equal(t, "content", p.Field)
	assert.True(t, p.Recoverable)
	assert.NotZero(t, p.Timestamp)
}

func TestUnknownTypeFallbackShape(t *testing.T) {
	ev := NewUnknownTypeFallback("wormhole_sync", map[string]any{"x": 1})

	require.Equal(t, TypeError, ev.Type)
	assert.True(t, ev.System)

	body, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Unknown message type: wormhole_sync", body["error"])
	assert.Equal(t, "wormhole_sync", body["original_type"])
	assert.Equal(t, map[string]any{"x": 1}, body["original_payload"])
	assert.Equal(t, true, body["fallback_applied"])
	assert.NotZero(t, body["timestamp"])
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	require.Error(t, err)

	m, err := Decode([]byte(`{"type":"heartbeat_pong","connection_id":"c1","sequence":4}`))
	require.NoError(t, err)
	typ, ok := TypeOf(m)
	require.True(t, ok)
	assert.Equal(t, TypeHeartbeatPong, typ)
}

func TestHeartbeatPingFlatShape(t *testing.T) {
	ping := NewHeartbeatPing("conn-7", 7, 45*time.Second)

	raw, err := ping.Encode()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, TypeHeartbeatPing, m["type"])
	assert.Equal(t, "conn-7", m["connection_id"])
	assert.Equal(t, float64(7), m["sequence"])
	assert.NotZero(t, m["timestamp"])
}

func TestParsePongTopLevelAndPayload(t *testing.T) {
	top := map[string]any{
		"type": TypeHeartbeatPong, "connection_id": "c1",
		"sequence": float64(3), "timestamp": float64(1700000000000),
	}
	p := ParsePong(top)
	assert.Equal(t, "c1", p.ConnectionID)
	assert.Equal(t, uint64(3), p.Sequence)
	assert.Equal(t, int64(1700000000000), p.Timestamp)

	nested := map[string]any{
		"type":    TypeHeartbeatResponse,
		"payload": map[string]any{"connection_id": "c2", "sequence": float64(9)},
	}
	p = ParsePong(nested)
	assert.Equal(t, "c2", p.ConnectionID)
	assert.Equal(t, uint64(9), p.Sequence)
}

func TestServerShutdownFlatShape(t *testing.T) {
	frame := NewServerShutdown("Server shutdown", 30*time.Second)

	raw, err := frame.Encode()
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, TypeServerShutdown, m["type"])
	assert.Equal(t, "Server shutdown", m["message"])
	assert.Equal(t, float64(CloseGoingAway), m["close_code"])
	assert.Equal(t, float64(30), m["drain_timeout"])
	assert.NotZero(t, m["timestamp"])
}
