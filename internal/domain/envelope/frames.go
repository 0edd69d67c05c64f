package envelope

import (
	"encoding/json"
	"fmt"
	"time"
)

// Flat frames: a few system messages cross the wire without the payload
// nesting of a regular envelope. Clients match on their top-level fields.

// HeartbeatPing is the liveness probe pushed to one connection.
type HeartbeatPing struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
	Sequence     uint64 `json:"sequence"`
	// IntervalSec tells the client the currently negotiated cadence.
	IntervalSec float64 `json:"interval,omitempty"`
}

// NewHeartbeatPing builds a ping probe for a connection.
func NewHeartbeatPing(connID string, seq uint64, interval time.Duration) *HeartbeatPing {
	return &HeartbeatPing{
		Type:         TypeHeartbeatPing,
		ConnectionID: connID,
		Timestamp:    time.Now().UnixMilli(),
		Sequence:     seq,
		IntervalSec:  interval.Seconds(),
	}
}

// Encode serialises the ping frame.
func (p *HeartbeatPing) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode ping: %w", err)
	}
	return data, nil
}

// Pong is the parsed form of a client liveness answer. Sequence and Timestamp
// are optional on the wire; zero values mean the client omitted them.
type Pong struct {
	ConnectionID string
	Sequence     uint64
	Timestamp    int64
}

// ParsePong extracts pong fields from a decoded frame. The fields may sit at
// the top level or under payload, depending on the client generation.
func ParsePong(m map[string]any) Pong {
	var p Pong
	read := func(src map[string]any) {
		if v, ok := src["connection_id"].(string); ok && p.ConnectionID == "" {
			p.ConnectionID = v
		}
		if v, ok := src["sequence"].(float64); ok && p.Sequence == 0 {
			p.Sequence = uint64(v)
		}
		if v, ok := src["timestamp"].(float64); ok && p.Timestamp == 0 {
			p.Timestamp = int64(v)
		}
	}
	read(m)
	if payload, ok := m["payload"].(map[string]any); ok {
		read(payload)
	}
	return p
}

// HeartbeatResponse answers a client-initiated ping.
type HeartbeatResponse struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"`
}

// NewHeartbeatResponse builds the answer to a client ping.
func NewHeartbeatResponse(connID string) *HeartbeatResponse {
	return &HeartbeatResponse{
		Type:         TypeHeartbeatResponse,
		ConnectionID: connID,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// Encode serialises the response frame.
func (r *HeartbeatResponse) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode heartbeat response: %w", err)
	}
	return data, nil
}

// ServerShutdown is the drain notice broadcast to every live connection when
// the process begins shutting down.
type ServerShutdown struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	CloseCode       int    `json:"close_code"`
	DrainTimeoutSec int    `json:"drain_timeout"`
	Timestamp       int64  `json:"timestamp"`
}

// NewServerShutdown builds the drain notice frame.
func NewServerShutdown(message string, drainTimeout time.Duration) *ServerShutdown {
	return &ServerShutdown{
		Type:            TypeServerShutdown,
		Message:         message,
		CloseCode:       CloseGoingAway,
		DrainTimeoutSec: int(drainTimeout.Seconds()),
		Timestamp:       time.Now().UnixMilli(),
	}
}

// Encode serialises the shutdown frame.
func (s *ServerShutdown) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("envelope: encode shutdown: %w", err)
	}
	return data, nil
}
