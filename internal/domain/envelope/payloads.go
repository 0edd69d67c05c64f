package envelope

import (
	"fmt"
	"time"
)

// ErrorPayload is the body of every "error" frame. Code and Field are only
// present when the producer supplied them; Details carries free-form context.
type ErrorPayload struct {
	Error       string         `json:"error"`
	ErrorType   string         `json:"error_type"`
	Code        string         `json:"code,omitempty"`
	Field       string         `json:"field,omitempty"`
	Timestamp   int64          `json:"timestamp"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// NewError builds a high-priority, user-visible system error frame.
func NewError(msg, errType, code, field string, recoverable bool, details map[string]any) *Envelope {
	ev := NewSystem(TypeError, &ErrorPayload{
		Error:       msg,
		ErrorType:   errType,
		Code:        code,
		Field:       field,
		Timestamp:   time.Now().UnixMilli(),
		Recoverable: recoverable,
		Details:     details,
	})
	ev.DisplayedToUser = true
	return ev.WithPriority(PriorityHigh)
}

// NewUnknownTypeFallback wraps a frame of unrecognised type so the client
// still receives a well-formed answer in lenient mode. The original type and
// payload ride along so the client can decide what to do with them.
func NewUnknownTypeFallback(origType string, origPayload any) *Envelope {
	return NewSystem(TypeError, map[string]any{
		"error":            fmt.Sprintf("Unknown message type: %s", origType),
		"original_type":    origType,
		"original_payload": origPayload,
		"fallback_applied": true,
		"timestamp":        time.Now().UnixMilli(),
	}).WithPriority(PriorityHigh)
}

// LogPayload is the body of a "log" frame pushed to developer consoles.
type LogPayload struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// NewLog builds a low-priority log frame.
func NewLog(level, message string, context map[string]any) *Envelope {
	return New(TypeLog, &LogPayload{
		Level:   level,
		Message: message,
		Context: context,
	}).WithPriority(PriorityLow)
}

// ToolCallPayload mirrors an agent tool invocation to the client.
type ToolCallPayload struct {
	CallID string         `json:"call_id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// NewToolCall builds a tool_call frame.
func NewToolCall(callID, tool string, args map[string]any) *Envelope {
	return New(TypeToolCall, &ToolCallPayload{CallID: callID, Tool: tool, Args: args})
}

// ToolResultPayload carries the outcome of a previously surfaced tool call.
type ToolResultPayload struct {
	CallID string `json:"call_id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewToolResult builds a tool_result frame.
func NewToolResult(callID string, result any, errMsg string) *Envelope {
	return New(TypeToolResult, &ToolResultPayload{CallID: callID, Result: result, Error: errMsg})
}

// SubAgentUpdatePayload reports sub-agent progress.
type SubAgentUpdatePayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Detail  any    `json:"detail,omitempty"`
}

// NewSubAgentUpdate builds a sub_agent_update frame.
func NewSubAgentUpdate(agentID, status string, detail any) *Envelope {
	return New(TypeSubAgentUpdate, &SubAgentUpdatePayload{AgentID: agentID, Status: status, Detail: detail})
}

// ConnectedPayload acknowledges a finished handshake to the client. The
// resume token must be presented on a later reconnect to pick the session
// back up, so it travels here, before any drop can happen.
type ConnectedPayload struct {
	Ok            bool   `json:"ok"`
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version,omitempty"`
	ResumeToken   string `json:"resume_token,omitempty"`
	Resumed       bool   `json:"resumed,omitempty"`
	ReplayPending int    `json:"replay_pending,omitempty"`
}

// NewConnected builds the post-handshake acknowledgement.
func NewConnected(connID, version, resumeToken string, resumed bool, replayPending int) *Envelope {
	return NewSystem(TypeConnected, &ConnectedPayload{
		Ok:            true,
		ConnectionID:  connID,
		ServerVersion: version,
		ResumeToken:   resumeToken,
		Resumed:       resumed,
		ReplayPending: replayPending,
	}).WithPriority(PriorityHigh)
}

// DisconnectedPayload is emitted on the event bus when a session ends.
type DisconnectedPayload struct {
	Reason string `json:"reason"`
	Code   int    `json:"code"`
}
