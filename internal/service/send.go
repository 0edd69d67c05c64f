package service

import (
	"context"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

// Typed send helpers: thin constructors over SendToUser so callers never
// hand-build wire payloads. Priorities come from the envelope constructors;
// errors ride high and preempt the queue, logs ride low and batch behind it.

// SendError pushes a user-visible error frame.
func (f *Fabric) SendError(ctx context.Context, userID, message, errType string, recoverable bool) error {
	return f.SendToUser(ctx, userID, envelope.NewError(message, errType, "", "", recoverable, nil))
}

// SendLog pushes a developer-console log frame.
func (f *Fabric) SendLog(ctx context.Context, userID, level, message string, fields map[string]any) error {
	return f.SendToUser(ctx, userID, envelope.NewLog(level, message, fields))
}

// SendToolCall announces a tool invocation to the user's sessions.
func (f *Fabric) SendToolCall(ctx context.Context, userID, callID, tool string, args map[string]any) error {
	return f.SendToUser(ctx, userID, envelope.NewToolCall(callID, tool, args))
}

// SendToolResult delivers a tool invocation's outcome.
func (f *Fabric) SendToolResult(ctx context.Context, userID, callID string, result any, errMsg string) error {
	return f.SendToUser(ctx, userID, envelope.NewToolResult(callID, result, errMsg))
}

// SendSubAgentUpdate reports a sub-agent lifecycle change.
func (f *Fabric) SendSubAgentUpdate(ctx context.Context, userID, agentID, status string, detail any) error {
	return f.SendToUser(ctx, userID, envelope.NewSubAgentUpdate(agentID, status, detail))
}
