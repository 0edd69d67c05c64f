package amqp

import (
	"context"
	"errors"
	"fmt"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/service"
)

// SendUserV1 is the bus command for a single-user delivery.
type SendUserV1 struct {
	UserID          string         `json:"user_id"`
	Type            string         `json:"type"`
	Payload         map[string]any `json:"payload,omitempty"`
	Priority        int32          `json:"priority,omitempty"`
	Sender          string         `json:"sender,omitempty"`
	System          bool           `json:"system,omitempty"`
	DisplayedToUser bool           `json:"displayed_to_user,omitempty"`
}

func (c *SendUserV1) TargetUser() string { return c.UserID }

func (c *SendUserV1) ToDomain() *envelope.Envelope {
	env := envelope.New(c.Type, c.Payload).WithPriority(commandPriority(c.Priority))
	env.Sender = c.Sender
	env.System = c.System
	env.DisplayedToUser = c.DisplayedToUser
	return env
}

// SendRoomV1 is the bus command for a room broadcast.
type SendRoomV1 struct {
	Room     string         `json:"room"`
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int32          `json:"priority,omitempty"`
	Sender   string         `json:"sender,omitempty"`
}

func (c *SendRoomV1) ToDomain() *envelope.Envelope {
	env := envelope.New(c.Type, c.Payload).WithPriority(commandPriority(c.Priority))
	env.Sender = c.Sender
	return env
}

// BroadcastV1 is the bus command for a node-wide broadcast.
type BroadcastV1 struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload,omitempty"`
	Priority int32          `json:"priority,omitempty"`
	System   bool           `json:"system,omitempty"`
}

func (c *BroadcastV1) ToDomain() *envelope.Envelope {
	env := envelope.New(c.Type, c.Payload).WithPriority(commandPriority(c.Priority))
	env.System = c.System
	return env
}

// commandPriority maps the wire priority onto a routing tier, defaulting to
// normal on anything out of range.
func commandPriority(p int32) envelope.Priority {
	switch envelope.Priority(p) {
	case envelope.PriorityLow, envelope.PriorityNormal, envelope.PriorityHigh:
		return envelope.Priority(p)
	default:
		return envelope.PriorityNormal
	}
}

// [ON_SEND_USER]
// Delivers one envelope to every session the user holds on this node.
func (h *CommandHandler) OnSendUserV1(ctx context.Context, cmd *SendUserV1) error {
	if cmd.UserID == "" || cmd.Type == "" {
		h.logger.Warn("COMMAND_REJECTED: user_id and type required", "topic", TopicSendUser)
		return nil // ACK: a malformed command is terminal.
	}

	err := h.fabric.SendToUser(ctx, cmd.UserID, cmd.ToDomain())
	switch {
	case errors.Is(err, service.ErrNotConnected):
		// The user left between the locality check and the send.
		h.logger.Debug("COMMAND_SKIPPED: user gone", "user_id", cmd.UserID)
		return nil
	case err != nil:
		return fmt.Errorf("send.user %s: %w", cmd.UserID, err)
	}
	return nil
}

// [ON_SEND_ROOM]
// Fans an envelope out to the room members connected to this node. Nodes
// without members see an empty snapshot and the command costs them nothing.
func (h *CommandHandler) OnSendRoomV1(ctx context.Context, cmd *SendRoomV1) error {
	if cmd.Room == "" || cmd.Type == "" {
		h.logger.Warn("COMMAND_REJECTED: room and type required", "topic", TopicSendRoom)
		return nil
	}

	res := h.fabric.BroadcastRoom(ctx, cmd.Room, cmd.ToDomain())
	h.logger.Debug("ROOM_COMMAND_DONE",
		"room", cmd.Room,
		"targets", res.Targets,
		"delivered", res.Delivered,
		"failed", res.Failed)
	return nil
}

// [ON_BROADCAST]
// Fans an envelope out to every writable session on this node.
func (h *CommandHandler) OnBroadcastV1(ctx context.Context, cmd *BroadcastV1) error {
	if cmd.Type == "" {
		h.logger.Warn("COMMAND_REJECTED: type required", "topic", TopicBroadcast)
		return nil
	}

	res := h.fabric.BroadcastAll(ctx, cmd.ToDomain())
	h.logger.Debug("BROADCAST_COMMAND_DONE",
		"targets", res.Targets,
		"delivered", res.Delivered,
		"failed", res.Failed)
	return nil
}
