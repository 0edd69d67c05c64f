package amqp

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DomainHandler defines the functional signature for business logic.
type DomainHandler[T any] func(ctx context.Context, cmd *T) error

// localized is implemented by commands addressed to a single user; the bridge
// drops them early when that user holds no session on this node.
type localized interface {
	TargetUser() string
}

// [INFRASTRUCTURE_BRIDGE]
// Bind connects watermill to domain logic, handling Panic Recovery, Decoding
// and Locality. Returning an error NACKs the message into the retry policy;
// returning nil acknowledges it as terminal.
func Bind[T any](h *CommandHandler, fn DomainHandler[T]) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [DECODING]
		cmd := new(T)
		if err := json.Unmarshal(msg.Payload, cmd); err != nil {
			h.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [LOCALITY_FILTER]
		// Distributed scaling: user-addressed commands run only on the node
		// holding that user's sessions.
		if l, ok := any(cmd).(localized); ok {
			if uid := l.TargetUser(); uid != "" && !h.fabric.UserConnected(uid) {
				return nil // ACK: Handled by another instance.
			}
		}

		// [EXECUTION]
		if err := fn(msg.Context(), cmd); err != nil {
			return err // NACK: Business failure triggers Retry policy.
		}
		return nil
	}
}
