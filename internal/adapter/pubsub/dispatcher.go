// Package pubsub adapts the fabric's outbound events and inbound command
// subscriptions onto watermill, keeping the handler layer agnostic of the
// transport implementation.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/relaygrid/session-fabric/internal/domain/event"
	"github.com/relaygrid/session-fabric/internal/service"
)

// EventDispatcher is the outbound half of the bus: fabric lifecycle events
// flow through it to the topic exchange.
type EventDispatcher interface {
	Publish(ctx context.Context, ev event.Eventer) error
	Publisher() message.Publisher
}

// Interface guards
var (
	_ EventDispatcher   = (*eventDispatcher)(nil)
	_ service.EventSink = (*eventDispatcher)(nil)
)

type eventDispatcher struct {
	publisher message.Publisher
	logger    *slog.Logger
}

func NewEventDispatcher(pub message.Publisher, logger *slog.Logger) EventDispatcher {
	return &eventDispatcher{publisher: pub, logger: logger}
}

// busEvent is the wire shape. Domain events keep their fields unexported, so
// the dispatcher flattens them through the getters instead of marshalling the
// event struct directly.
type busEvent struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	UserID     string `json:"user_id,omitempty"`
	Priority   int32  `json:"priority"`
	OccurredAt int64  `json:"occurred_at"`
	Payload    any    `json:"payload,omitempty"`
}

func (d *eventDispatcher) Publish(ctx context.Context, ev event.Eventer) error {
	if ev == nil {
		return fmt.Errorf("pubsub: cannot publish nil event")
	}

	exp, ok := ev.(event.Exportable)
	if !ok {
		return nil // node-local event, nothing to export
	}
	topic := exp.GetRoutingKey()
	if topic == "" {
		return nil // event not ready for export
	}

	payload, err := d.encode(ev)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("kind", ev.GetKind().String())

	if err := d.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("pubsub: publish to %s: %w", topic, err)
	}

	d.logger.Debug("EVENT_PUBLISHED",
		"topic", topic,
		"event_id", ev.GetID(),
		"user_id", ev.GetUserID())
	return nil
}

// encode serialises once per event; repeat publishes reuse the cached bytes.
func (d *eventDispatcher) encode(ev event.Eventer) ([]byte, error) {
	if cached, ok := ev.GetCached().([]byte); ok {
		return cached, nil
	}

	data, err := json.Marshal(busEvent{
		ID:         ev.GetID(),
		Kind:       ev.GetKind().String(),
		UserID:     ev.GetUserID(),
		Priority:   int32(ev.GetPriority()),
		OccurredAt: ev.GetOccurredAt(),
		Payload:    ev.GetPayload(),
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub: marshal %s: %w", ev.GetKind(), err)
	}
	ev.SetCached(data)
	return data, nil
}

func (d *eventDispatcher) Publisher() message.Publisher {
	return d.publisher
}
