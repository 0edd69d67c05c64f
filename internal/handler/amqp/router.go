// Package amqp ingests delivery commands from the message bus. The
// application backend publishes a command to the topic exchange and every
// fabric node consumes it through its own transient queue; the locality
// filter in the bind bridge decides which node actually delivers.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/google/uuid"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/internal/adapter/pubsub"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/service"
)

const (
	// ------------------- TOPICS (ROUTING KEYS) -----------------
	TopicSendUser  = "fabric.send.user"
	TopicSendRoom  = "fabric.send.room"
	TopicBroadcast = "fabric.broadcast"
	PoisonTopic    = "fabric.cmd.poison"

	// ------------------- QUEUES (CONSUMERS) --------------------
	CommandQueue = "command-processor.v1"
)

// Delivery is the slice of the session fabric the bus commands drive.
type Delivery interface {
	UserConnected(userID string) bool
	SendToUser(ctx context.Context, userID string, env *envelope.Envelope) error
	BroadcastRoom(ctx context.Context, room string, env *envelope.Envelope) service.BroadcastResult
	BroadcastAll(ctx context.Context, env *envelope.Envelope) service.BroadcastResult
}

type CommandHandler struct {
	fabric     Delivery
	logger     *slog.Logger
	dispatcher pubsub.EventDispatcher
	exchange   string
	queueBase  string
}

func NewCommandHandler(cfg *config.Config, fabric Delivery, logger *slog.Logger, dispatcher pubsub.EventDispatcher) *CommandHandler {
	return &CommandHandler{
		fabric:     fabric,
		logger:     logger,
		dispatcher: dispatcher,
		exchange:   cfg.Broker.Exchange,
		queueBase:  fmt.Sprintf("%s.%s", cfg.Broker.QueuePrefix, CommandQueue),
	}
}

// [REGISTRATION_PIPELINE]
func (h *CommandHandler) RegisterHandlers(router *message.Router, subProvider *pubsub.SubscriberProvider) error {
	poison, err := middleware.PoisonQueue(h.dispatcher.Publisher(), PoisonTopic)
	if err != nil {
		return fmt.Errorf("POISON_SETUP_FAILED: %w", err)
	}

	configs := []struct {
		name    string
		topic   string
		handler message.NoPublishHandlerFunc
	}{
		{"ON_SEND_USER", TopicSendUser, Bind(h, h.OnSendUserV1)},
		{"ON_SEND_ROOM", TopicSendRoom, Bind(h, h.OnSendRoomV1)},
		{"ON_BROADCAST", TopicBroadcast, Bind(h, h.OnBroadcastV1)},
	}

	for _, c := range configs {
		instanceID := uuid.NewString()[:8]
		// [UNIQUE_HANDLER_QUEUE]
		// Every handler on every node consumes through its own transient
		// queue, so a room or broadcast command reaches all nodes.
		// Format: fabric.command-processor.v1.b23a8f12.ON_SEND_USER
		handlerQueue := fmt.Sprintf("%s.%s.%s", h.queueBase, instanceID, c.name)

		sub, err := subProvider.Build(handlerQueue, h.exchange, c.topic)
		if err != nil {
			return err
		}

		router.AddConsumerHandler(c.name, c.topic, sub, c.handler).AddMiddleware(
			TraceIDMiddleware,
			LoggingMiddleware(h.logger),
			NewRetryMiddleware().Middleware,
			poison,
			middleware.NewThrottle(100, time.Second).Middleware,
			middleware.Timeout(time.Second*30),
		)
	}

	h.logger.Info("AMQP_PIPELINE_READY", "exchange", h.exchange, "queue_base", h.queueBase)
	return nil
}
