package amqp

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/fx"

	pubsubadapter "github.com/relaygrid/session-fabric/internal/adapter/pubsub"
	"github.com/relaygrid/session-fabric/internal/service"
)

// NewBusRouter builds the watermill router the command pipeline mounts on.
func NewBusRouter(wmlog watermill.LoggerAdapter) (*message.Router, error) {
	return message.NewRouter(message.RouterConfig{}, wmlog)
}

// RegisterHandlers wires the command pipeline and runs the router for the
// lifetime of the application.
func RegisterHandlers(lc fx.Lifecycle, h *CommandHandler, router *message.Router, subProvider *pubsubadapter.SubscriberProvider) error {
	if err := h.RegisterHandlers(router, subProvider); err != nil {
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := router.Run(context.Background()); err != nil {
					h.logger.Error("BUS_ROUTER_STOPPED", "err", err)
				}
			}()
			select {
			case <-router.Running():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		OnStop: func(context.Context) error {
			return router.Close()
		},
	})
	return nil
}

var Module = fx.Module("amqp-handler",
	fx.Provide(

		pubsubadapter.NewPublisherProvider,
		pubsubadapter.NewSubscriberProvider,
		pubsubadapter.ProvideEventPublisher,
		pubsubadapter.NewEventDispatcher,

		// The dispatcher doubles as the fabric's lifecycle event sink.
		func(d pubsubadapter.EventDispatcher) service.EventSink { return d },
		func(m service.Manager) Delivery { return m },

		NewCommandHandler,
		NewBusRouter,
	),

	fx.Invoke(RegisterHandlers),
)
