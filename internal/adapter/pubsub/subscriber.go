package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/message"

	infrapubsub "github.com/relaygrid/session-fabric/infra/pubsub"
	"github.com/relaygrid/session-fabric/infra/pubsub/factory"
)

// SubscriberProvider builds queue-bound subscribers from the process-wide
// factory.
type SubscriberProvider struct {
	factory factory.Factory
}

func NewSubscriberProvider(p infrapubsub.Provider) *SubscriberProvider {
	return &SubscriberProvider{factory: p.GetFactory()}
}

// Build declares the queue, binds it to the exchange under bindingKey and
// returns a consuming subscriber.
func (sp *SubscriberProvider) Build(queue, exchange, bindingKey string) (message.Subscriber, error) {
	return sp.factory.BuildSubscriber(&factory.SubscriberConfig{
		Queue:      queue,
		BindingKey: bindingKey,
		Exchange: factory.ExchangeConfig{
			Name:    exchange,
			Type:    "topic",
			Durable: true,
		},
	})
}
