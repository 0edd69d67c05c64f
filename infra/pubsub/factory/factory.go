// Package factory abstracts the construction of watermill publishers and
// subscribers so the bus wiring can swap the AMQP driver for an in-process
// channel transport in tests without touching handler code.
package factory

import "github.com/ThreeDotsLabs/watermill/message"

// ExchangeConfig describes the exchange a publisher or queue binding targets.
type ExchangeConfig struct {
	Name    string
	Type    string
	Durable bool
}

// PublisherConfig parameterizes BuildPublisher. Publishers address the
// exchange only; the watermill topic becomes the routing key at publish time.
type PublisherConfig struct {
	Exchange ExchangeConfig
}

// SubscriberConfig parameterizes BuildSubscriber. Queue names carry a
// per-node suffix, so queues are declared transient and evaporate with the
// node that named them.
type SubscriberConfig struct {
	Queue      string
	Exchange   ExchangeConfig
	BindingKey string
	Prefetch   int
}

// Factory builds transport-specific publishers and subscribers.
type Factory interface {
	BuildPublisher(cfg *PublisherConfig) (message.Publisher, error)
	BuildSubscriber(cfg *SubscriberConfig) (message.Subscriber, error)
	Close() error
}
