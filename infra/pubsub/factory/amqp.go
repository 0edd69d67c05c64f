package factory

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
)

const defaultPrefetch = 8

// Interface guard
var _ Factory = (*amqpFactory)(nil)

// amqpFactory multiplexes every publisher and subscriber it builds over a
// single broker connection.
type amqpFactory struct {
	uri    string
	logger watermill.LoggerAdapter
	conn   *amqp.ConnectionWrapper
}

// NewAMQP dials the broker once and hands out channel-backed publishers and
// subscribers on top of that connection.
func NewAMQP(uri string, logger watermill.LoggerAdapter) (Factory, error) {
	conn, err := amqp.NewConnection(amqp.ConnectionConfig{AmqpURI: uri}, logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub: dial broker: %w", err)
	}
	return &amqpFactory{uri: uri, logger: logger, conn: conn}, nil
}

func (f *amqpFactory) BuildPublisher(cfg *PublisherConfig) (message.Publisher, error) {
	conf := f.baseConfig(cfg.Exchange)
	// The watermill topic travels as the routing key, verbatim.
	conf.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	pub, err := amqp.NewPublisherWithConnection(conf, f.logger, f.conn)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build publisher for %q: %w", cfg.Exchange.Name, err)
	}
	return pub, nil
}

func (f *amqpFactory) BuildSubscriber(cfg *SubscriberConfig) (message.Subscriber, error) {
	conf := f.baseConfig(cfg.Exchange)
	conf.Queue.GenerateName = amqp.GenerateQueueNameConstant(cfg.Queue)
	// Per-node queues must not outlive the node, or commands for dead
	// instances pile up unconsumed.
	conf.Queue.Durable = false
	conf.Queue.AutoDelete = true

	binding := cfg.BindingKey
	conf.QueueBind.GenerateRoutingKey = func(string) string { return binding }

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = defaultPrefetch
	}
	conf.Consume.Qos.PrefetchCount = prefetch

	sub, err := amqp.NewSubscriberWithConnection(conf, f.logger, f.conn)
	if err != nil {
		return nil, fmt.Errorf("pubsub: build subscriber for %q: %w", cfg.Queue, err)
	}
	return sub, nil
}

// baseConfig starts from the library preset so marshalling and consume
// defaults stay canonical, then pins the named exchange.
func (f *amqpFactory) baseConfig(ex ExchangeConfig) amqp.Config {
	conf := amqp.NewDurablePubSubConfig(f.uri, nil)
	conf.Exchange.GenerateName = func(string) string { return ex.Name }
	conf.Exchange.Type = ex.Type
	conf.Exchange.Durable = ex.Durable
	return conf
}

func (f *amqpFactory) Close() error { return f.conn.Close() }
