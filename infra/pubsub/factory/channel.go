package factory

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Interface guard
var _ Factory = (*channelFactory)(nil)

// channelFactory backs every publisher and subscriber with one in-process
// gochannel bus. Exchange and queue parameters collapse to bare topics, which
// is enough for tests: the command topics are exact strings, not patterns.
type channelFactory struct {
	bus *gochannel.GoChannel
}

// NewChannel builds the in-process variant.
func NewChannel(logger watermill.LoggerAdapter) Factory {
	return &channelFactory{
		bus: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger),
	}
}

func (f *channelFactory) BuildPublisher(*PublisherConfig) (message.Publisher, error) {
	return f.bus, nil
}

func (f *channelFactory) BuildSubscriber(*SubscriberConfig) (message.Subscriber, error) {
	return f.bus, nil
}

func (f *channelFactory) Close() error { return f.bus.Close() }
