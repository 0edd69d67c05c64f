package pubsub

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/relaygrid/session-fabric/config"
	infrapubsub "github.com/relaygrid/session-fabric/infra/pubsub"
	"github.com/relaygrid/session-fabric/infra/pubsub/factory"
)

// PublisherProvider builds exchange-scoped publishers from the process-wide
// factory.
type PublisherProvider struct {
	factory factory.Factory
}

func NewPublisherProvider(p infrapubsub.Provider) *PublisherProvider {
	return &PublisherProvider{factory: p.GetFactory()}
}

func (pp *PublisherProvider) Build(exchange string) (message.Publisher, error) {
	return pp.factory.BuildPublisher(&factory.PublisherConfig{
		Exchange: factory.ExchangeConfig{
			Name:    exchange,
			Type:    "topic",
			Durable: true,
		},
	})
}

// ProvideEventPublisher opens the one publisher all outbound fabric events
// share, addressed at the configured bus exchange.
func ProvideEventPublisher(cfg *config.Config, pp *PublisherProvider) (message.Publisher, error) {
	return pp.Build(cfg.Broker.Exchange)
}
