// Package pubsub owns the broker connection. It hands a transport factory to
// the adapter layer and ties the connection's lifetime to the application.
package pubsub

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/pubsub/factory"
)

// Provider exposes the process-wide pubsub factory.
type Provider interface {
	GetFactory() factory.Factory
}

// Interface guard
var _ Provider = (*amqpProvider)(nil)

type amqpProvider struct {
	f factory.Factory
}

func (p *amqpProvider) GetFactory() factory.Factory { return p.f }

// NewProvider dials the configured broker. One connection per process; every
// publisher and subscriber multiplexes channels over it.
func NewProvider(lc fx.Lifecycle, cfg *config.Config, wmlog watermill.LoggerAdapter, logger *slog.Logger) (Provider, error) {
	f, err := factory.NewAMQP(cfg.Broker.URL, wmlog)
	if err != nil {
		return nil, err
	}
	logger.Info("BROKER_CONNECTED", "url", redact(cfg.Broker.URL), "exchange", cfg.Broker.Exchange)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return f.Close()
		},
	})
	return &amqpProvider{f: f}, nil
}

// redact strips credentials out of the broker URL before it reaches a log line.
func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}

var Module = fx.Module("pubsub",
	fx.Provide(NewProvider),
)
