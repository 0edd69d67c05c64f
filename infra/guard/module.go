package guard

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/config"
)

func ProvideGuard(cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) *Guard {
	return New(Config{
		Enabled:       cfg.Guard.Enabled,
		MaxCPUPercent: cfg.Guard.MaxCPUPercent,
		MaxMemPercent: cfg.Guard.MaxMemPercent,
		CheckInterval: cfg.Guard.CheckInterval,
	}, HostSampler{}, clock, logger)
}

var Module = fx.Module(
	"guard",

	fx.Provide(ProvideGuard),

	// [LIFECYCLE] The sample loop lives for the whole app; a disabled guard
	// returns from Run immediately.
	fx.Invoke(func(lc fx.Lifecycle, g *Guard) {
		ctx, cancel := context.WithCancel(context.Background())
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				go g.Run(ctx)
				return nil
			},
			OnStop: func(context.Context) error {
				cancel()
				return nil
			},
		})
	}),
)
