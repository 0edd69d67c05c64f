package auth

import (
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/config"
)

var Module = fx.Module(
	"auth",

	fx.Provide(
		fx.Annotate(
			NewHMACValidator,
			fx.As(new(TokenValidator)),
		),
	),

	// [DECORATION_LAYER] Stack the breaker and the identity cache on the
	// base validator; admission sees a single TokenValidator.
	fx.Decorate(func(orig TokenValidator, cfg *config.Config, clock clockwork.Clock, logger *slog.Logger) TokenValidator {
		return NewCache(cfg, NewBreaker(cfg, orig, logger), clock, logger)
	}),
)
