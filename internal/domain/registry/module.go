package registry

import "go.uber.org/fx"

var Module = fx.Module("registry",
	fx.Provide(
		New,
		fx.Annotate(
			func(r *Registry) Registrar { return r },
			fx.As(new(Registrar)),
		),
	),
)
