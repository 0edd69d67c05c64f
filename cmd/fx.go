package cmd

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/auth"
	"github.com/relaygrid/session-fabric/infra/guard"
	"github.com/relaygrid/session-fabric/infra/logging"
	"github.com/relaygrid/session-fabric/infra/metrics"
	"github.com/relaygrid/session-fabric/infra/pubsub"
	httpsrv "github.com/relaygrid/session-fabric/infra/server/http"
	"github.com/relaygrid/session-fabric/infra/store"
	"github.com/relaygrid/session-fabric/internal/domain/registry"
	amqpdi "github.com/relaygrid/session-fabric/internal/handler/amqp"
	lpdi "github.com/relaygrid/session-fabric/internal/handler/lp"
	wsdi "github.com/relaygrid/session-fabric/internal/handler/ws"
	"github.com/relaygrid/session-fabric/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	opts := []fx.Option{
		fx.Provide(
			func() *config.Config { return cfg },
			func() clockwork.Clock { return clockwork.NewRealClock() },
			logging.ProvideRoot,
			logging.ProvideLogger,
			logging.ProvideWatermillLogger,
			func(cfg *config.Config) store.Options {
				return store.Options{Driver: cfg.Store.Driver, Dir: cfg.Store.Dir}
			},
			config.NewWatcher,

			// Embedders replace these with their application backend;
			// a bare node only pushes server-originated traffic.
			func() service.AppHandler { return service.NopAppHandler{} },
			func() service.StateSyncHandler { return service.NopStateSyncHandler{} },
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger}
		}),

		store.Module,
		auth.Module,
		guard.Module,
		registry.Module,
		service.Module,
		wsdi.Module,
		lpdi.Module,
		metrics.Module,
		httpsrv.Module,

		fx.Invoke(runWatcher),
	}

	if cfg.Broker.Enabled {
		opts = append(opts, pubsub.Module, amqpdi.Module)
	} else {
		opts = append(opts, fx.Provide(
			func() service.EventSink { return service.NopEventSink{} },
		))
	}

	return fx.New(opts...)
}

// runWatcher follows the config file for the life of the app and applies the
// hot-reloadable knobs. Everything else needs a restart; the fx graph is
// built once.
func runWatcher(lc fx.Lifecycle, w *config.Watcher, root *logging.Root, logger *slog.Logger) {
	w.OnReload(func(next *config.Config) {
		root.SetLevel(next.Logging.Level)
		logger.Info("CONFIG_RELOADED", "log_level", next.Logging.Level)
	})

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := w.Run(ctx); err != nil {
					logger.Warn("CONFIG_WATCH_STOPPED", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
