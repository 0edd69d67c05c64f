package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/config"
)

var Module = fx.Module(
	"http-server",

	fx.Provide(
		NewRouter,
		NewServer,
	),

	// [LIFECYCLE] The listener binds during OnStart so a taken port fails
	// the boot instead of a background goroutine; OnStop drains in-flight
	// requests within the configured grace.
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, srv *http.Server, logger *slog.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				ln, err := net.Listen("tcp", srv.Addr)
				if err != nil {
					return err
				}
				logger.Info("HTTP_LISTENING",
					"addr", ln.Addr().String(),
					"ws_path", cfg.HTTP.WSPath,
					"lp_path", cfg.HTTP.LPPath,
				)
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("HTTP_SERVER_STOPPED", "err", err)
					}
				}()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				grace, cancel := context.WithTimeout(ctx, cfg.HTTP.ShutdownGrace)
				defer cancel()
				return srv.Shutdown(grace)
			},
		})
	}),
)
