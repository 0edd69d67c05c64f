package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/store"
	"github.com/relaygrid/session-fabric/internal/domain/codec"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/heartbeat"
	"github.com/relaygrid/session-fabric/internal/domain/queue"
	"github.com/relaygrid/session-fabric/internal/domain/ratelimit"
	"github.com/relaygrid/session-fabric/internal/domain/reconnect"
	"github.com/relaygrid/session-fabric/internal/domain/registry"
	"github.com/relaygrid/session-fabric/internal/domain/telemetry"
	"github.com/relaygrid/session-fabric/internal/domain/validate"
)

// FabricConfig maps the outer configuration onto the knobs the fabric acts
// on directly.
func FabricConfig(cfg *config.Config) Config {
	return Config{
		ServerVersion:     cfg.Service.Version,
		MaxConnsPerUser:   cfg.Limits.MaxPerUser,
		MaxConns:          cfg.Limits.MaxTotal,
		IdleTimeout:       cfg.Limits.IdleTimeout,
		PriorityThreshold: envelope.Priority(cfg.Service.PriorityThreshold),
		FlushTimeout:      cfg.Service.FlushTimeout,
		Queue: queue.Options{
			PriorityCap: cfg.Queue.Capacity,
			NormalCap:   cfg.Queue.Capacity,
			FailedCap:   cfg.Queue.Capacity,
			MaxAge:      cfg.Queue.MaxAge,
			BaseBackoff: cfg.Queue.BaseBackoff,
			MaxBackoff:  cfg.Queue.MaxBackoff,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
		Reconnect: reconnect.Options{
			Window:      cfg.Reconnect.Window,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
			MaxEntries:  cfg.Reconnect.MaxEntries,
		},
		DrainTimeout:       cfg.Shutdown.DrainTimeout,
		ForceCloseTimeout:  cfg.Shutdown.ForceCloseTimeout,
		SkipShutdownNotice: !cfg.Shutdown.NotifyClients,
		SweepInterval:      cfg.Service.SweepInterval,
		GhostAfter:         cfg.Service.GhostAfter,
		StaleAfter:         cfg.Service.StaleAfter,
		Codec: codec.Options{
			Threshold:   cfg.Codec.Threshold,
			ChunkSize:   cfg.Codec.ChunkSize,
			Compression: codec.Compression(cfg.Codec.Compression),
		},
	}
}

// HeartbeatConfig maps the outer configuration onto the supervisor's knobs.
func HeartbeatConfig(cfg *config.Config) heartbeat.Config {
	return heartbeat.Config{
		BaseInterval: cfg.Heartbeat.Interval,
		MinInterval:  cfg.Heartbeat.MinInterval,
		MaxInterval:  cfg.Heartbeat.MaxInterval,
		PongTimeout:  cfg.Heartbeat.PongTimeout,
		MissLimit:    cfg.Heartbeat.MaxMissed,
		Sweep:        cfg.Heartbeat.Sweep,
		ZombieAfter:  cfg.Heartbeat.ZombieAfter,
		Grace:        cfg.Heartbeat.Grace,
	}
}

// ProvideValidator builds the frame validator from the configured limits.
func ProvideValidator(cfg *config.Config) *validate.Validator {
	limits := validate.DefaultLimits()
	if cfg.Validation.MaxMessageBytes > 0 {
		limits.MaxMessageBytes = cfg.Validation.MaxMessageBytes
	}
	if cfg.Validation.MaxTextChars > 0 {
		limits.MaxTextChars = cfg.Validation.MaxTextChars
	}
	var opts []validate.Option
	if cfg.Validation.Strict {
		opts = append(opts, validate.WithMode(validate.ModeStrict))
	}
	return validate.New(limits, opts...)
}

// ProvideLimiter builds the per-connection rate limiter.
func ProvideLimiter(cfg *config.Config, clock clockwork.Clock) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Rate:            cfg.RateLimit.Rate,
		Burst:           cfg.RateLimit.Burst,
		MaxViolations:   cfg.RateLimit.MaxViolations,
		ViolationWindow: cfg.RateLimit.ViolationWindow,
	}, clock)
}

// ProvideTracker builds the telemetry aggregate.
func ProvideTracker(clock clockwork.Clock) *telemetry.Tracker {
	return telemetry.New(clock, 0)
}

// ProvideFabric assembles the manager from the translated configs and the
// injected collaborators.
func ProvideFabric(
	cfg *config.Config,
	reg registry.Registrar,
	validator *validate.Validator,
	limiter *ratelimit.Limiter,
	track *telemetry.Tracker,
	db store.Store,
	app AppHandler,
	syncer StateSyncHandler,
	events EventSink,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Fabric {
	return NewFabric(
		FabricConfig(cfg), HeartbeatConfig(cfg),
		reg, validator, limiter, track, db, app, syncer, events, clock, logger,
	)
}

var Module = fx.Module(
	"fabric",

	fx.Provide(
		ProvideValidator,
		ProvideLimiter,
		ProvideTracker,
		ProvideFabric,
		fx.Annotate(
			func(f *Fabric) Manager { return f },
			fx.As(new(Manager)),
		),
	),

	// [DECORATION_LAYER] Intercept the app handler to add cross-cutting
	// concerns: timing, outcome logs, panic containment.
	fx.Decorate(func(orig AppHandler, logger *slog.Logger) AppHandler {
		return NewAppHandlerMiddleware(orig, logger)
	}),

	// [LIFECYCLE] Background tasks start with the app; OnStop runs the full
	// five-phase shutdown unless a signal handler already did.
	fx.Invoke(func(lc fx.Lifecycle, f *Fabric) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				f.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				_, err := f.Shutdown(ctx, "Server stopping")
				if errors.Is(err, ErrShutdownInProgress) {
					return nil
				}
				return err
			},
		})
	}),
)
