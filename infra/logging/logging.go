// Package logging builds the process-wide slog root: a console handler in
// text or JSON, optionally teeing every record into an OTLP export pipeline,
// with a level that can be swapped while the process runs.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/fx"

	"github.com/relaygrid/session-fabric/config"
)

// Root owns the logger, its dynamic level and the optional export pipeline.
type Root struct {
	Logger *slog.Logger
	Level  *slog.LevelVar

	provider *sdklog.LoggerProvider
}

// New assembles the root logger from config.
func New(cfg *config.Config) (*Root, error) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Logging.Level))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Logging.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	root := &Root{Level: level}

	if cfg.Logging.OTLP {
		provider, err := newExportPipeline(cfg)
		if err != nil {
			return nil, err
		}
		root.provider = provider
		bridge := otelslog.NewHandler(cfg.Service.Name, otelslog.WithLoggerProvider(provider))
		handler = tee{console: handler, export: bridge}
	}

	root.Logger = slog.New(handler)
	return root, nil
}

// SetLevel re-points the root at a new minimum level; config hot reloads use
// it so a drained node can be flipped to debug without a restart.
func (r *Root) SetLevel(level string) {
	r.Level.Set(ParseLevel(level))
}

// Shutdown flushes the export pipeline, if one is running.
func (r *Root) Shutdown(ctx context.Context) error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

// newExportPipeline wires slog records into an OTLP/HTTP exporter. Endpoint,
// headers and TLS come from the standard OTEL_EXPORTER_OTLP_* environment.
func newExportPipeline(cfg *config.Config) (*sdklog.LoggerProvider, error) {
	exp, err := otlploghttp.New(context.Background())
	if err != nil {
		return nil, fmt.Errorf("logging: otlp exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.Service.Name),
		semconv.ServiceVersion(cfg.Service.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("logging: resource: %w", err)
	}

	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)),
		sdklog.WithResource(res),
	), nil
}

// ParseLevel maps a config string onto a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// tee fans one record out to the console and the export bridge. The console
// handler owns level gating; the bridge sees whatever the console accepted.
type tee struct {
	console slog.Handler
	export  slog.Handler
}

func (t tee) Enabled(ctx context.Context, lv slog.Level) bool {
	return t.console.Enabled(ctx, lv)
}

func (t tee) Handle(ctx context.Context, rec slog.Record) error {
	err := t.console.Handle(ctx, rec)
	if eerr := t.export.Handle(ctx, rec.Clone()); err == nil {
		err = eerr
	}
	return err
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	return tee{console: t.console.WithAttrs(attrs), export: t.export.WithAttrs(attrs)}
}

func (t tee) WithGroup(name string) slog.Handler {
	return tee{console: t.console.WithGroup(name), export: t.export.WithGroup(name)}
}

// ProvideRoot builds the root and ties pipeline flush to app shutdown.
func ProvideRoot(lc fx.Lifecycle, cfg *config.Config) (*Root, error) {
	root, err := New(cfg)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: root.Shutdown})
	return root, nil
}

func ProvideLogger(r *Root) *slog.Logger { return r.Logger }

// ProvideWatermillLogger adapts the root for the bus machinery.
func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}
