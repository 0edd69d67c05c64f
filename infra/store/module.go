package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
)

// Options selects and parameterizes the store implementation.
type Options struct {
	// Driver is "memory" or "nutsdb".
	Driver string
	// Dir is the nutsdb data directory; ignored by the memory driver.
	Dir string
}

// New builds the configured implementation.
func New(opts Options, clock clockwork.Clock, logger *slog.Logger) (Store, error) {
	switch opts.Driver {
	case "", "memory":
		logger.Info("SESSION_STORE_READY", "driver", "memory")
		return NewMemory(clock), nil
	case "nutsdb":
		s, err := NewNuts(opts.Dir)
		if err != nil {
			return nil, err
		}
		logger.Info("SESSION_STORE_READY", "driver", "nutsdb", "dir", opts.Dir)
		return s, nil
	default:
		return nil, fmt.Errorf("store: unknown driver %q", opts.Driver)
	}
}

var Module = fx.Module(
	"store",

	fx.Provide(New),

	// [LIFECYCLE] Flush and unlock the data directory on app shutdown.
	fx.Invoke(func(lc fx.Lifecycle, s Store) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return s.Close()
			},
		})
	}),
)
