package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/relaygrid/session-fabric/infra/store"
)

// AppHandlerMiddleware implements [DECORATOR_PATTERN] to add observability
// and panic containment around the backend message handler without touching
// its logic. A panicking handler must never take the reader goroutine down
// with it.
type AppHandlerMiddleware struct {
	Next   AppHandler
	Logger *slog.Logger
}

// NewAppHandlerMiddleware creates the logging and recovery decorator for the
// application handler.
func NewAppHandlerMiddleware(next AppHandler, logger *slog.Logger) AppHandler {
	return &AppHandlerMiddleware{
		Next:   next,
		Logger: logger,
	}
}

// HandleMessage wraps the backend dispatch with execution timing, outcome
// logging and panic recovery.
func (m *AppHandlerMiddleware) HandleMessage(ctx context.Context, userID string, raw []byte, db store.Store) (err error) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("APP_HANDLER_PANIC",
				"user_id", userID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("service: app handler panic: %v", r)
		}
	}()

	// [EXECUTION] Hand the validated message to the backend
	err = m.Next.HandleMessage(ctx, userID, raw, db)

	// [OBSERVABILITY] Scoped logging for dispatch auditing
	duration := time.Since(start)

	if err != nil {
		m.Logger.Error("APP_MESSAGE_DISPATCH_FAILED",
			"err", err,
			"user_id", userID,
			"bytes", len(raw),
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		m.Logger.Debug("APP_MESSAGE_DISPATCHED",
			"user_id", userID,
			"bytes", len(raw),
			"duration_ms", duration.Milliseconds(),
		)
	}

	return err
}

var _ AppHandler = (*AppHandlerMiddleware)(nil)
