package service

import (
	"context"

	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/event"
	"github.com/relaygrid/session-fabric/infra/store"
)

// AppHandler is the application backend. Every inbound frame the fabric does
// not consume itself (heartbeats, chunks, room ops, state sync) lands here
// after validation and sanitization, re-encoded as canonical JSON. The store
// handle is the same persistence session the fabric uses, so handlers and
// fabric state share one backing.
type AppHandler interface {
	HandleMessage(ctx context.Context, userID string, raw []byte, db store.Store) error
}

// StateSyncHandler owns the state-sync message family (get_current_state,
// state_update, partial_state_update, client_state_update). A non-nil reply
// is written straight back to the originating connection.
type StateSyncHandler interface {
	HandleStateSync(ctx context.Context, userID, connID, msgType string, msg map[string]any) (*envelope.Envelope, error)
}

// EventSink receives fabric lifecycle events for export to the bus.
type EventSink interface {
	Publish(ctx context.Context, ev event.Eventer) error
}

// Interface guards
var (
	_ AppHandler       = (*NopAppHandler)(nil)
	_ StateSyncHandler = (*NopStateSyncHandler)(nil)
	_ EventSink        = (*NopEventSink)(nil)
)

// NopAppHandler drops application frames. Deployments that only push
// server-to-client traffic run with it.
type NopAppHandler struct{}

func (NopAppHandler) HandleMessage(context.Context, string, []byte, store.Store) error {
	return nil
}

// NopStateSyncHandler answers every state-sync request with nothing.
type NopStateSyncHandler struct{}

func (NopStateSyncHandler) HandleStateSync(context.Context, string, string, string, map[string]any) (*envelope.Envelope, error) {
	return nil, nil
}

// NopEventSink swallows lifecycle events; used when no bus is configured.
type NopEventSink struct{}

func (NopEventSink) Publish(context.Context, event.Eventer) error { return nil }
