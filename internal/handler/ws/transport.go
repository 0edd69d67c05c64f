package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
)

// Interface guard
var _ conn.Transport = (*wsTransport)(nil)

// wsTransport adapts one gorilla socket to the fabric's transport contract.
// The sender pump is the only data writer; Close uses WriteControl, which
// gorilla permits concurrently with data writes.
type wsTransport struct {
	sock *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newTransport(sock *websocket.Conn) *wsTransport {
	return &wsTransport{sock: sock}
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.sock.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.sock.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	// Best effort: the peer may already be gone, releasing the socket is
	// what matters.
	_ = t.sock.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
	return t.sock.Close()
}

func (t *wsTransport) Kind() string { return "websocket" }
