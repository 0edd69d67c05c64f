package lp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
)

// lpBuffer is the per-session frame buffer. A full buffer pushes back on the
// sender, whose flush deadline then routes the frame into the retry queue.
const lpBuffer = 64

var errTransportClosed = errors.New("longpoll: transport closed")

// Interface guard
var _ conn.Transport = (*lpTransport)(nil)

// lpTransport buffers outbound frames between polls. The fabric's pump is
// the producer; whichever poll request currently holds the session drains.
type lpTransport struct {
	userID string
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newLPTransport(userID string) *lpTransport {
	return &lpTransport{
		userID: userID,
		frames: make(chan []byte, lpBuffer),
		done:   make(chan struct{}),
	}
}

func (t *lpTransport) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return errTransportClosed
	default:
	}
	select {
	case t.frames <- data:
		return nil
	case <-t.done:
		return errTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the session dead. The code and reason have no wire
// representation here; the client learns about the closure from the next
// poll's status.
func (t *lpTransport) Close(int, string) error {
	t.once.Do(func() { close(t.done) })
	return nil
}

func (t *lpTransport) Kind() string { return "longpoll" }

// Done reports whether the session has been closed.
func (t *lpTransport) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// collect blocks for the first frame (bounded by park and the request
// context), then drains opportunistically up to limit. The second return
// reports that the session is gone; buffered frames written ahead of the
// close, the shutdown notice among them, are still flushed.
func (t *lpTransport) collect(ctx context.Context, park time.Duration, limit int) ([][]byte, bool) {
	var out [][]byte

	timer := time.NewTimer(park)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, false
	case <-timer.C:
		return nil, false
	case f := <-t.frames:
		out = append(out, f)
	case <-t.done:
		return t.flush(out, limit), true
	}

drainLoop:
	for len(out) < limit {
		select {
		case f := <-t.frames:
			out = append(out, f)
		default:
			break drainLoop
		}
	}
	return out, t.Done()
}

func (t *lpTransport) flush(out [][]byte, limit int) [][]byte {
	for len(out) < limit {
		select {
		case f := <-t.frames:
			out = append(out, f)
		default:
			return out
		}
	}
	return out
}
