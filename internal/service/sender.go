package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/relaygrid/session-fabric/internal/domain/codec"
	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/telemetry"
)

// Outcome classifies one send attempt. The queue pump and the broadcaster
// branch on it; the sender itself already performed the state transition the
// class requires.
type Outcome int

const (
	// SendOK: frame hit the wire.
	SendOK Outcome = iota
	// SendSkipped: the record was not writable; nothing was attempted and
	// nothing is wrong.
	SendSkipped
	// SendDropped: the peer went away mid-send; the frame is gone and must
	// not be retried on this socket.
	SendDropped
	// SendTransient: the write failed in a retryable way; requeue.
	SendTransient
	// SendFatal: the write failed hard; the record is now FAILED.
	SendFatal
)

func (o Outcome) String() string {
	switch o {
	case SendOK:
		return "ok"
	case SendSkipped:
		return "skipped"
	case SendDropped:
		return "dropped"
	case SendTransient:
		return "transient"
	case SendFatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Sender owns every write to a connection transport. All outbound paths
// (queue pump, direct priority sends, broadcast fan-out, heartbeat pings)
// funnel through it so the writability gate and the failure classification
// live in exactly one place.
type Sender struct {
	clock        clockwork.Clock
	logger       *slog.Logger
	track        *telemetry.Tracker
	splitters    map[codec.Compression]*codec.Splitter
	fallback     codec.Compression
	flushTimeout time.Duration
}

// NewSender builds the write path. One splitter per supported codec shares
// the chunking thresholds from opts; each connection picks its negotiated
// one, falling back to opts.Compression.
func NewSender(clock clockwork.Clock, logger *slog.Logger, track *telemetry.Tracker, opts codec.Options, flushTimeout time.Duration) *Sender {
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	splitters := make(map[codec.Compression]*codec.Splitter, 3)
	for _, c := range []codec.Compression{codec.None, codec.Gzip, codec.LZ4} {
		o := opts
		o.Compression = c
		splitters[c] = codec.NewSplitter(o)
	}
	fallback := opts.Compression
	if fallback == "" {
		fallback = codec.None
	}
	return &Sender{
		clock:        clock,
		logger:       logger,
		track:        track,
		splitters:    splitters,
		fallback:     fallback,
		flushTimeout: flushTimeout,
	}
}

// splitterFor resolves the connection's negotiated codec.
func (s *Sender) splitterFor(rec *conn.Record) *codec.Splitter {
	comp := codec.Compression(rec.Meta.Compression)
	if sp, ok := s.splitters[comp]; ok {
		return sp
	}
	return s.splitters[s.fallback]
}

// Send encodes and writes one envelope to one connection.
//
// The gate: a record whose state is not writable is silently skipped.
// Draining records stay writable so shutdown can flush them; losing the race
// against a concurrent close is normal churn, not a delivery failure.
func (s *Sender) Send(ctx context.Context, rec *conn.Record, env *envelope.Envelope) (Outcome, error) {
	if !rec.State().Writable() {
		s.logger.Debug("SEND_SKIPPED_NOT_WRITABLE",
			"conn_id", rec.ID,
			"state", rec.State().String(),
			"msg_type", env.Type,
		)
		return SendSkipped, nil
	}

	data, err := env.Encode()
	if err != nil {
		// Producer handed us an unmarshalable payload. The connection is
		// healthy; only this frame is lost.
		s.logger.Error("SEND_ENCODE_FAILED", "conn_id", rec.ID, "msg_type", env.Type, "err", err)
		return SendDropped, fmt.Errorf("sender: encode %s: %w", env.Type, err)
	}

	frames, chunked, serr := s.splitterFor(rec).Split(env.Type, data)
	if serr != nil {
		s.logger.Warn("SEND_SPLIT_FAILED", "conn_id", rec.ID, "msg_type", env.Type, "err", serr)
	} else if chunked {
		s.logger.Debug("SEND_CHUNKED", "conn_id", rec.ID, "msg_type", env.Type, "chunks", len(frames), "bytes", len(data))
		for _, frame := range frames {
			if out, werr := s.write(ctx, rec, envelope.TypeChunk, frame); out != SendOK {
				// The receiver's partial transfer ages out on its own.
				return out, werr
			}
		}
		return SendOK, nil
	}

	return s.write(ctx, rec, env.Type, data)
}

// SendRaw writes pre-encoded bytes through the same gate and classification.
// Heartbeat pings and shutdown notices use it.
func (s *Sender) SendRaw(ctx context.Context, rec *conn.Record, msgType string, data []byte) (Outcome, error) {
	if !rec.State().Writable() {
		s.logger.Debug("SEND_SKIPPED_NOT_WRITABLE",
			"conn_id", rec.ID,
			"state", rec.State().String(),
			"msg_type", msgType,
		)
		return SendSkipped, nil
	}
	return s.write(ctx, rec, msgType, data)
}

func (s *Sender) write(ctx context.Context, rec *conn.Record, msgType string, data []byte) (Outcome, error) {
	wctx, cancel := context.WithTimeout(ctx, s.flushTimeout)
	defer cancel()

	if err := rec.Transport().WriteMessage(wctx, data); err != nil {
		return s.classify(rec, msgType, err)
	}

	rec.CountSent(len(data))
	rec.TouchSend(s.clock.Now())
	s.track.MsgSent()
	return SendOK, nil
}

// classify maps a transport error onto an Outcome and applies the matching
// record transition. Order matters: the close-sent race and peer-gone checks
// must win over the generic transient probe, because a closed socket also
// looks like an I/O error.
func (s *Sender) classify(rec *conn.Record, msgType string, err error) (Outcome, error) {
	lower := strings.ToLower(err.Error())

	switch {
	case errors.Is(err, websocket.ErrCloseSent):
		// A close frame beat this write out the door.
		s.logger.Debug("SEND_LOST_CLOSE_RACE", "conn_id", rec.ID, "msg_type", msgType)
		_ = rec.Transition(conn.StateClosing)
		return SendDropped, err

	case strings.Contains(lower, "close") || strings.Contains(lower, "disconnect"):
		s.logger.Debug("SEND_PEER_GONE", "conn_id", rec.ID, "msg_type", msgType, "err", err)
		_ = rec.Transition(conn.StateClosing)
		return SendDropped, err

	case isTransient(err):
		s.logger.Warn("SEND_TRANSIENT_ERROR", "conn_id", rec.ID, "msg_type", msgType, "err", err)
		rec.CountError()
		s.track.SendError()
		return SendTransient, err

	default:
		s.logger.Error("SEND_FAILED", "conn_id", rec.ID, "msg_type", msgType, "err", err)
		rec.CountError()
		s.track.SendError()
		rec.Fail()
		return SendFatal, err
	}
}

// SendPing pushes a heartbeat probe. The supervisor treats a returned error
// as a missed-pong precursor, so gate refusals surface as errors here rather
// than silent skips.
func (s *Sender) SendPing(rec *conn.Record, seq uint64, interval time.Duration) error {
	if !rec.State().Writable() {
		return fmt.Errorf("sender: connection %s not writable", rec.ID)
	}

	ping := envelope.NewHeartbeatPing(rec.ID, seq, interval)
	data, err := ping.Encode()
	if err != nil {
		return fmt.Errorf("sender: encode ping: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()

	if err := rec.Transport().WriteMessage(ctx, data); err != nil {
		out, cerr := s.classify(rec, envelope.TypeHeartbeatPing, err)
		return fmt.Errorf("sender: ping %s: %s: %w", rec.ID, out, cerr)
	}

	rec.CountSent(len(data))
	rec.TouchSend(s.clock.Now())
	return nil
}

// isTransient reports whether a write may succeed if retried on the same
// socket: timeouts and kernel backpressure qualify, everything else does not.
func isTransient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EINTR) {
		return true
	}
	return false
}
