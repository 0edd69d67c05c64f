package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/validate"
)

// progressEvery paces upload_progress frames during multi-chunk transfers.
const progressEvery = 4

// HandleIncoming runs one inbound frame through the pipeline: rate limit,
// frame checks, decode, inspection, then type dispatch. Handling is
// sequential per connection; the transport reader calls this inline.
//
// Failures along the pipeline answer the client with an error envelope and
// never tear the connection down, except a rate-limit kick.
func (f *Fabric) HandleIncoming(ctx context.Context, connID string, raw []byte) {
	rec, ok := f.reg.Get(connID)
	if !ok {
		f.logger.Debug("INCOMING_UNKNOWN_CONN", "conn_id", connID)
		return
	}
	rec.TouchRecv(f.clock.Now())
	rec.CountReceived(len(raw))
	f.track.MsgReceived()

	if v := f.limiter.Observe(connID); !v.Allowed {
		f.track.RateLimited()
		if v.Kick {
			f.logger.Info("RATE_LIMIT_KICK",
				"conn_id", connID,
				"user_id", rec.UserID,
				"violations", v.Violations,
			)
			f.Disconnect(ctx, connID, "Rate limit exceeded", envelope.CloseRateLimited)
			return
		}
		f.logger.Debug("RATE_LIMITED", "conn_id", connID, "retry_after", v.RetryAfter)
		f.reply(ctx, rec, envelope.NewError(
			"Rate limit exceeded", "rate_limited", "", "", true,
			map[string]any{"retry_after_ms": v.RetryAfter.Milliseconds()},
		))
		return
	}

	if err := f.validator.CheckFrame(raw); err != nil {
		f.rejectFrame(ctx, rec, err)
		return
	}
	f.dispatch(ctx, rec, raw)
}

// dispatch decodes and routes one checked frame. Reassembled transfers
// re-enter here, past the single-frame size cap that would refuse them.
func (f *Fabric) dispatch(ctx context.Context, rec *conn.Record, raw []byte) {
	m, err := envelope.Decode(raw)
	if err != nil {
		f.track.ValidationReject()
		f.reply(ctx, rec, envelope.NewError(
			"Invalid JSON message", "validation_error", validate.CodeBadEncoding, "", true, nil,
		))
		return
	}

	res, err := f.validator.Inspect(m)
	if err != nil {
		f.rejectFrame(ctx, rec, err)
		return
	}
	if res.Fallback {
		f.track.FallbackApplied()
		f.logger.Debug("UNKNOWN_TYPE_FALLBACK", "conn_id", rec.ID, "msg_type", res.Type)
		f.reply(ctx, rec, envelope.NewUnknownTypeFallback(res.Type, res.OriginalPayload))
		return
	}

	switch res.Type {
	case envelope.TypeHeartbeatPong, envelope.TypeHeartbeatResponse:
		f.HandlePong(rec.ID, m)

	case envelope.TypeHeartbeatPing:
		// Client-initiated probe; answer in kind.
		if data, err := envelope.NewHeartbeatResponse(rec.ID).Encode(); err == nil {
			_, _ = f.sender.SendRaw(ctx, rec, envelope.TypeHeartbeatResponse, data)
		}

	case envelope.TypeChunk:
		f.acceptChunk(ctx, rec, raw)

	case envelope.TypeJoinRoom, envelope.TypeLeaveRoom:
		f.handleRoomChange(ctx, rec, res.Type, m)

	case envelope.TypeGetCurrentState, envelope.TypeStateUpdate,
		envelope.TypePartialStateUpdate, envelope.TypeClientStateUpdate:
		f.handleStateSync(ctx, rec, res.Type, m)

	default:
		f.forwardToApp(ctx, rec, m)
	}
}

// acceptChunk folds one chunk into its transfer, reports progress and, when
// the transfer completes, feeds the reassembled message back through
// dispatch.
func (f *Fabric) acceptChunk(ctx context.Context, rec *conn.Record, raw []byte) {
	var ch envelope.Chunk
	if err := json.Unmarshal(raw, &ch); err != nil {
		f.reply(ctx, rec, envelope.NewError(
			"Malformed chunk frame", "chunk_error", "", "", true, nil,
		))
		return
	}

	result, err := f.assembler.Accept(&ch)
	if err != nil {
		f.logger.Debug("CHUNK_REJECTED", "conn_id", rec.ID, "transfer_id", ch.TransferID, "err", err)
		f.reply(ctx, rec, envelope.NewError(
			"Chunk rejected: "+err.Error(), "chunk_error", "", "", true,
			map[string]any{"transfer_id": ch.TransferID},
		))
		return
	}
	if result == nil {
		if n := ch.ChunkIndex + 1; n%progressEvery == 0 && n < ch.TotalChunks {
			f.reply(ctx, rec, envelope.NewUploadProgress(ch.TransferID, n, ch.TotalChunks))
		}
		return
	}

	f.logger.Debug("CHUNK_TRANSFER_COMPLETE",
		"conn_id", rec.ID,
		"transfer_id", ch.TransferID,
		"msg_type", result.MessageType,
		"chunks", result.Chunks,
		"bytes", len(result.Payload),
		"elapsed", result.Elapsed,
	)
	f.reply(ctx, rec, envelope.NewUploadProgress(ch.TransferID, result.Chunks, result.Chunks))
	f.dispatch(ctx, rec, result.Payload)
}

func (f *Fabric) handleRoomChange(ctx context.Context, rec *conn.Record, msgType string, m map[string]any) {
	room := ""
	if payload, ok := m["payload"].(map[string]any); ok {
		room, _ = payload["room"].(string)
	}
	if room == "" {
		f.reply(ctx, rec, envelope.NewError(
			"Room name required", "validation_error", validate.CodeSchema, "payload.room", true, nil,
		))
		return
	}

	var err error
	if msgType == envelope.TypeJoinRoom {
		err = f.JoinRoom(rec.ID, room)
	} else {
		err = f.LeaveRoom(rec.ID, room)
	}
	if err != nil {
		f.reply(ctx, rec, envelope.NewError(
			"Room change failed", "room_error", "", "payload.room", true,
			map[string]any{"room": room},
		))
	}
}

func (f *Fabric) handleStateSync(ctx context.Context, rec *conn.Record, msgType string, m map[string]any) {
	reply, err := f.syncer.HandleStateSync(ctx, rec.UserID, rec.ID, msgType, m)
	if err != nil {
		f.logger.Error("STATE_SYNC_FAILED",
			"conn_id", rec.ID,
			"user_id", rec.UserID,
			"msg_type", msgType,
			"err", err,
		)
		f.reply(ctx, rec, envelope.NewError(
			"State sync failed", "state_sync_error", "", "", true, nil,
		))
		return
	}
	if reply != nil {
		f.reply(ctx, rec, reply)
	}
}

// forwardToApp hands a validated application message to the backend handler.
// payload.text travels verbatim; everything around it is sanitized.
func (f *Fabric) forwardToApp(ctx context.Context, rec *conn.Record, m map[string]any) {
	clean := validate.SanitizeSkipText(m)
	raw, err := json.Marshal(clean)
	if err != nil {
		f.logger.Error("APP_MESSAGE_ENCODE_FAILED", "conn_id", rec.ID, "err", err)
		return
	}
	if err := f.app.HandleMessage(ctx, rec.UserID, raw, f.db); err != nil {
		f.logger.Error("APP_HANDLER_FAILED",
			"conn_id", rec.ID,
			"user_id", rec.UserID,
			"err", err,
		)
		f.reply(ctx, rec, envelope.NewError(
			"Message processing failed", "handler_error", "", "", true, nil,
		))
	}
}

// rejectFrame answers a validation failure. Violations carry their own field
// and code; anything else degrades to a generic validation error.
func (f *Fabric) rejectFrame(ctx context.Context, rec *conn.Record, err error) {
	f.track.ValidationReject()

	var viol *validate.Violation
	if !errors.As(err, &viol) {
		f.reply(ctx, rec, envelope.NewError(err.Error(), "validation_error", "", "", true, nil))
		return
	}

	f.logger.Debug("FRAME_REJECTED",
		"conn_id", rec.ID,
		"code", viol.Code,
		"field", viol.Field,
	)
	var details map[string]any
	if viol.Received != nil {
		details = map[string]any{"received": viol.Received}
	}
	f.reply(ctx, rec, envelope.NewError(
		viol.Message, "validation_error", viol.Code, viol.Field, viol.Recoverable, details,
	))
}

// reply pushes a pipeline answer straight to the originating socket.
func (f *Fabric) reply(ctx context.Context, rec *conn.Record, env *envelope.Envelope) {
	_, _ = f.sender.Send(ctx, rec, env)
}
