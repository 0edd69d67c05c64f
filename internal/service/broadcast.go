package service

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
)

// broadcastConcurrency bounds the fan-out workers so one broadcast cannot
// monopolize the scheduler on a node with thousands of sessions.
const broadcastConcurrency = 16

// BroadcastResult totals one fan-out pass.
type BroadcastResult struct {
	// Targets is the snapshot size the broadcast saw.
	Targets int `json:"targets"`
	// Delivered counts frames that hit a wire.
	Delivered int `json:"delivered"`
	// Failed counts targets that did not take the frame for any reason.
	Failed int `json:"failed"`
	// Dead counts targets found unrecoverable and handed to cleanup.
	Dead int `json:"dead"`
}

// BroadcastAll fans one envelope to every live session.
//
// The registry snapshot detaches under the lock; sends run outside it; dead
// records discovered along the way are removed afterwards in one cleanup
// pass through the normal disconnect path.
func (f *Fabric) BroadcastAll(ctx context.Context, env *envelope.Envelope) BroadcastResult {
	return f.fan(ctx, f.reg.Snapshot(), env)
}

// BroadcastUser fans one envelope to every session of one user.
func (f *Fabric) BroadcastUser(ctx context.Context, userID string, env *envelope.Envelope) BroadcastResult {
	return f.fan(ctx, f.reg.ByUser(userID), env)
}

// BroadcastRoom fans one envelope to every member of a room.
func (f *Fabric) BroadcastRoom(ctx context.Context, room string, env *envelope.Envelope) BroadcastResult {
	return f.fan(ctx, f.reg.ByRoom(room), env)
}

func (f *Fabric) fan(ctx context.Context, targets []*conn.Record, env *envelope.Envelope) BroadcastResult {
	res := BroadcastResult{Targets: len(targets)}
	if len(targets) == 0 || env == nil {
		return res
	}

	var mu sync.Mutex
	var dead []*conn.Record

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)

	for _, rec := range targets {
		g.Go(func() error {
			out, _ := f.sender.Send(gctx, rec, env)

			mu.Lock()
			defer mu.Unlock()
			switch out {
			case SendOK:
				res.Delivered++
			case SendDropped, SendFatal:
				res.Failed++
				dead = append(dead, rec)
			default:
				res.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	// [CLEANUP_PASS] One sweep for everything the fan-out killed or found dead.
	for _, rec := range dead {
		f.Disconnect(ctx, rec.ID, "Connection lost during broadcast", envelope.CloseGoingAway)
	}
	res.Dead = len(dead)

	f.track.BroadcastResult(res.Delivered, res.Failed)
	f.logger.Debug("BROADCAST_COMPLETED",
		"msg_type", env.Type,
		"targets", res.Targets,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"dead", res.Dead,
	)
	return res
}
