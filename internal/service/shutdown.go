package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/event"
	"github.com/relaygrid/session-fabric/internal/domain/queue"
)

// ErrShutdownInProgress marks a second Shutdown call while the first one is
// still running or already done.
var ErrShutdownInProgress = errors.New("service: shutdown already in progress")

// drainPoll is the cadence of the quiescence check during the drain phase.
const drainPoll = 100 * time.Millisecond

// Store keys written by the coordinator. The pending backlog is keyed per
// user so a later process can replay it into fresh sessions.
const (
	keyLastReport = "shutdown:last_report"
	keyPendingFmt = "shutdown:pending:"
)

// ShutdownReport is the final accounting of one shutdown run.
type ShutdownReport struct {
	Reason     string    `json:"reason"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Phase durations, in order of execution.
	StopAcceptingTook time.Duration `json:"stop_accepting_took"`
	NotifyTook        time.Duration `json:"notify_took"`
	DrainTook         time.Duration `json:"drain_took"`
	HeartbeatStopTook time.Duration `json:"heartbeat_stop_took"`
	ForceCloseTook    time.Duration `json:"force_close_took"`

	TotalConnections  int  `json:"total_connections"`
	Notified          int  `json:"notified"`
	GracefullyClosed  int  `json:"gracefully_closed"`
	ForceClosed       int  `json:"force_closed"`
	MessagesPreserved int  `json:"messages_preserved"`
	MessagesLost      int  `json:"messages_lost"`
	Success           bool `json:"success"`
}

// RegisterCleanup queues a callback for the force-close phase. Callbacks run
// after the last socket is gone, in registration order.
func (f *Fabric) RegisterCleanup(fn func(context.Context)) {
	f.mu.Lock()
	f.cleanupFns = append(f.cleanupFns, fn)
	f.mu.Unlock()
}

// Shutdown runs the five-phase coordinated stop: refuse admission, notify
// and mark clients draining, flush queues until quiescent or out of time,
// stop the heartbeat, force the stragglers closed. Exactly one caller runs
// it; the rest get the in-progress marker and, once available, the report.
func (f *Fabric) Shutdown(ctx context.Context, reason string) (*ShutdownReport, error) {
	if !f.down.CompareAndSwap(false, true) {
		f.shutMu.Lock()
		done := f.shutDone
		f.shutMu.Unlock()
		return done, ErrShutdownInProgress
	}

	started := f.clock.Now()
	report := &ShutdownReport{Reason: reason, StartedAt: started}

	f.logger.Info("SHUTDOWN_STARTED",
		"reason", reason,
		"connections", f.reg.Len(),
		"drain_timeout", f.cfg.DrainTimeout,
	)

	// Phase 1: the down flag set above already gates admit and the outer
	// handshake; nothing else to do but take the timestamp.
	report.StopAcceptingTook = f.clock.Since(started)

	// Phase 2: one notice frame to every live session, then mark it draining
	// so the write gate keeps it flushable but admission treats it closing.
	phaseStart := f.clock.Now()
	snapshot := f.reg.Snapshot()
	report.TotalConnections = len(snapshot)
	report.Notified = f.notifyShutdown(ctx, snapshot)
	report.NotifyTook = f.clock.Since(phaseStart)

	// Phase 3: pump the queues into the draining sockets.
	phaseStart = f.clock.Now()
	flushed := f.drainQueues(ctx)
	report.DrainTook = f.clock.Since(phaseStart)

	// Phase 4: no pings into sockets we are about to close.
	phaseStart = f.clock.Now()
	f.hbCancel()
	report.HeartbeatStopTook = f.clock.Since(phaseStart)

	// Phase 5: force the remainder closed, park the unsent backlog, run the
	// registered cleanups.
	phaseStart = f.clock.Now()
	remaining := f.reg.Snapshot()
	report.ForceClosed = len(remaining)
	report.GracefullyClosed = report.TotalConnections - report.ForceClosed
	for _, rec := range remaining {
		if err := rec.Transition(conn.StateClosing); err != nil && rec.State() != conn.StateClosed {
			rec.Fail()
		}
		if err := rec.Transport().Close(envelope.CloseGoingAway, "Server shutdown"); err != nil {
			f.logger.Debug("TRANSPORT_CLOSE_FAILED", "conn_id", rec.ID, "err", err)
		}
		f.teardown(ctx, rec, "Server shutdown", envelope.CloseGoingAway)
	}

	// Stop the pumps and the janitor before touching the queues so nothing
	// is in flight while the backlog is parked.
	f.cancelAll()
	f.wg.Wait()

	preservedBacklog, lost := f.parkBacklog(ctx)
	report.MessagesPreserved = flushed + preservedBacklog
	report.MessagesLost = lost

	f.mu.Lock()
	cleanups := f.cleanupFns
	f.cleanupFns = nil
	f.mu.Unlock()
	for _, fn := range cleanups {
		fn(ctx)
	}
	report.ForceCloseTook = f.clock.Since(phaseStart)

	report.FinishedAt = f.clock.Now()
	report.Success = report.MessagesLost == 0
	f.persistReport(ctx, report)

	f.shutMu.Lock()
	f.shutDone = report
	f.shutMu.Unlock()

	f.logger.Info("SHUTDOWN_COMPLETED",
		"reason", reason,
		"total", report.TotalConnections,
		"gracefully_closed", report.GracefullyClosed,
		"force_closed", report.ForceClosed,
		"messages_preserved", report.MessagesPreserved,
		"messages_lost", report.MessagesLost,
		"took", report.FinishedAt.Sub(report.StartedAt),
		"success", report.Success,
	)
	f.publish(ctx, event.NewShutdownCompletedV1(report))
	return report, nil
}

// notifyShutdown pushes the drain notice and moves every notified record to
// DRAINING. The frame encodes once; per-record failures only lose the notice,
// never the transition.
func (f *Fabric) notifyShutdown(ctx context.Context, snapshot []*conn.Record) int {
	var data []byte
	if !f.cfg.SkipShutdownNotice {
		var err error
		data, err = envelope.NewServerShutdown("Server is shutting down", f.cfg.DrainTimeout).Encode()
		if err != nil {
			f.logger.Error("SHUTDOWN_NOTICE_ENCODE_FAILED", "err", err)
			data = nil
		}
	}

	notified := 0
	for _, rec := range snapshot {
		if data != nil {
			if out, _ := f.sender.SendRaw(ctx, rec, envelope.TypeServerShutdown, data); out == SendOK {
				notified++
			}
		}
		_ = rec.Transition(conn.StateDraining)
	}
	return notified
}

// drainQueues flushes the per-user pumps until every queue is quiescent, no
// sockets remain, or the drain window closes. Returns the number of frames
// that reached a wire during the window.
func (f *Fabric) drainQueues(ctx context.Context) int {
	before := f.queueTotals()
	deadline := f.clock.Now().Add(f.cfg.DrainTimeout)

	for {
		flushAll(ctx, f.pumpSnapshot())
		if f.quiescent() || f.reg.Len() == 0 || ctx.Err() != nil {
			break
		}
		if !f.clock.Now().Before(deadline) {
			f.logger.Warn("DRAIN_TIMEOUT", "pending", f.queueTotals().pending)
			break
		}
		select {
		case <-ctx.Done():
		case <-f.clock.After(drainPoll):
		}
	}
	// Delivered counters only grow; the delta is what the drain flushed.
	return int(f.queueTotals().delivered - before.delivered)
}

type queueTotals struct {
	pending   int
	delivered uint64
}

func (f *Fabric) queueTotals() queueTotals {
	var t queueTotals
	f.mailboxes.Range(func(_ string, q *queue.Queue) bool {
		t.pending += q.Len()
		t.delivered += q.Snapshot().Delivered
		return true
	})
	return t
}

func (f *Fabric) quiescent() bool {
	return f.mailboxes.TotalDepth() == 0
}

func (f *Fabric) pumpSnapshot() []*pump {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*pump, 0, len(f.pumps))
	for _, p := range f.pumps {
		out = append(out, p)
	}
	return out
}

// parkBacklog persists whatever the drain could not deliver, one document per
// user, so a later process can replay it. Returns (preserved, lost).
func (f *Fabric) parkBacklog(ctx context.Context) (int, int) {
	queues := make(map[string]*queue.Queue)
	f.mailboxes.Range(func(userID string, q *queue.Queue) bool {
		queues[userID] = q
		return true
	})

	preserved, lost := 0, 0
	for userID, q := range queues {
		left := q.Drain()
		if len(left) == 0 {
			continue
		}
		envs := make([]*envelope.Envelope, 0, len(left))
		for _, item := range left {
			envs = append(envs, item.Env)
		}
		data, err := json.Marshal(envs)
		if err == nil {
			err = f.db.Put(ctx, keyPendingFmt+userID, data, f.cfg.Reconnect.Window)
		}
		if err != nil {
			lost += len(left)
			f.track.MessagesLost(uint64(len(left)))
			f.logger.Error("SHUTDOWN_BACKLOG_LOST", "user_id", userID, "count", len(left), "err", err)
			continue
		}
		preserved += len(left)
		f.logger.Info("SHUTDOWN_BACKLOG_PARKED", "user_id", userID, "count", len(left))
	}
	return preserved, lost
}

func (f *Fabric) persistReport(ctx context.Context, report *ShutdownReport) {
	data, err := json.Marshal(report)
	if err == nil {
		err = f.db.Put(ctx, keyLastReport, data, 0)
	}
	if err != nil {
		f.logger.Warn("SHUTDOWN_REPORT_NOT_PERSISTED", "err", err)
	}
}
