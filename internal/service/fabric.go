/*
Package service composes the session fabric: registry, per-user queues and
pumps, sender, heartbeat supervisor, reconnection ledger, validator, rate
limiter, telemetry and the shutdown coordinator, behind one Manager surface
that the websocket, long-poll and bus handlers all speak to.

The layer owns no I/O of its own beyond wiring: every externally visible
operation takes effect through the domain components.
*/
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/relaygrid/session-fabric/infra/store"
	"github.com/relaygrid/session-fabric/internal/domain/codec"
	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/event"
	"github.com/relaygrid/session-fabric/internal/domain/heartbeat"
	"github.com/relaygrid/session-fabric/internal/domain/queue"
	"github.com/relaygrid/session-fabric/internal/domain/ratelimit"
	"github.com/relaygrid/session-fabric/internal/domain/reconnect"
	"github.com/relaygrid/session-fabric/internal/domain/registry"
	"github.com/relaygrid/session-fabric/internal/domain/telemetry"
	"github.com/relaygrid/session-fabric/internal/domain/validate"
)

var (
	// ErrShuttingDown rejects admission once shutdown has begun.
	ErrShuttingDown = errors.New("service: shutting down")
	// ErrServerFull rejects admission at the node-wide connection cap.
	ErrServerFull = errors.New("service: connection limit reached")
	// ErrUserLimit rejects admission at the per-user connection cap.
	ErrUserLimit = errors.New("service: per-user connection limit reached")
	// ErrNotConnected reports a send to a user with no session and no
	// reconnect window open.
	ErrNotConnected = errors.New("service: user not connected")
)

// [FABRIC_SERVICE] PRIMARY INTERFACE FOR TRANSPORT HANDLERS (Websocket/LP/Bus)
type Manager interface {
	Connect(ctx context.Context, userID string, t conn.Transport, meta conn.Meta) (*conn.Record, error)
	Resume(ctx context.Context, token, userID string, t conn.Transport, meta conn.Meta) (*conn.Record, error)
	Disconnect(ctx context.Context, connID, reason string, code int)

	HandleIncoming(ctx context.Context, connID string, raw []byte)
	HandlePong(connID string, msg map[string]any)

	SendToUser(ctx context.Context, userID string, env *envelope.Envelope) error
	SendError(ctx context.Context, userID, message, errType string, recoverable bool) error
	SendLog(ctx context.Context, userID, level, message string, fields map[string]any) error
	SendToolCall(ctx context.Context, userID, callID, tool string, args map[string]any) error
	SendToolResult(ctx context.Context, userID, callID string, result any, errMsg string) error
	SendSubAgentUpdate(ctx context.Context, userID, agentID, status string, detail any) error

	BroadcastAll(ctx context.Context, env *envelope.Envelope) BroadcastResult
	BroadcastUser(ctx context.Context, userID string, env *envelope.Envelope) BroadcastResult
	BroadcastRoom(ctx context.Context, room string, env *envelope.Envelope) BroadcastResult

	JoinRoom(connID, room string) error
	LeaveRoom(connID, room string) error

	UserConnected(userID string) bool
	Draining() bool
	Shutdown(ctx context.Context, reason string) (*ShutdownReport, error)
	Stats() StatsSnapshot
}

// Interface guards
var (
	_ Manager          = (*Fabric)(nil)
	_ heartbeat.Reaper = (*Fabric)(nil)
	_ heartbeat.Source = (*Fabric)(nil)
)

// Fabric is the concrete manager. One instance per process; all state is
// instance-local so tests can run fabrics side by side.
type Fabric struct {
	cfg    Config
	logger *slog.Logger
	clock  clockwork.Clock

	reg       registry.Registrar
	sender    *Sender
	hb        *heartbeat.Supervisor
	ledger    *reconnect.Ledger
	limiter   *ratelimit.Limiter
	validator *validate.Validator
	assembler *codec.Reassembler
	track     *telemetry.Tracker
	db        store.Store
	app       AppHandler
	syncer    StateSyncHandler
	events    EventSink

	startedAt time.Time

	// mu guards the pump table, the token table and the cleanup hooks, and
	// serializes queue lifecycle so a mailbox and its pump stay paired.
	mu           sync.Mutex
	mailboxes    *queue.Manager
	pumps        map[string]*pump
	resumeTokens map[string]string // conn id -> token handed out at connect
	cleanupFns   []func(context.Context)

	baseCtx   context.Context
	cancelAll context.CancelFunc
	hbCtx     context.Context
	hbCancel  context.CancelFunc
	wg        sync.WaitGroup

	down     atomic.Bool
	shutMu   sync.Mutex
	shutDone *ShutdownReport
}

// NewFabric wires the manager. The heartbeat supervisor is built here because
// it closes over the fabric itself (reaper) and the sender (pinger).
func NewFabric(
	cfg Config,
	hbCfg heartbeat.Config,
	reg registry.Registrar,
	validator *validate.Validator,
	limiter *ratelimit.Limiter,
	track *telemetry.Tracker,
	db store.Store,
	app AppHandler,
	syncer StateSyncHandler,
	events EventSink,
	clock clockwork.Clock,
	logger *slog.Logger,
) *Fabric {
	cfg = cfg.withDefaults()
	if app == nil {
		app = NopAppHandler{}
	}
	if syncer == nil {
		syncer = NopStateSyncHandler{}
	}
	if events == nil {
		events = NopEventSink{}
	}

	f := &Fabric{
		cfg:          cfg,
		logger:       logger,
		clock:        clock,
		reg:          reg,
		sender:       NewSender(clock, logger, track, cfg.Codec, cfg.FlushTimeout),
		ledger:       reconnect.New(cfg.Reconnect, clock),
		limiter:      limiter,
		validator:    validator,
		assembler:    codec.NewReassembler(0, 0, 0),
		track:        track,
		db:           db,
		app:          app,
		syncer:       syncer,
		events:       events,
		startedAt:    clock.Now(),
		mailboxes:    queue.NewManager(clock, cfg.Queue),
		pumps:        make(map[string]*pump),
		resumeTokens: make(map[string]string),
	}
	f.baseCtx, f.cancelAll = context.WithCancel(context.Background())
	f.hbCtx, f.hbCancel = context.WithCancel(f.baseCtx)
	f.hb = heartbeat.New(hbCfg, clock, logger, f, f.sender, f)
	return f
}

// Snapshot feeds the heartbeat supervisor the live connection set.
func (f *Fabric) Snapshot() []*conn.Record { return f.reg.Snapshot() }

// Sender exposes the write path to sibling handlers (long-poll ack frames).
func (f *Fabric) Sender() *Sender { return f.sender }

// Heartbeat exposes probe metrics to the stats surface.
func (f *Fabric) Heartbeat() *heartbeat.Supervisor { return f.hb }

// Start launches the background tasks: heartbeat supervisor and janitor.
func (f *Fabric) Start() {
	f.wg.Add(2)
	go func() {
		defer f.wg.Done()
		f.hb.Run(f.hbCtx)
	}()
	go func() {
		defer f.wg.Done()
		f.janitor(f.baseCtx)
	}()
	f.logger.Info("FABRIC_STARTED",
		"max_conns", f.cfg.MaxConns,
		"max_conns_per_user", f.cfg.MaxConnsPerUser,
		"priority_threshold", int(f.cfg.PriorityThreshold),
	)
}

// Connect admits a fresh session: limits, registration, activation, queue
// attachment and the connected acknowledgement.
func (f *Fabric) Connect(ctx context.Context, userID string, t conn.Transport, meta conn.Meta) (*conn.Record, error) {
	rec, token, err := f.admit(userID, t, meta)
	if err != nil {
		return nil, err
	}
	f.finishConnect(ctx, rec, token)
	return rec, nil
}

// Resume revives a parked session under a new transport. The ledger entry
// survives a failed admission so the client may retry; it is consumed only
// once the new record is live.
func (f *Fabric) Resume(ctx context.Context, token, userID string, t conn.Transport, meta conn.Meta) (*conn.Record, error) {
	entry, err := f.ledger.Attempt(token)
	if err != nil {
		return nil, err
	}
	if entry.UserID != userID {
		// A token presented by the wrong identity is indistinguishable from
		// a guessed one.
		return nil, reconnect.ErrUnknownToken
	}

	meta.Resumed = true
	rec, freshToken, err := f.admit(userID, t, meta)
	if err != nil {
		return nil, err
	}

	rec.RestoreCounters(entry.Snapshot.Sent, entry.Snapshot.Received, entry.Snapshot.Errors)
	for _, room := range entry.Snapshot.Rooms {
		_ = f.reg.JoinRoom(rec.ID, room)
	}
	f.ledger.Consume(token)
	f.track.SessionResumed()

	f.logger.Info("SESSION_RESUMED",
		"user_id", userID,
		"conn_id", rec.ID,
		"previous_conn_id", entry.OriginalConnID,
		"attempts", entry.Attempts,
	)

	f.finishConnect(ctx, rec, freshToken)
	return rec, nil
}

// admit runs the shared limit checks and registration. It returns the record
// still holding its connected acknowledgement, plus the resume token minted
// for this session.
func (f *Fabric) admit(userID string, t conn.Transport, meta conn.Meta) (*conn.Record, string, error) {
	if f.down.Load() {
		return nil, "", ErrShuttingDown
	}
	if f.reg.Len() >= f.cfg.MaxConns {
		return nil, "", ErrServerFull
	}
	if f.reg.CountUser(userID) >= f.cfg.MaxConnsPerUser {
		return nil, "", fmt.Errorf("%w: user %s already holds %d", ErrUserLimit, userID, f.cfg.MaxConnsPerUser)
	}

	rec := conn.New(userID, t, meta)
	if err := f.reg.Register(rec); err != nil {
		return nil, "", err
	}
	if err := rec.Activate(); err != nil {
		f.reg.Unregister(rec.ID)
		return nil, "", err
	}

	token := uuid.NewString()
	f.mu.Lock()
	f.resumeTokens[rec.ID] = token
	f.mu.Unlock()

	f.track.ConnOpened()
	return rec, token, nil
}

// finishConnect attaches the user queue, flushes any parked backlog to the
// fresh socket and announces the session.
func (f *Fabric) finishConnect(ctx context.Context, rec *conn.Record, token string) {
	q, p := f.ensureQueue(rec.UserID)
	p.Kick()

	ack := envelope.NewConnected(rec.ID, f.cfg.ServerVersion, token, rec.Meta.Resumed, q.Len())
	if out, err := f.sender.Send(ctx, rec, ack); out != SendOK {
		f.logger.Warn("CONNECTED_ACK_NOT_DELIVERED", "conn_id", rec.ID, "outcome", out.String(), "err", err)
	}

	f.logger.Info("SESSION_CONNECTED",
		"user_id", rec.UserID,
		"conn_id", rec.ID,
		"transport", rec.Transport().Kind(),
		"remote_addr", rec.Meta.RemoteAddr,
		"resumed", rec.Meta.Resumed,
	)
	f.publish(ctx, event.NewSessionConnectedV1(rec.UserID, rec.ID, rec.Transport().Kind(), rec.Meta.Resumed))
}

// Disconnect tears one session down through the normal path. Idempotent:
// whoever wins the unregister race performs the teardown, later callers
// no-op.
func (f *Fabric) Disconnect(ctx context.Context, connID, reason string, code int) {
	rec, ok := f.reg.Get(connID)
	if !ok {
		return
	}
	if err := rec.Transition(conn.StateClosing); err != nil && rec.State() != conn.StateClosed {
		rec.Fail()
	}
	if err := rec.Transport().Close(code, reason); err != nil {
		f.logger.Debug("TRANSPORT_CLOSE_FAILED", "conn_id", connID, "err", err)
	}
	f.teardown(ctx, rec, reason, code)
}

// teardown finishes a record's life: deindex, forget in the supervisors,
// park the session for resume when appropriate, settle the final state and
// announce the closure. Safe to call from any goroutine; only the caller
// that wins the Unregister race proceeds.
func (f *Fabric) teardown(ctx context.Context, rec *conn.Record, reason string, code int) {
	if _, ok := f.reg.Unregister(rec.ID); !ok {
		return
	}

	f.hb.Forget(rec.ID)
	f.limiter.Forget(rec.ID)

	f.mu.Lock()
	token := f.resumeTokens[rec.ID]
	delete(f.resumeTokens, rec.ID)
	f.mu.Unlock()

	clean := code == envelope.CloseNormal
	sent, received, errs := rec.Counters()

	// Unclean exits get a resume window; clean goodbyes and shutdown do not.
	if token != "" && !clean && !f.down.Load() {
		f.ledger.PrepareToken(token, rec.UserID, rec.ID, reconnect.Snapshot{
			ConnectedAt: rec.ConnectedAt,
			Sent:        sent,
			Received:    received,
			Errors:      errs,
			Rooms:       rec.Rooms(),
		})
	}

	if err := rec.Transition(conn.StateClosed); err != nil {
		rec.Fail()
		_ = rec.Transition(conn.StateClosed)
	}

	f.track.ConnClosed()
	f.logger.Info("SESSION_CLOSED",
		"user_id", rec.UserID,
		"conn_id", rec.ID,
		"reason", reason,
		"code", code,
		"clean", clean,
		"sent", sent,
		"received", received,
	)
	f.publish(ctx, event.NewSessionClosedV1(rec.UserID, rec.ID, code, reason, clean, sent, received, errs))
}

// ReapZombie is the heartbeat supervisor's callback once a staged zombie's
// grace lapsed without a pong.
func (f *Fabric) ReapZombie(rec *conn.Record, misses int, lastSeen time.Time) {
	ctx := context.Background()
	f.track.ZombieDetected()

	if err := rec.Transition(conn.StateClosing); err != nil && rec.State() != conn.StateClosed {
		rec.Fail()
	}
	if err := rec.Transport().Close(envelope.CloseGoingAway, "Zombie connection"); err != nil {
		f.logger.Debug("TRANSPORT_CLOSE_FAILED", "conn_id", rec.ID, "err", err)
	}

	f.teardown(ctx, rec, "Zombie connection", envelope.CloseGoingAway)
	f.publish(ctx, event.NewZombieReapedV1(rec.UserID, rec.ID, misses, lastSeen))
}

// ensureQueue returns the user's mailbox and pump, creating and starting
// them on first use. A drained mailbox left over from an earlier prune is
// replaced wholesale.
func (f *Fabric) ensureQueue(userID string) (*queue.Queue, *pump) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if q, ok := f.mailboxes.Get(userID); ok && !q.Closed() {
		return q, f.pumps[userID]
	}
	f.mailboxes.Remove(userID)
	delete(f.pumps, userID)

	q := f.mailboxes.GetOrCreate(userID)
	p := newPump(userID, q, f.reg, f.sender, f.clock, f.logger)
	f.pumps[userID] = p

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		p.run(f.baseCtx)
	}()
	return q, p
}

// queueFor returns the user's live mailbox, or nil when the user has neither
// a session nor an open reconnect window.
func (f *Fabric) queueFor(userID string) *queue.Queue {
	f.mu.Lock()
	q, ok := f.mailboxes.Get(userID)
	f.mu.Unlock()
	if ok && !q.Closed() {
		return q
	}
	if f.reg.CountUser(userID) > 0 || f.ledger.HasUser(userID) {
		q, _ := f.ensureQueue(userID)
		return q
	}
	return nil
}

// SendToUser delivers one envelope to every session of a user. Frames at or
// above the priority threshold go straight to the sockets; everything else
// rides the queue. With no socket live the frame is queued for the resume
// window, and with no window either the send is refused.
func (f *Fabric) SendToUser(ctx context.Context, userID string, env *envelope.Envelope) error {
	if env == nil {
		return errors.New("service: nil envelope")
	}
	q := f.queueFor(userID)
	if q == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, userID)
	}

	if env.Priority >= f.cfg.PriorityThreshold {
		delivered := 0
		for _, rec := range writableOf(f.reg.ByUser(userID)) {
			if out, _ := f.sender.Send(ctx, rec, env); out == SendOK {
				delivered++
			}
		}
		if delivered > 0 {
			return nil
		}
		// No socket took the urgent frame right now; park it at the front of
		// the line instead of losing it.
	}

	if err := q.Enqueue(env); err != nil {
		return fmt.Errorf("service: enqueue for %s: %w", userID, err)
	}
	return nil
}

// JoinRoom subscribes a connection to a room feed.
func (f *Fabric) JoinRoom(connID, room string) error {
	if err := f.reg.JoinRoom(connID, room); err != nil {
		return err
	}
	f.logger.Debug("ROOM_JOINED", "conn_id", connID, "room", room)
	return nil
}

// LeaveRoom unsubscribes a connection from a room feed.
func (f *Fabric) LeaveRoom(connID, room string) error {
	if err := f.reg.LeaveRoom(connID, room); err != nil {
		return err
	}
	f.logger.Debug("ROOM_LEFT", "conn_id", connID, "room", room)
	return nil
}

// UserConnected is the locality filter for bus-ingested commands: nodes skip
// users they do not host.
func (f *Fabric) UserConnected(userID string) bool {
	return f.reg.CountUser(userID) > 0
}

// Draining reports whether shutdown has begun.
func (f *Fabric) Draining() bool { return f.down.Load() }

// janitor periodically evicts ghosts, disconnects idle sessions, expires the
// resume ledger and prunes orphaned queues.
func (f *Fabric) janitor(ctx context.Context) {
	ticker := f.clock.NewTicker(f.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			f.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one janitor pass.
func (f *Fabric) SweepOnce(ctx context.Context) {
	now := f.clock.Now()

	for _, rec := range f.reg.Snapshot() {
		switch {
		case rec.CleanupEligible(now, f.cfg.GhostAfter):
			f.logger.Warn("GHOST_CONNECTION_EVICTED",
				"conn_id", rec.ID,
				"user_id", rec.UserID,
				"state", rec.State().String(),
			)
			if err := rec.Transport().Close(envelope.CloseGoingAway, "Connection cleanup"); err != nil {
				f.logger.Debug("TRANSPORT_CLOSE_FAILED", "conn_id", rec.ID, "err", err)
			}
			f.teardown(ctx, rec, "Connection cleanup", envelope.CloseGoingAway)

		case f.cfg.IdleTimeout > 0 && rec.Idle(now, f.cfg.IdleTimeout):
			f.logger.Info("IDLE_CONNECTION_CLOSED", "conn_id", rec.ID, "user_id", rec.UserID)
			f.Disconnect(ctx, rec.ID, "Idle timeout", envelope.CloseNormal)
		}
	}

	for _, e := range f.ledger.Sweep() {
		f.logger.Debug("RESUME_WINDOW_EXPIRED", "user_id", e.UserID, "conn_id", e.OriginalConnID)
	}

	f.pruneQueues()

	_, avgRTT := f.fleetHealth(f.reg.Snapshot(), now)
	f.track.Observe(telemetry.Sample{
		At:         now,
		Active:     f.reg.Len(),
		QueueDepth: f.queueTotals().pending,
		AvgRTT:     avgRTT,
	})
}

// pruneQueues drains mailboxes whose user has no session, no resume window
// and no recent activity. Whatever is still queued at that point is lost and
// counted; a mailbox touched within the last sweep gets one more interval so
// a racing connect can still claim it.
func (f *Fabric) pruneQueues() {
	cutoff := f.clock.Now().Add(-f.cfg.SweepInterval)

	var victims []string
	for _, userID := range f.mailboxes.IdleSince(cutoff) {
		if f.reg.CountUser(userID) > 0 || f.ledger.HasUser(userID) {
			continue
		}
		victims = append(victims, userID)
	}
	// An idle mailbox holds nothing, but a user gone without a window may
	// still own a loaded one; those are discarded too, backlog and all.
	f.mailboxes.Range(func(userID string, q *queue.Queue) bool {
		if q.Len() == 0 || f.reg.CountUser(userID) > 0 || f.ledger.HasUser(userID) {
			return true
		}
		victims = append(victims, userID)
		return true
	})

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, userID := range victims {
		q, ok := f.mailboxes.Remove(userID)
		if !ok {
			continue
		}
		delete(f.pumps, userID)
		lost := q.Drain()
		if n := len(lost); n > 0 {
			f.track.MessagesLost(uint64(n))
			f.logger.Warn("QUEUE_DISCARDED", "user_id", userID, "lost", n)
		}
	}
}

// HandlePong routes a parsed pong frame into the heartbeat supervisor.
func (f *Fabric) HandlePong(connID string, msg map[string]any) {
	rec, ok := f.reg.Get(connID)
	if !ok {
		return
	}
	pong := envelope.ParsePong(msg)
	f.hb.HandlePong(rec, pong.Sequence)
}

func (f *Fabric) publish(ctx context.Context, ev event.Eventer) {
	if err := f.events.Publish(ctx, ev); err != nil {
		f.logger.Warn("EVENT_PUBLISH_FAILED", "kind", ev.GetKind().String(), "err", err)
	}
}
