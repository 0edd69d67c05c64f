package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/session-fabric/infra/store"
	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/heartbeat"
	"github.com/relaygrid/session-fabric/internal/domain/ratelimit"
	"github.com/relaygrid/session-fabric/internal/domain/registry"
	"github.com/relaygrid/session-fabric/internal/domain/telemetry"
	"github.com/relaygrid/session-fabric/internal/domain/validate"
)

// stubTransport records frames and simulates write failures. failFor > 0
// fails that many writes; failFor < 0 fails every write.
type stubTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	failFor  int

	closed      bool
	closeCode   int
	closeReason string
}

func (s *stubTransport) WriteMessage(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil && s.failFor != 0 {
		if s.failFor > 0 {
			s.failFor--
		}
		return s.writeErr
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func (s *stubTransport) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
	}
	return nil
}

func (s *stubTransport) Kind() string { return "stub" }

// failWrites arms the failure mode. n < 0 means forever.
func (s *stubTransport) failWrites(err error, n int) {
	s.mu.Lock()
	s.writeErr = err
	s.failFor = n
	s.mu.Unlock()
}

// typed returns the decoded type of every recorded frame, in write order.
func (s *stubTransport) typed(t *testing.T) []string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.frames))
	for _, raw := range s.frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		typ, _ := m["type"].(string)
		out = append(out, typ)
	}
	return out
}

// last decodes the most recent frame.
func (s *stubTransport) last(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.frames)
	var m map[string]any
	require.NoError(t, json.Unmarshal(s.frames[len(s.frames)-1], &m))
	return m
}

func (s *stubTransport) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func newTestFabric(t *testing.T, cfg Config) (*Fabric, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := NewFabric(
		cfg,
		heartbeat.Config{},
		registry.New(),
		validate.New(validate.DefaultLimits()),
		ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}, clock),
		telemetry.New(clock, 0),
		store.NewMemory(clock),
		nil, nil, nil,
		clock,
		logger,
	)
	t.Cleanup(func() {
		f.cancelAll()
		f.wg.Wait()
	})
	return f, clock
}

func mustConnect(t *testing.T, f *Fabric, userID string) (*conn.Record, *stubTransport) {
	t.Helper()
	tr := &stubTransport{}
	rec, err := f.Connect(context.Background(), userID, tr, conn.Meta{})
	require.NoError(t, err)
	require.Equal(t, conn.StateActive, rec.State())
	return rec, tr
}

func waitFrames(t *testing.T, tr *stubTransport, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.frameCount() >= n },
		2*time.Second, 5*time.Millisecond)
}

func TestConnectRegistersAndAcks(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	rec, tr := mustConnect(t, f, "u1")

	require.Equal(t, []string{"connected"}, tr.typed(t))
	ack := tr.last(t)
	payload := ack["payload"].(map[string]any)
	assert.Equal(t, rec.ID, payload["connection_id"])
	assert.NotEmpty(t, payload["resume_token"])
	assert.True(t, f.UserConnected("u1"))
}

func TestAdmissionLimits(t *testing.T) {
	f, _ := newTestFabric(t, Config{MaxConnsPerUser: 1, MaxConns: 2})
	mustConnect(t, f, "u1")

	_, err := f.Connect(context.Background(), "u1", &stubTransport{}, conn.Meta{})
	require.ErrorIs(t, err, ErrUserLimit)

	mustConnect(t, f, "u2")
	_, err = f.Connect(context.Background(), "u3", &stubTransport{}, conn.Meta{})
	require.ErrorIs(t, err, ErrServerFull)
}

func TestSendToUserUnknownUserRefused(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	err := f.SendToUser(context.Background(), "nobody", envelope.New("agent_message", nil))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestSendToUserDeliversThroughQueue(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	_, tr := mustConnect(t, f, "u1")

	require.NoError(t, f.SendToUser(context.Background(), "u1",
		envelope.New("agent_message", map[string]any{"text": "hello"})))

	waitFrames(t, tr, 2)
	assert.Equal(t, []string{"connected", "agent_message"}, tr.typed(t))
}

// A transient write failure must move the message into failed_retry with one
// attempt counted, let the next message through, and redeliver the failed one
// after its backoff, without duplicating anything on the wire.
func TestTransactionalSendRevertAndRetry(t *testing.T) {
	f, clock := newTestFabric(t, Config{})
	_, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1) // connected ack

	tr.failWrites(syscall.EAGAIN, 1)

	require.NoError(t, f.SendToUser(context.Background(), "u1",
		envelope.New("agent_message", map[string]any{"text": "m1"})))
	require.NoError(t, f.SendToUser(context.Background(), "u1",
		envelope.New("agent_message", map[string]any{"text": "m2"})))

	// m1 fails once and reverts; m2 goes through while m1 waits out backoff.
	q := f.queueFor("u1")
	require.NotNil(t, q)
	require.Eventually(t, func() bool {
		s := q.Snapshot()
		return s.FailedRetry == 1 && s.Delivered == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 2, tr.frameCount()) // ack + m2, no duplicate of m1

	// The pump parks on the retry timer; release it.
	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	waitFrames(t, tr, 3)
	require.Eventually(t, func() bool {
		s := q.Snapshot()
		return s.FailedRetry == 0 && s.InFlight == 0 && s.Delivered == 2
	}, 2*time.Second, 5*time.Millisecond)

	texts := make([]string, 0, 3)
	tr.mu.Lock()
	for _, raw := range tr.frames[1:] {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		payload := m["payload"].(map[string]any)
		texts = append(texts, payload["text"].(string))
	}
	tr.mu.Unlock()
	assert.ElementsMatch(t, []string{"m1", "m2"}, texts)
}

func TestBroadcastAllCleansUpDeadSockets(t *testing.T) {
	f, _ := newTestFabric(t, Config{})

	transports := make([]*stubTransport, 0, 5)
	for i := range 5 {
		_, tr := mustConnect(t, f, fmt.Sprintf("u%d", i))
		transports = append(transports, tr)
	}
	peerGone := errors.New("websocket: close 1006 (abnormal closure)")
	transports[3].failWrites(peerGone, -1)
	transports[4].failWrites(peerGone, -1)

	res := f.BroadcastAll(context.Background(), envelope.New("agent_message", map[string]any{"text": "hi"}))

	assert.Equal(t, 5, res.Targets)
	assert.Equal(t, 3, res.Delivered)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 2, res.Dead)

	// The dead pair went through the normal disconnect path; the rest are
	// untouched.
	assert.Equal(t, 3, f.reg.Len())
	for _, tr := range transports[3:] {
		tr.mu.Lock()
		assert.True(t, tr.closed)
		assert.Equal(t, envelope.CloseGoingAway, tr.closeCode)
		assert.Equal(t, "Connection lost during broadcast", tr.closeReason)
		tr.mu.Unlock()
	}
	for _, tr := range transports[:3] {
		tr.mu.Lock()
		assert.False(t, tr.closed)
		tr.mu.Unlock()
	}
}

func TestBroadcastRoomScopesToMembers(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	recA, trA := mustConnect(t, f, "u1")
	_, trB := mustConnect(t, f, "u2")

	require.NoError(t, f.JoinRoom(recA.ID, "ops"))

	res := f.BroadcastRoom(context.Background(), "ops", envelope.New("agent_message", nil))
	assert.Equal(t, 1, res.Targets)
	assert.Equal(t, 1, res.Delivered)

	waitFrames(t, trA, 2)
	assert.Equal(t, 1, trB.frameCount()) // only its connected ack
}

func TestShutdownAccountsForEveryConnection(t *testing.T) {
	f, _ := newTestFabric(t, Config{DrainTimeout: 5 * time.Second})

	recs := make([]*conn.Record, 0, 3)
	transports := make([]*stubTransport, 0, 3)
	for i := range 3 {
		rec, tr := mustConnect(t, f, fmt.Sprintf("u%d", i))
		recs = append(recs, rec)
		transports = append(transports, tr)
	}
	for _, tr := range transports {
		waitFrames(t, tr, 1)
	}

	report, err := f.Shutdown(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 3, report.TotalConnections)
	assert.Equal(t, report.TotalConnections, report.GracefullyClosed+report.ForceClosed)
	assert.Equal(t, 3, report.Notified)
	assert.True(t, report.Success)

	for _, tr := range transports {
		assert.Contains(t, tr.typed(t), "server_shutdown")
		tr.mu.Lock()
		assert.True(t, tr.closed)
		assert.Equal(t, envelope.CloseGoingAway, tr.closeCode)
		tr.mu.Unlock()
	}
	for _, rec := range recs {
		assert.Equal(t, conn.StateClosed, rec.State())
	}
	assert.Equal(t, 0, f.reg.Len())

	// New admissions are refused once the coordinator ran.
	_, err = f.Connect(context.Background(), "late", &stubTransport{}, conn.Meta{})
	require.ErrorIs(t, err, ErrShuttingDown)
}

// The drain notice defaults on; only an explicit opt-out silences it.
func TestShutdownNoticeSuppressedOnlyWhenAsked(t *testing.T) {
	f, _ := newTestFabric(t, Config{DrainTimeout: time.Second, SkipShutdownNotice: true})
	_, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)

	report, err := f.Shutdown(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, 0, report.Notified)
	assert.NotContains(t, tr.typed(t), "server_shutdown")
	tr.mu.Lock()
	assert.True(t, tr.closed)
	tr.mu.Unlock()
}

func TestShutdownSecondCallerGetsMarker(t *testing.T) {
	f, _ := newTestFabric(t, Config{DrainTimeout: time.Second})

	first, err := f.Shutdown(context.Background(), "one")
	require.NoError(t, err)

	second, err := f.Shutdown(context.Background(), "two")
	require.ErrorIs(t, err, ErrShutdownInProgress)
	assert.Same(t, first, second)
}

// Messages queued for users inside their reconnection window survive a
// shutdown: the coordinator parks them in the session store instead of
// dropping them.
func TestShutdownPreservesParkedBacklog(t *testing.T) {
	f, _ := newTestFabric(t, Config{DrainTimeout: time.Second})

	users := []string{"u1", "u2", "u3"}
	for _, u := range users {
		rec, _ := mustConnect(t, f, u)
		f.Disconnect(context.Background(), rec.ID, "connection lost", envelope.CloseGoingAway)
	}
	for _, u := range users {
		for i := range 5 {
			require.NoError(t, f.SendToUser(context.Background(), u,
				envelope.New("agent_message", map[string]any{"text": fmt.Sprintf("%s-%d", u, i)})))
		}
	}

	report, err := f.Shutdown(context.Background(), "deploy")
	require.NoError(t, err)

	assert.Equal(t, 15, report.MessagesPreserved)
	assert.Equal(t, 0, report.MessagesLost)
	assert.True(t, report.Success)

	for _, u := range users {
		data, err := f.db.Get(context.Background(), keyPendingFmt+u)
		require.NoError(t, err)
		var envs []*envelope.Envelope
		require.NoError(t, json.Unmarshal(data, &envs))
		assert.Len(t, envs, 5)
	}

	// The report itself is persisted for the next boot to inspect.
	_, err = f.db.Get(context.Background(), keyLastReport)
	require.NoError(t, err)
}

func TestUnknownTypeLenientFallbackKeepsConnection(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	rec, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)

	f.HandleIncoming(context.Background(), rec.ID, []byte(`{"type":"foo","payload":{"x":1}}`))

	waitFrames(t, tr, 2)
	reply := tr.last(t)
	assert.Equal(t, "error", reply["type"])
	payload := reply["payload"].(map[string]any)
	assert.Equal(t, "Unknown message type: foo", payload["error"])
	assert.Equal(t, "foo", payload["original_type"])
	assert.Equal(t, true, payload["fallback_applied"])
	assert.Equal(t, map[string]any{"x": float64(1)}, payload["original_payload"])

	assert.Equal(t, conn.StateActive, rec.State())
	assert.Equal(t, 1, f.reg.Len())
}

// A client-initiated heartbeat_ping is a recognized frame and gets answered
// in kind, not bounced through the unknown-type fallback.
func TestClientPingAnsweredWithHeartbeatResponse(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	rec, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)

	f.HandleIncoming(context.Background(), rec.ID, []byte(`{"type":"heartbeat_ping"}`))

	waitFrames(t, tr, 2)
	reply := tr.last(t)
	assert.Equal(t, "heartbeat_response", reply["type"])
	assert.Equal(t, conn.StateActive, rec.State())
}

func TestValidationRejectAnswersWithoutDisconnect(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	rec, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)

	f.HandleIncoming(context.Background(), rec.ID,
		[]byte(`{"type":"agent_message","payload":{"text":"<script>alert(1)</script>"}}`))

	waitFrames(t, tr, 2)
	reply := tr.last(t)
	assert.Equal(t, "error", reply["type"])
	payload := reply["payload"].(map[string]any)
	assert.Equal(t, "validation_error", payload["error_type"])
	assert.Equal(t, conn.StateActive, rec.State())
}

func TestRateLimitRepliesAndDrops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewFabric(
		Config{},
		heartbeat.Config{},
		registry.New(),
		validate.New(validate.DefaultLimits()),
		ratelimit.New(ratelimit.Config{Rate: 0.001, Burst: 1, MaxViolations: 100}, clock),
		telemetry.New(clock, 0),
		store.NewMemory(clock),
		nil, nil, nil,
		clock,
		logger,
	)
	t.Cleanup(func() {
		f.cancelAll()
		f.wg.Wait()
	})

	rec, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)

	frame := []byte(`{"type":"agent_message","payload":{"text":"hi"}}`)
	f.HandleIncoming(context.Background(), rec.ID, frame) // consumes the burst
	f.HandleIncoming(context.Background(), rec.ID, frame) // limited

	waitFrames(t, tr, 2)
	reply := tr.last(t)
	assert.Equal(t, "error", reply["type"])
	payload := reply["payload"].(map[string]any)
	assert.Equal(t, "rate_limited", payload["error_type"])
	assert.Equal(t, conn.StateActive, rec.State())
}

func TestResumeCarriesCountersAndRooms(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	rec, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)
	token := tr.last(t)["payload"].(map[string]any)["resume_token"].(string)

	require.NoError(t, f.JoinRoom(rec.ID, "ops"))
	rec.CountSent(10)
	rec.CountReceived(20)

	f.Disconnect(context.Background(), rec.ID, "connection lost", envelope.CloseGoingAway)
	require.Equal(t, 0, f.reg.Len())

	fresh, err := f.Resume(context.Background(), token, "u1", &stubTransport{}, conn.Meta{})
	require.NoError(t, err)
	assert.Equal(t, conn.StateActive, fresh.State())
	assert.Contains(t, fresh.Rooms(), "ops")
	sent, received, _ := fresh.Counters()
	assert.GreaterOrEqual(t, sent, uint64(1))
	assert.GreaterOrEqual(t, received, uint64(1))

	// The token is single-use.
	_, err = f.Resume(context.Background(), token, "u1", &stubTransport{}, conn.Meta{})
	require.Error(t, err)
}

func TestQueuedBacklogFlushesToResumedSession(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	rec, tr := mustConnect(t, f, "u1")
	waitFrames(t, tr, 1)
	token := tr.last(t)["payload"].(map[string]any)["resume_token"].(string)

	f.Disconnect(context.Background(), rec.ID, "connection lost", envelope.CloseGoingAway)
	require.NoError(t, f.SendToUser(context.Background(), "u1",
		envelope.New("agent_message", map[string]any{"text": "parked"})))

	fresh := &stubTransport{}
	_, err := f.Resume(context.Background(), token, "u1", fresh, conn.Meta{})
	require.NoError(t, err)

	waitFrames(t, fresh, 2)
	assert.Contains(t, fresh.typed(t), "agent_message")
}

func TestStatsSnapshotShape(t *testing.T) {
	f, _ := newTestFabric(t, Config{})
	mustConnect(t, f, "u1")
	mustConnect(t, f, "u1")
	mustConnect(t, f, "u2")

	snap := f.Stats()
	assert.Equal(t, 3, snap.Active)
	assert.Equal(t, 2, snap.Users)
	assert.Equal(t, uint64(3), snap.Totals.Connects)
	assert.False(t, snap.Draining)
	assert.NotEmpty(t, string(snap.Health))
}
