package ws

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/auth"
	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/reconnect"
	"github.com/relaygrid/session-fabric/internal/service"
)

type connectCall struct {
	userID string
	meta   conn.Meta
}

type disconnectCall struct {
	connID string
	reason string
	code   int
}

// fakeManager records the handler's fabric calls. The embedded interface
// panics on anything the handler should never touch.
type fakeManager struct {
	service.Manager

	mu          sync.Mutex
	connectErr  error
	resumeErr   error
	connects    []connectCall
	resumes     []string
	incoming    [][]byte
	disconnects []disconnectCall
}

func (f *fakeManager) Connect(_ context.Context, userID string, t conn.Transport, meta conn.Meta) (*conn.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	f.connects = append(f.connects, connectCall{userID: userID, meta: meta})
	return conn.New(userID, t, meta), nil
}

func (f *fakeManager) Resume(_ context.Context, token, userID string, t conn.Transport, meta conn.Meta) (*conn.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes = append(f.resumes, token)
	if f.resumeErr != nil {
		return nil, f.resumeErr
	}
	meta.Resumed = true
	return conn.New(userID, t, meta), nil
}

func (f *fakeManager) Disconnect(_ context.Context, connID, reason string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects = append(f.disconnects, disconnectCall{connID: connID, reason: reason, code: code})
}

func (f *fakeManager) HandleIncoming(_ context.Context, _ string, raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incoming = append(f.incoming, append([]byte(nil), raw...))
}

func (f *fakeManager) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakeManager) lastConnect() connectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects[len(f.connects)-1]
}

func (f *fakeManager) resumeTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumes...)
}

func (f *fakeManager) incomingFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.incoming...)
}

func (f *fakeManager) disconnectCalls() []disconnectCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]disconnectCall(nil), f.disconnects...)
}

type wsHarness struct {
	fab       *fakeManager
	validator *auth.HMACValidator
	url       string
}

func newWSHarness(t *testing.T, mutate func(cfg *config.Config)) *wsHarness {
	t.Helper()
	cfg := &config.Config{}
	cfg.HTTP.ReadBufferSize = 1024
	cfg.HTTP.WriteBufferSize = 1024
	cfg.Validation.MaxMessageBytes = 1 << 20
	cfg.Limits.IdleTimeout = time.Minute
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	validator, err := auth.NewHMACValidator(cfg, logger)
	require.NoError(t, err)

	fab := &fakeManager{}
	srv := httptest.NewServer(NewWSHandler(cfg, fab, validator, logger))
	t.Cleanup(srv.Close)

	return &wsHarness{
		fab:       fab,
		validator: validator,
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *wsHarness) mint(t *testing.T, userID string) string {
	t.Helper()
	token, err := h.validator.Mint(userID, "", nil, time.Hour)
	require.NoError(t, err)
	return token
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": {"Bearer " + token}}
}

// expectClose reads until the server's close frame arrives and returns it.
func expectClose(t *testing.T, ws *websocket.Conn) *websocket.CloseError {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	return ce
}

func TestHandshakeBearerHeader(t *testing.T) {
	h := newWSHarness(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?compress=lz4,gzip", bearer(h.mint(t, "niki")))
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.fab.connectCount() == 1 },
		time.Second, 10*time.Millisecond)

	call := h.fab.lastConnect()
	assert.Equal(t, "niki", call.userID)
	assert.Equal(t, "lz4", call.meta.Compression)
	assert.False(t, call.meta.Resumed)
	assert.NotEmpty(t, call.meta.RemoteAddr)
}

func TestHandshakeSubprotocolAuth(t *testing.T) {
	h := newWSHarness(t, nil)

	// Unpadded element: the decoder must repad before decoding.
	element := subprotoToken + base64.RawURLEncoding.EncodeToString([]byte(h.mint(t, "niki")))
	dialer := websocket.Dialer{Subprotocols: []string{subprotoMarker, element}}

	ws, _, err := dialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, subprotoMarker, ws.Subprotocol())

	require.Eventually(t, func() bool { return h.fab.connectCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, subprotoMarker, h.fab.lastConnect().meta.Subprotocol)
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	h := newWSHarness(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(h.url, bearer("garbage.token.here"))
	require.NoError(t, err)
	defer ws.Close()

	ce := expectClose(t, ws)
	assert.Equal(t, envelope.CloseAuthFailed, ce.Code)
	assert.Equal(t, "token malformed", ce.Text)
	assert.Zero(t, h.fab.connectCount())
}

func TestHandshakeRejectsMissingCredentials(t *testing.T) {
	h := newWSHarness(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ce := expectClose(t, ws)
	assert.Equal(t, envelope.CloseAuthFailed, ce.Code)
	assert.Equal(t, "authentication failed", ce.Text)
}

func TestHandshakeRejectsGarbledSubprotocolToken(t *testing.T) {
	h := newWSHarness(t, nil)

	dialer := websocket.Dialer{Subprotocols: []string{subprotoMarker, subprotoToken + "!!!!"}}
	ws, _, err := dialer.Dial(h.url, nil)
	require.NoError(t, err)
	defer ws.Close()

	ce := expectClose(t, ws)
	assert.Equal(t, envelope.CloseAuthFailed, ce.Code)
	assert.Equal(t, "invalid credential encoding", ce.Text)
	assert.Zero(t, h.fab.connectCount())
}

func TestHandshakeRefusalsOnAdmission(t *testing.T) {
	cases := []struct {
		name     string
		admitErr error
		wantCode int
	}{
		{"user limit", service.ErrUserLimit, websocket.CloseTryAgainLater},
		{"server full", service.ErrServerFull, websocket.CloseTryAgainLater},
		{"shutting down", service.ErrShuttingDown, envelope.CloseGoingAway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newWSHarness(t, nil)
			h.fab.connectErr = tc.admitErr

			ws, _, err := websocket.DefaultDialer.Dial(h.url, bearer(h.mint(t, "niki")))
			require.NoError(t, err)
			defer ws.Close()

			ce := expectClose(t, ws)
			assert.Equal(t, tc.wantCode, ce.Code)
		})
	}
}

func TestResumeDegradesToFreshSession(t *testing.T) {
	h := newWSHarness(t, nil)
	h.fab.resumeErr = reconnect.ErrUnknownToken

	ws, _, err := websocket.DefaultDialer.Dial(h.url+"?resume=stale-token", bearer(h.mint(t, "niki")))
	require.NoError(t, err)
	defer ws.Close()

	require.Eventually(t, func() bool { return h.fab.connectCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"stale-token"}, h.fab.resumeTokens())
	assert.False(t, h.fab.lastConnect().meta.Resumed)
}

func TestReadLoopFeedsFabricAndReportsClose(t *testing.T) {
	h := newWSHarness(t, nil)

	ws, _, err := websocket.DefaultDialer.Dial(h.url, bearer(h.mint(t, "niki")))
	require.NoError(t, err)
	defer ws.Close()

	frame := []byte(`{"type":"client_event","payload":{"text":"hi"}}`)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	require.Eventually(t, func() bool { return len(h.fab.incomingFrames()) == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, frame, h.fab.incomingFrames()[0])

	// Polite close: the handler must record the client's code and reason.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	require.NoError(t, ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)))

	require.Eventually(t, func() bool { return len(h.fab.disconnectCalls()) == 1 },
		time.Second, 10*time.Millisecond)
	d := h.fab.disconnectCalls()[0]
	assert.Equal(t, websocket.CloseNormalClosure, d.code)
	assert.Equal(t, "done", d.reason)
	assert.NotEmpty(t, d.connID)
}

func TestOriginPolicy(t *testing.T) {
	h := newWSHarness(t, func(cfg *config.Config) {
		cfg.HTTP.AllowedOrigins = []string{"https://app.example.com"}
	})

	header := bearer(h.mint(t, "niki"))
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://APP.example.com")
	ws, _, err := websocket.DefaultDialer.Dial(h.url, header)
	require.NoError(t, err)
	ws.Close()
}
