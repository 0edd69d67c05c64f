// Package lp serves the long-poll fallback transport. A poll session is a
// real fabric connection whose transport buffers outbound frames between
// polls: GET parks until traffic arrives or the window lapses and returns a
// batch, POST feeds inbound frames (heartbeat responses included) to the
// fabric. Clients discover their connection id from the connected ack in the
// first batch and pass it on every later request.
package lp

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/auth"
	"github.com/relaygrid/session-fabric/internal/domain/codec"
	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/service"
)

const (
	// parkTimeout bounds an empty poll, preventing hanging requests.
	parkTimeout = 30 * time.Second
	// batchLimit caps frames per response; batching minimizes the number
	// of subsequent requests after a burst.
	batchLimit = 15
)

type LPHandler struct {
	cfg    *config.Config
	fabric service.Manager
	auth   auth.TokenValidator
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*lpTransport

	// park and batch hold the production constants; tests shorten them.
	park  time.Duration
	batch int
}

func NewLPHandler(cfg *config.Config, fabric service.Manager, validator auth.TokenValidator, logger *slog.Logger) *LPHandler {
	return &LPHandler{
		cfg:      cfg,
		fabric:   fabric,
		auth:     validator,
		logger:   logger,
		sessions: make(map[string]*lpTransport),
		park:     parkTimeout,
		batch:    batchLimit,
	}
}

// Poll handles the long-polling read side. It holds the request until a
// frame arrives or the park window lapses, then returns a JSON array of
// buffered frames. Without a conn parameter a new session is admitted; with
// one the existing session's buffer is drained.
func (h *LPHandler) Poll(w http.ResponseWriter, r *http.Request) {
	// 1. AUTHENTICATE (every poll; the validator's cache keeps it cheap)
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	// 2. LOCATE OR ADMIT THE SESSION
	connID := r.URL.Query().Get("conn")
	var t *lpTransport
	if connID == "" {
		var status int
		t, connID, status = h.connect(r, id.UserID)
		if t == nil {
			http.Error(w, "connect failed", status)
			return
		}
	} else {
		t = h.session(connID, id.UserID)
		if t == nil {
			http.Error(w, "unknown connection", http.StatusNotFound)
			return
		}
	}

	// 3. PARK AND BATCH
	frames, gone := t.collect(r.Context(), h.park, h.batch)
	if gone {
		h.remove(connID)
	}

	// 4. TRANSMIT
	switch {
	case len(frames) > 0:
		h.writeBatch(w, frames)
	case gone:
		http.Error(w, "connection closed", http.StatusGone)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// Push handles the long-polling write side: one inbound frame per request,
// routed through the same pipeline websocket frames take.
func (h *LPHandler) Push(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	connID := r.URL.Query().Get("conn")
	if connID == "" {
		http.Error(w, "conn parameter required", http.StatusBadRequest)
		return
	}
	t := h.session(connID, id.UserID)
	if t == nil {
		http.Error(w, "unknown connection", http.StatusNotFound)
		return
	}
	if t.Done() {
		http.Error(w, "connection closed", http.StatusGone)
		return
	}

	limit := int64(h.cfg.Validation.MaxMessageBytes) * 2
	raw, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	h.fabric.HandleIncoming(r.Context(), connID, raw)
	w.WriteHeader(http.StatusAccepted)
}

// authenticate resolves the request's bearer token, answering the HTTP error
// itself on failure.
func (h *LPHandler) authenticate(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	token := ""
	if header := r.Header.Get("Authorization"); header != "" {
		token, _ = strings.CutPrefix(header, "Bearer ")
	}
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return nil, false
	}

	id, err := h.auth.ValidateToken(r.Context(), token)
	if err != nil {
		h.logger.Error("AUTH_CHECK_FAILED", "err", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return nil, false
	}
	if !id.Valid {
		http.Error(w, id.Reason, http.StatusUnauthorized)
		return nil, false
	}
	return id, true
}

// connect admits a fresh long-poll session. The connected ack lands in the
// transport buffer before Connect returns, so the first poll always answers
// immediately with the connection id inside the ack.
func (h *LPHandler) connect(r *http.Request, userID string) (*lpTransport, string, int) {
	meta := conn.Meta{
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
	if prefs := r.URL.Query().Get("compress"); prefs != "" {
		meta.Compression = string(codec.Negotiate(strings.Split(prefs, ",")))
	}

	t := newLPTransport(userID)
	rec, err := h.fabric.Connect(r.Context(), userID, t, meta)
	if err != nil {
		h.logger.Warn("LP_ADMISSION_REFUSED", "user_id", userID, "err", err)
		switch {
		case errors.Is(err, service.ErrShuttingDown):
			return nil, "", http.StatusServiceUnavailable
		case errors.Is(err, service.ErrUserLimit), errors.Is(err, service.ErrServerFull):
			return nil, "", http.StatusTooManyRequests
		default:
			return nil, "", http.StatusInternalServerError
		}
	}

	h.add(rec.ID, t)
	h.logger.Info("LP_SESSION_OPENED", "user_id", userID, "conn_id", rec.ID)
	return t, rec.ID, http.StatusOK
}

func (h *LPHandler) writeBatch(w http.ResponseWriter, frames [][]byte) {
	batch := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		batch[i] = f
	}
	data, err := json.Marshal(batch)
	if err != nil {
		http.Error(w, "marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// add registers a live session, purging closed ones while holding the lock:
// abandoned sessions are reaped by the fabric, the handler only has to drop
// its own references eventually.
func (h *LPHandler) add(connID string, t *lpTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, old := range h.sessions {
		if old.Done() {
			delete(h.sessions, id)
		}
	}
	h.sessions[connID] = t
}

// session returns the transport for connID, or nil when it is unknown or
// owned by a different user. The ownership check keeps one user from
// draining another's buffer with a guessed id. Closed transports are still
// returned: the next poll flushes their final batch and reports Gone, then
// removes them.
func (h *LPHandler) session(connID, userID string) *lpTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.sessions[connID]
	if !ok {
		return nil
	}
	if t.userID != userID {
		return nil
	}
	return t
}

func (h *LPHandler) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, connID)
}
