// Package ws terminates websocket sessions: credential extraction,
// subprotocol negotiation, upgrade, admission through the fabric and the
// per-connection read loop. The write side of every socket belongs to the
// fabric's sender; this package never writes data frames itself.
package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaygrid/session-fabric/config"
	"github.com/relaygrid/session-fabric/infra/auth"
	"github.com/relaygrid/session-fabric/internal/domain/codec"
	"github.com/relaygrid/session-fabric/internal/domain/conn"
	"github.com/relaygrid/session-fabric/internal/domain/envelope"
	"github.com/relaygrid/session-fabric/internal/domain/reconnect"
	"github.com/relaygrid/session-fabric/internal/service"
)

const (
	// subprotoMarker is the protocol the server answers during negotiation;
	// clients authenticating via the subprotocol list offer it next to the
	// token element.
	subprotoMarker = "jwt-auth"
	// subprotoToken prefixes the base64url token element of the list.
	subprotoToken = "jwt."

	// closeGrace bounds close-frame writes on refused or torn-down sockets.
	closeGrace = 5 * time.Second
)

var (
	errNoCredentials = errors.New("ws: no credentials presented")
	errBadEncoding   = errors.New("ws: credential encoding invalid")
)

type WSHandler struct {
	cfg      *config.Config
	fabric   service.Manager
	auth     auth.TokenValidator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(cfg *config.Config, fabric service.Manager, validator auth.TokenValidator, logger *slog.Logger) *WSHandler {
	return &WSHandler{
		cfg:    cfg,
		fabric: fabric,
		auth:   validator,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.HTTP.ReadBufferSize,
			WriteBufferSize: cfg.HTTP.WriteBufferSize,
			Subprotocols:    []string{subprotoMarker},
			CheckOrigin:     originChecker(cfg.HTTP.AllowedOrigins),
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// 1. EXTRACT CREDENTIALS (header wins over subprotocol list)
	token, credErr := extractToken(r)

	// 2. UPGRADE. Refusals happen after the upgrade so the client observes
	// the close code; a plain HTTP error surfaces as an opaque dial failure
	// in most client libraries.
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered with an HTTP error.
		h.logger.Debug("WS_UPGRADE_REJECTED", "remote_addr", r.RemoteAddr, "err", err)
		return
	}

	if credErr != nil {
		reason := "authentication failed"
		if errors.Is(credErr, errBadEncoding) {
			reason = "invalid credential encoding"
		}
		h.refuse(sock, envelope.CloseAuthFailed, reason)
		return
	}

	// 3. VALIDATE
	id, err := h.auth.ValidateToken(r.Context(), token)
	if err != nil {
		h.logger.Error("AUTH_CHECK_FAILED", "err", err)
		h.refuse(sock, envelope.CloseAuthFailed, "authentication failed")
		return
	}
	if !id.Valid {
		h.logger.Debug("AUTH_REJECTED", "reason", id.Reason, "remote_addr", r.RemoteAddr)
		h.refuse(sock, envelope.CloseAuthFailed, id.Reason)
		return
	}

	// 4. ADMIT
	meta := conn.Meta{
		UserAgent:   r.UserAgent(),
		RemoteAddr:  r.RemoteAddr,
		Subprotocol: sock.Subprotocol(),
	}
	if prefs := r.URL.Query().Get("compress"); prefs != "" {
		meta.Compression = string(codec.Negotiate(strings.Split(prefs, ",")))
	}

	rec, err := h.establish(r.Context(), id.UserID, newTransport(sock), meta, r.URL.Query().Get("resume"))
	if err != nil {
		code, reason := admissionClose(err)
		h.logger.Warn("WS_ADMISSION_REFUSED",
			"user_id", id.UserID,
			"reason", reason,
			"err", err,
		)
		h.refuse(sock, code, reason)
		return
	}

	// 5. READ LOOP (owns the request goroutine until the session ends)
	h.readLoop(r.Context(), rec, sock)
}

// establish admits the session, trying a resume first when the client
// presented a token. A stale resume token degrades to a fresh session; the
// connected ack's resumed flag tells the client which one it got. Admission
// failures never degrade, they would only fail again.
func (h *WSHandler) establish(ctx context.Context, userID string, t conn.Transport, meta conn.Meta, resumeToken string) (*conn.Record, error) {
	if resumeToken != "" {
		rec, err := h.fabric.Resume(ctx, resumeToken, userID, t, meta)
		switch {
		case err == nil:
			return rec, nil
		case errors.Is(err, reconnect.ErrUnknownToken),
			errors.Is(err, reconnect.ErrExpired),
			errors.Is(err, reconnect.ErrBudgetExhausted):
			h.logger.Debug("RESUME_DEGRADED", "user_id", userID, "err", err)
		default:
			return nil, err
		}
	}
	return h.fabric.Connect(ctx, userID, t, meta)
}

// readLoop feeds inbound frames to the fabric and reports the final close.
// The read limit sits above the validator's cap so an oversized frame gets a
// protocol error envelope instead of an abrupt socket kill; only frames past
// double the cap cut the connection.
func (h *WSHandler) readLoop(ctx context.Context, rec *conn.Record, sock *websocket.Conn) {
	sock.SetReadLimit(2 * int64(h.cfg.Validation.MaxMessageBytes))

	idle := h.cfg.Limits.IdleTimeout
	for {
		if idle > 0 {
			_ = sock.SetReadDeadline(time.Now().Add(idle))
		}
		_, raw, err := sock.ReadMessage()
		if err != nil {
			code, reason := closeDetails(err)
			h.logger.Debug("WS_READ_CLOSED",
				"conn_id", rec.ID,
				"code", code,
				"reason", reason,
			)
			h.fabric.Disconnect(context.Background(), rec.ID, reason, code)
			return
		}
		h.fabric.HandleIncoming(ctx, rec.ID, raw)
	}
}

// refuse answers the handshake with a close frame and drops the socket. A
// refused session never reached the registry, so there is nothing to clean.
func (h *WSHandler) refuse(sock *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	_ = sock.Close()
}

// extractToken pulls the credential from the Authorization header or the
// offered subprotocol list. List authentication requires the protocol marker
// alongside the token element.
func extractToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		if tok, ok := strings.CutPrefix(header, "Bearer "); ok && tok != "" {
			return tok, nil
		}
	}

	offered := websocket.Subprotocols(r)
	if !slices.Contains(offered, subprotoMarker) {
		return "", errNoCredentials
	}
	for _, proto := range offered {
		raw, ok := strings.CutPrefix(proto, subprotoToken)
		if !ok {
			continue
		}
		token, err := decodeTokenElement(raw)
		if err != nil {
			return "", errBadEncoding
		}
		return token, nil
	}
	return "", errNoCredentials
}

// decodeTokenElement base64url-decodes the token element, repadding first:
// clients routinely strip the padding to keep the protocol list clean.
func decodeTokenElement(raw string) (string, error) {
	if raw == "" {
		return "", errBadEncoding
	}
	if n := len(raw) % 4; n != 0 {
		raw += strings.Repeat("=", 4-n)
	}
	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// admissionClose maps an admission failure onto the close frame handed back.
func admissionClose(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrShuttingDown):
		return envelope.CloseGoingAway, "server shutting down"
	case errors.Is(err, service.ErrUserLimit):
		return websocket.CloseTryAgainLater, "per-user connection limit reached"
	case errors.Is(err, service.ErrServerFull):
		return websocket.CloseTryAgainLater, "server at capacity"
	default:
		return websocket.CloseInternalServerErr, "admission failed"
	}
}

// closeDetails classifies a read error into the code and reason recorded on
// the disconnect.
func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason := ce.Text
		if reason == "" {
			reason = "client closed"
		}
		return ce.Code, reason
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return envelope.CloseGoingAway, "idle timeout"
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		return websocket.CloseMessageTooBig, "frame exceeds read limit"
	}
	return websocket.CloseAbnormalClosure, "connection lost"
}

// originChecker allows everything when the list is empty, which the config
// documents as gateway-only. Matching is exact and case-insensitive; requests
// without an Origin header (non-browser clients) always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(o)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
