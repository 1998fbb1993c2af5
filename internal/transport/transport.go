// Package transport is the ambient HTTP/WebSocket edge described in
// SPEC_FULL.md §3: it upgrades /chat/ws, resolves the caller's bearer
// token and device session, and hands the live connection to the
// session hub and dispatcher. It does not implement authn policy,
// CORS, or request rate limiting — those remain external per spec.md
// §1 — but it does perform the token/session-liveness check spec.md
// §6 assigns to "the HTTP/WS edge prior to invoking Dispatcher
// handlers". Grounded on the teacher's accept loop (server/session.go
// NewSession / the http.HandlerFunc wiring in its main package) paired
// with github.com/gorilla/websocket for the upgrade itself and
// github.com/gorilla/handlers for access logging.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"

	"github.com/tideline-chat/core/internal/audit"
	"github.com/tideline-chat/core/internal/authtoken"
	"github.com/tideline-chat/core/internal/dispatcher"
	"github.com/tideline-chat/core/internal/hub"
	"github.com/tideline-chat/core/internal/metrics"
	"github.com/tideline-chat/core/internal/store"
	t "github.com/tideline-chat/core/internal/store/types"
)

// WSPath is the single upgrade endpoint (spec.md §6).
const WSPath = "/chat/ws"

// pongWait/pingPeriod follow the teacher's keepalive convention
// (server/session.go's websocket ping/pong loop) so idle-but-live
// connections aren't reaped by intermediate proxies.
const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // CORS policy is an edge Non-goal, spec.md §1
}

// Server wires the WebSocket upgrade handler to the hub and dispatcher.
type Server struct {
	log   *slog.Logger
	hub   *hub.Hub
	disp  *dispatcher.Dispatcher
	auth  *authtoken.Authenticator
	store *store.Store
	audit *audit.Sink
	mx    *metrics.Collectors
}

// New builds a Server.
func New(log *slog.Logger, h *hub.Hub, d *dispatcher.Dispatcher, auth *authtoken.Authenticator, st *store.Store, auditSink *audit.Sink, mx *metrics.Collectors) *Server {
	return &Server{log: log, hub: h, disp: d, auth: auth, store: st, audit: auditSink, mx: mx}
}

// Handler returns the http.Handler to mount, wrapped in the access-log
// middleware the way gorilla/handlers.CombinedLoggingHandler wraps a
// teacher-style mux (ambient stack, SPEC_FULL.md §3).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WSPath, s.serveWS)
	return handlers.CombinedLoggingHandler(accessLogWriter{s}, mux)
}

// accessLogWriter adapts the Write-based interface gorilla/handlers
// expects onto the audit sink, so HTTP access logs flow through the
// same taxonomy as every other audit event (spec.md §4.9 http_request).
type accessLogWriter struct{ s *Server }

func (w accessLogWriter) Write(p []byte) (int, error) {
	w.s.audit.Record(audit.LevelInfo, audit.HTTPRequest, "line", string(p))
	return len(p), nil
}

// resolveToken extracts the bearer token from the query string (the
// ws:// handshake can't set a custom Authorization header from a
// browser) or, for non-browser clients, the Authorization header.
func resolveToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// authenticate validates the bearer token and checks the bound device
// session is still live, per spec.md §3's "a revoked session must be
// rejected on the next request" and §6's edge-level auth contract.
func (s *Server) authenticate(ctx context.Context, r *http.Request) (t.Uid, string, error) {
	token := resolveToken(r)
	if token == "" {
		return t.ZeroUid, "", errors.New("transport: missing bearer token")
	}
	uid, sessionID, _, err := s.auth.Authenticate(token)
	if err != nil {
		return t.ZeroUid, "", err
	}
	dev, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return t.ZeroUid, "", err
	}
	if dev.Revoked || dev.UserID != uid {
		return t.ZeroUid, "", errors.New("transport: session revoked")
	}
	if err := s.store.TouchSession(ctx, sessionID); err != nil {
		s.log.Warn("transport: touch session failed", "sid", sessionID, "error", err)
	}
	return uid, sessionID, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, sessionID, err := s.authenticate(ctx, r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("transport: upgrade failed", "error", err)
		return
	}

	wsc := &wsConn{conn: conn}
	sess := hub.NewSession(sessionID, wsc, s.log, s.hub.SigCacheSize())
	s.hub.Register(sess)
	s.disp.BindSession(sess, uid)
	if s.mx != nil {
		s.mx.LiveSessions.Inc()
	}
	s.audit.Record(audit.LevelInfo, audit.WSConnect, "uid", uid, "sid", sessionID)

	go sess.WriteLoop()
	s.readLoop(ctx, sess, conn, uid)
}

// readLoop drains inbound frames until the connection closes, then
// unwinds through the hub's disconnect path. One reader per session,
// matching the teacher's one-reader-one-writer-goroutine-per-Session
// pairing (server/session.go).
func (s *Server) readLoop(ctx context.Context, sess *hub.Session, conn *websocket.Conn, uid t.Uid) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)
	defer close(stopPing)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			closeCode := -1
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			s.log.Info("transport: connection closed", "sid", sess.SID, "closeCode", closeCode, "error", err)
			break
		}
		s.disp.Dispatch(ctx, sess, data)
	}

	if s.mx != nil {
		s.mx.LiveSessions.Dec()
	}
	s.audit.Record(audit.LevelInfo, audit.WSDisconnect, "uid", uid, "sid", sess.SID)
	s.hub.Disconnect(ctx, sess)
}

func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// wsConn adapts *websocket.Conn to hub's outbound interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
