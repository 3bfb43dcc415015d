package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/auth"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/config"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/origin"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/relay"
)

type Config struct {
	Hub     *Hub
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	AuthMode config.AuthMode
	// Verifier is required unless AuthMode is none.
	Verifier auth.Verifier
	// Origins nil accepts every origin.
	Origins *origin.Policy

	SignalingAuthTimeout          time.Duration
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueSize                 int
}

// Server upgrades /ws requests and attaches each connection to the hub.
type Server struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, log: cfg.Logger}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	if cfg.Origins != nil {
		s.upgrader.CheckOrigin = cfg.Origins.CheckOrigin
	}
	return s
}

func (s *Server) authTimeout() time.Duration {
	if s.cfg.SignalingAuthTimeout > 0 {
		return s.cfg.SignalingAuthTimeout
	}
	return config.DefaultSignalingAuthTimeout
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout > 0 {
		return s.cfg.SignalingWSIdleTimeout
	}
	return config.DefaultSignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval > 0 {
		return s.cfg.SignalingWSPingInterval
	}
	return config.DefaultSignalingWSPingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes > 0 {
		return s.cfg.MaxSignalingMessageBytes
	}
	return config.DefaultMaxSignalingMessageBytes
}

func (s *Server) maxMessagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond > 0 {
		return s.cfg.MaxSignalingMessagesPerSecond
	}
	return config.DefaultMaxSignalingMessagesPerSecond
}

func (s *Server) sendQueueSize() int {
	if s.cfg.SendQueueSize > 0 {
		return s.cfg.SendQueueSize
	}
	return config.DefaultSignalingSendQueueSize
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err, "remote_addr", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(s.maxMessageBytes())

	principal, ok := s.authenticate(conn, r)
	if !ok {
		_ = conn.Close()
		return
	}

	id := relay.ConnID(ulid.Make().String())
	perSecond := s.maxMessagesPerSecond()
	c := &Client{
		id:           id,
		hub:          s.cfg.Hub,
		conn:         conn,
		send:         make(chan []byte, s.sendQueueSize()),
		log:          s.log.With("conn_id", id),
		metrics:      s.cfg.Metrics,
		limiter:      rate.NewLimiter(rate.Limit(perSecond), perSecond),
		idleTimeout:  s.idleTimeout(),
		pingInterval: s.pingInterval(),
	}
	if principal.UserID != "" {
		c.log = c.log.With("auth_user_id", principal.UserID)
	}

	if !s.cfg.Hub.Register(c) {
		writeClose(conn, websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	c.log.Info("signaling connection opened", "remote_addr", r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// authenticate runs the optional auth phase. Credentials come from the
// upgrade request or, failing that, from a first {"type":"auth"} frame sent
// within the auth timeout.
func (s *Server) authenticate(conn *websocket.Conn, r *http.Request) (auth.Principal, bool) {
	if s.cfg.AuthMode == "" || s.cfg.AuthMode == config.AuthModeNone {
		return auth.Principal{}, true
	}
	if s.cfg.Verifier == nil {
		s.fail(conn, "invalid auth configuration", websocket.CloseInternalServerErr, "invalid auth configuration")
		return auth.Principal{}, false
	}

	cred, err := auth.CredentialFromRequest(s.cfg.AuthMode, r)
	switch {
	case err == nil:
		return s.verify(conn, cred)
	case !errors.Is(err, auth.ErrMissingCredentials):
		s.fail(conn, "invalid auth configuration", websocket.CloseInternalServerErr, "invalid auth configuration")
		return auth.Principal{}, false
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout()))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		if isTimeout(err) {
			s.cfg.Metrics.AuthFailure(metrics.AuthFailureTimeout)
			writeClose(conn, websocket.ClosePolicyViolation, "authentication timeout")
		}
		return auth.Principal{}, false
	}
	if msgType != websocket.TextMessage {
		writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
		return auth.Principal{}, false
	}

	var msg auth.WireAuthMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type != messageTypeAuth {
		s.cfg.Metrics.AuthFailure(metrics.AuthFailureMissing)
		s.fail(conn, "authentication required", websocket.ClosePolicyViolation, "authentication required")
		return auth.Principal{}, false
	}
	cred, err = auth.CredentialFromAuthMessage(s.cfg.AuthMode, msg)
	if err != nil {
		s.cfg.Metrics.AuthFailure(metrics.AuthFailureMissing)
		s.fail(conn, "missing credentials", websocket.ClosePolicyViolation, "missing credentials")
		return auth.Principal{}, false
	}
	p, ok := s.verify(conn, cred)
	if ok {
		_ = conn.SetReadDeadline(time.Time{})
	}
	return p, ok
}

func (s *Server) verify(conn *websocket.Conn, cred string) (auth.Principal, bool) {
	p, err := s.cfg.Verifier.Verify(cred)
	if err != nil {
		s.cfg.Metrics.AuthFailure(metrics.AuthFailureInvalid)
		s.fail(conn, "invalid credentials", websocket.ClosePolicyViolation, "invalid credentials")
		return auth.Principal{}, false
	}
	return p, true
}

// fail sends an error message followed by a close frame. Only used before the
// write pump starts.
func (s *Server) fail(conn *websocket.Conn, message string, closeCode int, closeReason string) {
	if data, err := encodeMessage(errorMessage(message)); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	writeClose(conn, closeCode, closeReason)
}
