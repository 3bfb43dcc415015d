package signaling

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/screenshare-signal/internal/relay"
)

const wsWriteWait = 1 * time.Second

// Client is one signaling WebSocket. The hub owns send and closes it when the
// client is unregistered or the hub stops.
type Client struct {
	id   relay.ConnID
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	log     *slog.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	idleTimeout  time.Duration
	pingInterval time.Duration
}

func (c *Client) ID() relay.ConnID { return c.id }

// readPump forwards inbound frames to the hub until the socket fails. It is
// the only reader of conn.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case isTimeout(err):
				c.log.Debug("closing idle signaling connection")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				c.metrics.MessageDropped(metrics.DropReasonBadMessage)
				c.log.Warn("signaling message too large")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.Debug("signaling connection closed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		// Rate limit after the read so the close frame is not lost behind
		// unread bytes.
		if c.limiter != nil && !c.limiter.Allow() {
			c.metrics.MessageDropped(metrics.DropReasonRateLimited)
			c.log.Warn("signaling rate limit exceeded")
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := parseEnvelope(data)
		if err != nil {
			if !c.hub.Reject(c, err.Error()) {
				return
			}
			continue
		}
		if env.Type == messageTypeAuth {
			// Already authenticated; clients may resend auth after a query
			// string credential.
			continue
		}
		ev, err := decodeEvent(env)
		if err != nil {
			if !c.hub.Reject(c, err.Error()) {
				return
			}
			continue
		}
		if !c.hub.Submit(c, ev) {
			return
		}
	}
}

// writePump drains the send queue and pings at pingInterval. It is the only
// writer of data frames on conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) closeWith(code int, reason string) {
	writeClose(c.conn, code, reason)
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
