package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/auth"
	"github.com/pairlink/call-signaling/internal/metrics"
	"github.com/pairlink/call-signaling/internal/ratelimit"
	"github.com/pairlink/call-signaling/internal/relay"
	"github.com/pairlink/call-signaling/internal/signaling"
)

const wsWriteWait = 1 * time.Second

// handleWS upgrades the signaling WebSocket for one endpoint. The endpoint id
// is asserted by the platform's session layer in front of this service and
// arrives as a query parameter; auth (when enabled) gates access to the
// socket itself.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	endpoint := q.Get("endpoint")
	if endpoint == "" {
		http.Error(w, "missing endpoint", http.StatusBadRequest)
		return
	}

	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, q)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.verifier.Verify(cred); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsConn{
		srv:      s,
		conn:     conn,
		endpoint: endpoint,
		queue:    relay.NewQueue(s.cfg.SendQueueDepth),
		limiter: ratelimit.NewTokenBucket(
			ratelimit.RealClock{},
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond),
		),
		log: s.log.With().Str("endpoint", endpoint).Logger(),
	}
	c.run()
}

type wsConn struct {
	srv      *Server
	conn     *websocket.Conn
	endpoint string
	queue    *relay.Queue
	limiter  *ratelimit.TokenBucket
	log      zerolog.Logger
}

func (c *wsConn) run() {
	c.srv.relay.Register(c.endpoint, c.queue)

	stopPings := make(chan struct{})
	go c.pingLoop(stopPings)
	go c.writePump()

	c.readLoop()

	close(stopPings)
	// Deregister fires the peer-lost hook; Close unblocks the write pump,
	// which then closes the socket.
	c.srv.relay.Deregister(c.endpoint, c.queue)
	c.queue.Close()
}

// writePump drains the outbound queue onto the socket. It owns all data
// writes; control frames go through WriteControl, which is safe concurrently.
func (c *wsConn) writePump() {
	for {
		env, ok := c.queue.Dequeue()
		if !ok {
			break
		}
		_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteJSON(env); err != nil {
			c.log.Debug().Err(err).Msg("write failed")
			break
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteWait))
	_ = c.conn.Close()
}

func (c *wsConn) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.srv.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) readLoop() {
	idle := c.srv.cfg.WSIdleTimeout
	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		// Rate limit after reading so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can turn into an abortive
		// close and hide the close reason from the client.
		if !c.limiter.Allow(1) {
			c.srv.metrics.Inc(metrics.SignalingRateLimited)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.SignalingMessageRejected)
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := signaling.Parse(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.SignalingMessageRejected)
			c.closeWith(websocket.ClosePolicyViolation, "bad message")
			return
		}
		if env.From != c.endpoint {
			// Spoofed sender. Tell the client and drop the message; the
			// connection itself stays usable.
			c.srv.metrics.Inc(metrics.ProtocolViolation)
			c.queue.Enqueue(signaling.NewError(c.endpoint, c.endpoint, env.SessionID,
				signaling.ErrorProtocolViolation, "from does not match registered endpoint"))
			continue
		}

		_ = c.srv.relay.Route(env)
	}
}

func (c *wsConn) closeWith(code int, reason string) {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteWait))
}
