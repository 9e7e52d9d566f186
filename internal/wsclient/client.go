// Package wsclient is the client side of the signaling WebSocket: it
// registers an endpoint with the relay and implements the outbound send
// interface the call state machine writes to.
package wsclient

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/signaling"
)

const writeWait = 5 * time.Second

type Option func(*dialOptions)

type dialOptions struct {
	apiKey string
	log    zerolog.Logger
}

// WithAPIKey attaches the credential expected by a relay running in api_key
// auth mode.
func WithAPIKey(key string) Option {
	return func(o *dialOptions) { o.apiKey = key }
}

func WithLogger(log zerolog.Logger) Option {
	return func(o *dialOptions) { o.log = log }
}

type Client struct {
	endpoint string
	conn     *websocket.Conn
	log      zerolog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
}

// Dial connects to the relay at rawURL (a ws:// or wss:// URL of the /ws
// route) and registers endpoint.
func Dial(ctx context.Context, rawURL, endpoint string, opts ...Option) (*Client, error) {
	var o dialOptions
	o.log = zerolog.Nop()
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("endpoint", endpoint)
	if o.apiKey != "" {
		q.Set("apiKey", o.apiKey)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", u.Host, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}

	return &Client{
		endpoint: endpoint,
		conn:     conn,
		log:      o.log.With().Str("component", "wsclient").Str("endpoint", endpoint).Logger(),
	}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

// Send writes one envelope to the relay. Safe for concurrent use; this is the
// call state machine's Outbound.
func (c *Client) Send(env signaling.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// Run reads envelopes until the connection drops and feeds them to handler,
// then returns the read error. Pings from the relay are answered by the
// underlying connection's default ping handler.
func (c *Client) Run(handler func(env signaling.Envelope)) error {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := signaling.Parse(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping unparseable envelope")
			continue
		}
		handler(env)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
