// Package relay routes signaling envelopes between registered endpoints.
//
// The relay is stateless per message: it keeps a registry of endpoint id ->
// transport connection and forwards envelopes unchanged. Every Route call
// resolves to either "delivered to transport" or an error envelope back to
// the sender; there are no silent drops.
package relay

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/metrics"
	"github.com/pairlink/call-signaling/internal/signaling"
)

// Conn is the outbound half of an endpoint's transport connection.
//
// Enqueue must never block; it reports whether the envelope was accepted into
// the connection's outbound buffer. Close releases the underlying transport
// and is idempotent.
type Conn interface {
	Enqueue(env signaling.Envelope) bool
	Close()
}

// Relay is the live registry of endpoint id -> transport connection.
//
// All methods are safe for concurrent use. The mutex only guards the map;
// delivery itself is a non-blocking enqueue, so routing for one session is
// never delayed by slow delivery to another.
type Relay struct {
	log     zerolog.Logger
	metrics *metrics.Metrics

	// observer, if set, sees every successfully routed envelope. Used by the
	// server-side session tracker.
	observer func(env signaling.Envelope)
	// onPeerLost, if set, is invoked after an endpoint's registration is
	// removed (not superseded), outside the registry lock.
	onPeerLost func(endpoint string)

	mu    sync.Mutex
	peers map[string]Conn
}

type Option func(*Relay)

// WithObserver installs a hook that sees every delivered envelope.
func WithObserver(fn func(env signaling.Envelope)) Option {
	return func(r *Relay) { r.observer = fn }
}

// WithPeerLostHook installs a hook invoked when an endpoint deregisters.
func WithPeerLostHook(fn func(endpoint string)) Option {
	return func(r *Relay) { r.onPeerLost = fn }
}

func New(log zerolog.Logger, m *metrics.Metrics, opts ...Option) *Relay {
	r := &Relay{
		log:     log.With().Str("component", "relay").Logger(),
		metrics: m,
		peers:   make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs conn as the transport for endpoint, replacing and closing
// any prior connection for the same id.
func (r *Relay) Register(endpoint string, conn Conn) {
	r.mu.Lock()
	prev := r.peers[endpoint]
	r.peers[endpoint] = conn
	r.mu.Unlock()

	r.metrics.Inc(metrics.EndpointRegistered)
	if prev != nil {
		r.metrics.Inc(metrics.RegistrationSuperseded)
		prev.Close()
		r.log.Info().Str("endpoint", endpoint).Msg("registration superseded")
		return
	}
	r.log.Info().Str("endpoint", endpoint).Msg("endpoint registered")
}

// Deregister removes the registration only if conn is still the one on file,
// guarding against a stale deregister racing a newer registration. When the
// registration is actually removed, the peer-lost hook fires so active
// sessions naming this endpoint can be failed.
func (r *Relay) Deregister(endpoint string, conn Conn) {
	r.mu.Lock()
	cur, ok := r.peers[endpoint]
	if !ok || cur != conn {
		r.mu.Unlock()
		return
	}
	delete(r.peers, endpoint)
	r.mu.Unlock()

	conn.Close()
	r.metrics.Inc(metrics.EndpointDeregistered)
	r.log.Info().Str("endpoint", endpoint).Msg("endpoint deregistered")

	if r.onPeerLost != nil {
		r.onPeerLost(endpoint)
	}
}

// Registered reports whether endpoint currently has a live transport.
func (r *Relay) Registered(endpoint string) bool {
	r.mu.Lock()
	_, ok := r.peers[endpoint]
	r.mu.Unlock()
	return ok
}

// Route delivers env to the transport registered for env.To.
//
// If the recipient is unregistered, or its outbound buffer is full or closed,
// the sender receives a synthesized call-error envelope with reason
// "recipient-unreachable" and Route returns ErrRecipientUnreachable. Invalid
// routing fields yield a protocol-violation error envelope instead.
func (r *Relay) Route(env signaling.Envelope) error {
	if err := env.Validate(); err != nil {
		r.metrics.Inc(metrics.ProtocolViolation)
		r.log.Warn().Err(err).Str("kind", string(env.Kind)).Msg("rejecting malformed envelope")
		if env.From != "" {
			r.replyError(env, signaling.ErrorProtocolViolation, err.Error())
		}
		return ErrProtocolViolation
	}

	r.mu.Lock()
	dst := r.peers[env.To]
	r.mu.Unlock()

	if dst != nil && dst.Enqueue(env) {
		r.metrics.Inc(metrics.EnvelopeRouted)
		if r.observer != nil {
			r.observer(env)
		}
		return nil
	}

	if dst == nil {
		r.metrics.Inc(metrics.RecipientUnreachable)
	} else {
		r.metrics.Inc(metrics.BackpressureDropped)
	}
	r.log.Debug().
		Str("kind", string(env.Kind)).
		Str("to", env.To).
		Str("session_id", env.SessionID).
		Msg("recipient unreachable")

	// Synthesizing an error in response to an error could ping-pong between
	// two dead endpoints; resolve those locally.
	if env.Kind != signaling.KindCallError {
		r.replyError(env, signaling.ErrorRecipientUnreachable, "recipient unreachable")
	}
	return ErrRecipientUnreachable
}

// replyError sends a synthesized call-error back to the sender of env.
// Best-effort: if the sender is gone too, the failure is logged and dropped.
func (r *Relay) replyError(env signaling.Envelope, code, message string) {
	errEnv := signaling.NewError(env.To, env.From, env.SessionID, code, message)

	r.mu.Lock()
	src := r.peers[env.From]
	r.mu.Unlock()

	if src == nil || !src.Enqueue(errEnv) {
		r.log.Debug().
			Str("from", env.From).
			Str("session_id", env.SessionID).
			Str("code", code).
			Msg("error reply undeliverable, sender gone")
	}
}

// Close deregisters and closes every connection. Used on shutdown.
func (r *Relay) Close() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range peers {
		conn.Close()
	}
}
