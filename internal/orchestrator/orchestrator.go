// Package orchestrator drives one endpoint's calls: it owns the local media
// engine factory, feeds inbound envelopes into the right session, and turns
// local user actions (initiate, accept, reject, hang up) into state-machine
// commands.
package orchestrator

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/call"
	"github.com/pairlink/call-signaling/internal/media"
	"github.com/pairlink/call-signaling/internal/signaling"
)

type Config struct {
	// Endpoint is this side's identity, as supplied by the platform's
	// presence service.
	Endpoint string
	// Out sends envelopes toward the relay.
	Out call.Outbound
	// Registry holds this side's sessions.
	Registry *call.Registry
	// NewEngine creates a media engine per call attempt.
	NewEngine media.Factory
	// Notifier and History are optional presentation/persistence hooks.
	Notifier call.Notifier
	History  call.HistorySink

	Log zerolog.Logger
}

type Orchestrator struct {
	endpoint  string
	out       call.Outbound
	reg       *call.Registry
	newEngine media.Factory
	notifier  call.Notifier
	history   call.HistorySink
	log       zerolog.Logger
}

func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		endpoint:  cfg.Endpoint,
		out:       cfg.Out,
		reg:       cfg.Registry,
		newEngine: cfg.NewEngine,
		notifier:  cfg.Notifier,
		history:   cfg.History,
		log:       cfg.Log.With().Str("component", "orchestrator").Str("endpoint", cfg.Endpoint).Logger(),
	}
}

func (o *Orchestrator) deps() call.Deps {
	return call.Deps{
		Out:       o.out,
		NewEngine: o.newEngine,
		Notifier:  o.notifier,
		History:   o.history,
	}
}

// Initiate starts an outgoing call to calleeID and returns the new session
// id. Fails with call.ErrDuplicateSession if either party already has an
// active call; no session is created in that case.
func (o *Orchestrator) Initiate(calleeID string) (string, error) {
	id := uuid.NewString()
	sess, err := o.reg.Create(id, o.endpoint, calleeID, call.RoleCaller, o.deps())
	if err != nil {
		return "", err
	}
	if err := sess.Initiate(); err != nil {
		o.reg.Remove(id)
		return "", err
	}
	return id, nil
}

// Accept answers the incoming call with the given session id.
func (o *Orchestrator) Accept(sessionID string) error {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Accept()
}

// Reject declines the incoming call with the given session id.
func (o *Orchestrator) Reject(sessionID string) error {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Reject()
}

// Cancel withdraws an outgoing call that has not been answered.
func (o *Orchestrator) Cancel(sessionID string) error {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Cancel()
}

// Hangup ends an establishing or established call.
func (o *Orchestrator) Hangup(sessionID string) error {
	sess, err := o.reg.Get(sessionID)
	if err != nil {
		return err
	}
	return sess.Hangup()
}

// HandleEnvelope applies one envelope received from the relay. It is called
// from the transport's receive loop; per-session serialization happens inside
// the session.
func (o *Orchestrator) HandleEnvelope(env signaling.Envelope) {
	if env.To != o.endpoint {
		o.log.Warn().Str("to", env.To).Msg("dropping misrouted envelope")
		return
	}

	if env.Kind == signaling.KindCallRequest {
		o.handleCallRequest(env)
		return
	}

	sess, err := o.reg.Get(env.SessionID)
	if err != nil {
		// Late or duplicate delivery for a session we no longer know.
		o.log.Debug().
			Str("kind", string(env.Kind)).
			Str("session_id", env.SessionID).
			Msg("envelope for unknown session ignored")
		return
	}
	sess.HandleEnvelope(env)
}

func (o *Orchestrator) handleCallRequest(env signaling.Envelope) {
	if active, ok := o.reg.Active(env.From); ok {
		if active.Role() == call.RoleCaller &&
			active.CalleeID() == env.From &&
			active.State() == call.StateCalling {
			o.resolveMutualCall(active, env)
			return
		}
		// Busy with the same peer in another phase; duplicate request.
		o.log.Debug().Str("session_id", env.SessionID).Msg("duplicate call-request ignored")
		return
	}

	sess, err := o.reg.Create(env.SessionID, env.From, o.endpoint, call.RoleCallee, o.deps())
	if err != nil {
		// Already on a call with someone else (or a reused session id):
		// decline without creating a session.
		o.log.Info().
			Str("caller", env.From).
			Str("session_id", env.SessionID).
			Msg("rejecting call-request, endpoint busy")
		o.sendBusy(env)
		return
	}
	if err := sess.ReceiveRequest(); err != nil {
		o.log.Error().Err(err).Str("session_id", env.SessionID).Msg("receive request failed")
	}
}

// resolveMutualCall applies the tie-break for two endpoints calling each
// other at the same time: the lexicographically smaller endpoint id keeps the
// caller role and treats the incoming request as acceptance of its own
// session; the larger id abandons its own attempt and continues as callee
// under the winner's session id, skipping the explicit accept.
func (o *Orchestrator) resolveMutualCall(ours *call.Session, env signaling.Envelope) {
	if o.endpoint < env.From {
		o.log.Info().
			Str("peer", env.From).
			Str("session_id", ours.ID()).
			Msg("mutual call: keeping caller role")
		ours.HandleEnvelope(signaling.Envelope{
			Kind:      signaling.KindCallAccept,
			From:      env.From,
			To:        o.endpoint,
			SessionID: ours.ID(),
		})
		return
	}

	o.log.Info().
		Str("peer", env.From).
		Str("abandoned_session_id", ours.ID()).
		Str("session_id", env.SessionID).
		Msg("mutual call: yielding caller role")
	ours.Supersede()
	o.reg.Remove(ours.ID())

	sess, err := o.reg.Create(env.SessionID, env.From, o.endpoint, call.RoleCallee, o.deps())
	if err != nil {
		o.log.Error().Err(err).Str("session_id", env.SessionID).Msg("mutual call takeover failed")
		o.sendBusy(env)
		return
	}
	if err := sess.ReceiveRequest(); err == nil {
		_ = sess.AcceptMutual()
	}
}

func (o *Orchestrator) sendBusy(env signaling.Envelope) {
	payload, _ := json.Marshal(signaling.ErrorInfo{Code: signaling.ErrorBusy})
	reject := signaling.Envelope{
		Kind:      signaling.KindCallReject,
		From:      o.endpoint,
		To:        env.From,
		SessionID: env.SessionID,
		Payload:   payload,
	}
	if err := o.out.Send(reject); err != nil {
		o.log.Debug().Err(err).Msg("busy reject undeliverable")
	}
}

// ConnectionLost fails every non-terminal session after this endpoint's own
// transport to the relay drops. Clients re-register on reconnect; sessions do
// not survive the loss.
func (o *Orchestrator) ConnectionLost() {
	for _, sess := range o.reg.Sessions() {
		if !sess.State().Terminal() {
			sess.PeerTransportLost()
		}
	}
}

// Endpoint returns this orchestrator's endpoint id.
func (o *Orchestrator) Endpoint() string { return o.endpoint }
