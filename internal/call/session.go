package call

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/media"
	"github.com/pairlink/call-signaling/internal/signaling"
)

// Outbound sends envelopes toward the peer, normally through the relay.
type Outbound interface {
	Send(env signaling.Envelope) error
}

// Notifier receives state transitions; the presentation layer subscribes
// through it to render ringing/connecting indicators and call outcomes.
type Notifier interface {
	StateChanged(sessionID string, from, to State, reason string)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(sessionID string, from, to State, reason string)

func (f NotifierFunc) StateChanged(sessionID string, from, to State, reason string) {
	f(sessionID, from, to, reason)
}

// Config bounds the non-terminal phases of a call.
type Config struct {
	// RingTimeout bounds calling/ringing.
	RingTimeout time.Duration
	// HandshakeTimeout bounds connecting.
	HandshakeTimeout time.Duration
}

// Deps are the collaborators one session drives. Out is required; the others
// are optional (nil engine factory disables the handshake, used by tests that
// only exercise pre-connecting transitions).
type Deps struct {
	Out       Outbound
	NewEngine media.Factory
	Notifier  Notifier
	History   HistorySink
	Log       zerolog.Logger
}

// Session is one side's view of a single call attempt.
//
// The transport receive loop, local command handlers, and timer callbacks are
// all potential concurrent writers; the mutex serializes them per session.
// Side effects (sends, engine calls, notifications) run after the lock is
// released so a slow transport or engine never stalls event application, and
// a cancellation arriving mid-event waits for the in-flight event to drain.
type Session struct {
	id       string
	callerID string
	calleeID string
	role     Role

	cfg  Config
	out  Outbound
	fact media.Factory
	noti Notifier
	hist HistorySink
	log  zerolog.Logger

	mu             sync.Mutex
	state          State
	createdAt      time.Time
	lastActivityAt time.Time
	endedAt        time.Time
	ringTimer      *time.Timer
	handshakeTimer *time.Timer
	engine         media.Engine
	pendingOffer   json.RawMessage
	implicitAccept bool
}

func newSession(id, callerID, calleeID string, role Role, cfg Config, deps Deps, now time.Time) *Session {
	return &Session{
		id:             id,
		callerID:       callerID,
		calleeID:       calleeID,
		role:           role,
		cfg:            cfg,
		out:            deps.Out,
		fact:           deps.NewEngine,
		noti:           deps.Notifier,
		hist:           deps.History,
		log:            deps.Log.With().Str("session_id", id).Str("role", string(role)).Logger(),
		state:          StateIdle,
		createdAt:      now,
		lastActivityAt: now,
	}
}

func (s *Session) ID() string       { return s.id }
func (s *Session) CallerID() string { return s.callerID }
func (s *Session) CalleeID() string { return s.calleeID }
func (s *Session) Role() Role       { return s.role }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// EndedAt is zero until the session reaches a terminal state.
func (s *Session) EndedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endedAt
}

// self and peer are the endpoint ids from this side's perspective.
func (s *Session) self() string {
	if s.role == RoleCaller {
		return s.callerID
	}
	return s.calleeID
}

func (s *Session) peer() string {
	if s.role == RoleCaller {
		return s.calleeID
	}
	return s.callerID
}

// Initiate starts the call from the caller side: idle -> calling, emits the
// call-request, and arms the ring timeout.
func (s *Session) Initiate() error {
	s.mu.Lock()
	if s.role != RoleCaller || s.state != StateIdle {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	fx := s.setStateLocked(StateCalling, "")
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.ringTimeoutFired)
	s.mu.Unlock()

	s.run(fx)
	s.send(signaling.KindCallRequest, nil)
	return nil
}

// ReceiveRequest moves a freshly created callee-side session to ringing and
// arms the ring timeout. Called by the orchestrator on an inbound
// call-request.
func (s *Session) ReceiveRequest() error {
	s.mu.Lock()
	if s.role != RoleCallee || s.state != StateIdle {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	fx := s.setStateLocked(StateRinging, "")
	s.ringTimer = time.AfterFunc(s.cfg.RingTimeout, s.ringTimeoutFired)
	s.mu.Unlock()

	s.run(fx)
	return nil
}

// Accept answers an incoming call: ringing -> connecting, emits call-accept,
// and begins the handshake on the callee side.
func (s *Session) Accept() error {
	return s.accept(false)
}

// AcceptMutual resolves a simultaneous mutual call on the losing side:
// ringing -> connecting without emitting call-accept, since the winning
// caller has already advanced on receipt of our own call-request.
func (s *Session) AcceptMutual() error {
	return s.accept(true)
}

func (s *Session) accept(implicit bool) error {
	s.mu.Lock()
	if s.role != RoleCallee || s.state != StateRinging {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.implicitAccept = implicit
	fx := s.enterConnectingLocked("accepted")
	s.mu.Unlock()

	s.run(fx)
	return nil
}

// Reject declines an incoming call: ringing -> rejected, emits call-reject.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.role != RoleCallee || s.state != StateRinging {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	fx := s.setStateLocked(StateRejected, "rejected")
	s.mu.Unlock()

	s.run(fx)
	s.send(signaling.KindCallReject, nil)
	return nil
}

// Cancel withdraws an outgoing call that has not been accepted yet. The
// session ends immediately; "back to idle" materializes as the session being
// evicted, since a session object only exists while a call attempt does.
func (s *Session) Cancel() error {
	s.mu.Lock()
	if s.state != StateCalling {
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	fx := s.setStateLocked(StateFinished, "canceled")
	s.mu.Unlock()

	s.run(fx)
	s.send(signaling.KindHangup, nil)
	return nil
}

// Hangup ends an established or establishing call. From connected the call
// finished cleanly; from connecting it was abandoned before the media path
// came up, which counts as failed.
func (s *Session) Hangup() error {
	s.mu.Lock()
	var fx []func()
	switch s.state {
	case StateConnected:
		fx = s.setStateLocked(StateFinished, "hangup")
	case StateConnecting:
		fx = s.setStateLocked(StateFailed, "hangup")
	default:
		s.mu.Unlock()
		return ErrInvalidTransition
	}
	s.mu.Unlock()

	s.run(fx)
	s.send(signaling.KindHangup, nil)
	return nil
}

// HandleEnvelope applies one peer event. Envelopes that are out of state or
// arrive after the session ended are no-ops (logged, not erroneous): the
// transport layer may deliver duplicates.
func (s *Session) HandleEnvelope(env signaling.Envelope) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		s.log.Debug().Str("kind", string(env.Kind)).Msg("ignoring envelope for ended session")
		return
	}
	s.lastActivityAt = time.Now()

	var fx []func()
	switch env.Kind {
	case signaling.KindCallAccept:
		if s.role == RoleCaller && s.state == StateCalling {
			fx = s.enterConnectingLocked("accepted")
		}

	case signaling.KindCallReject:
		if s.role == RoleCaller && s.state == StateCalling {
			fx = s.setStateLocked(StateRejected, "rejected")
		}

	case signaling.KindOffer:
		if s.role == RoleCallee && s.state == StateConnecting {
			fx = s.answerLocked(env.Payload)
		}

	case signaling.KindAnswer:
		if s.role == RoleCaller && s.state == StateConnecting {
			fx = s.applyAnswerLocked(env.Payload)
		}

	case signaling.KindICECandidate:
		if s.state == StateConnecting || s.state == StateConnected {
			fx = s.addCandidateLocked(env.Payload)
		}

	case signaling.KindHangup:
		switch s.state {
		case StateConnected:
			fx = s.setStateLocked(StateFinished, "peer-hangup")
		default:
			// Hangup while calling/ringing/connecting: the peer withdrew or
			// gave up before the call was established.
			fx = s.setStateLocked(StateFailed, "peer-hangup")
		}

	case signaling.KindCallTimeout:
		fx = s.setStateLocked(StateTimeout, "ring-timeout")

	case signaling.KindCallError:
		code := signaling.ErrorCode(env)
		if code == "" {
			code = "call-error"
		}
		// Losing the peer's transport after establishment ends the call; it
		// does not retroactively fail it.
		if code == signaling.ErrorPeerTransportLost && s.state == StateConnected {
			fx = s.setStateLocked(StateFinished, code)
		} else {
			fx = s.setStateLocked(StateFailed, code)
		}

	default:
		s.log.Debug().Str("kind", string(env.Kind)).Msg("ignoring envelope kind")
	}
	if fx == nil {
		s.log.Debug().
			Str("kind", string(env.Kind)).
			Str("state", string(s.state)).
			Msg("envelope is a no-op in current state")
	}
	s.mu.Unlock()

	s.run(fx)
}

// PeerTransportLost fails or finishes the session when the peer's transport
// registration is lost or our own transport drops.
func (s *Session) PeerTransportLost() {
	s.mu.Lock()
	var fx []func()
	switch {
	case s.state == StateConnected:
		fx = s.setStateLocked(StateFinished, "peer-transport-lost")
	case !s.state.Terminal() && s.state != StateIdle:
		fx = s.setStateLocked(StateFailed, "peer-transport-lost")
	}
	s.mu.Unlock()

	s.run(fx)
}

// Supersede silently discards a caller-side session that lost the mutual-call
// tie-break. No envelopes and no history record: the logical call continues
// under the winner's session id.
func (s *Session) Supersede() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	s.state = StateFailed
	s.endedAt = time.Now()
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()

	if engine != nil {
		_ = engine.Close()
	}
}

// ---- internal transitions (all *Locked helpers require s.mu held) ----

// setStateLocked records the transition and returns the side effects to run
// after unlocking: timer cancellation is immediate, everything that can block
// (engine teardown, notification, history emission) is deferred.
func (s *Session) setStateLocked(to State, reason string) []func() {
	from := s.state
	s.state = to
	s.lastActivityAt = time.Now()

	var fx []func()
	if to.Terminal() || to == StateConnecting || to == StateConnected {
		s.stopTimersLocked()
	}
	if to.Terminal() {
		s.endedAt = time.Now()
		engine := s.engine
		s.engine = nil
		if engine != nil {
			fx = append(fx, func() { _ = engine.Close() })
		}
		if s.hist != nil {
			rec := HistoryRecord{
				SessionID: s.id,
				CallerID:  s.callerID,
				CalleeID:  s.calleeID,
				Outcome:   to,
				Reason:    reason,
				StartedAt: s.createdAt,
				EndedAt:   s.endedAt,
			}
			fx = append(fx, func() { s.hist.RecordCall(rec) })
		}
	}
	if s.noti != nil {
		fx = append(fx, func() { s.noti.StateChanged(s.id, from, to, reason) })
	}
	fx = append(fx, func() {
		s.log.Info().
			Str("from", string(from)).
			Str("to", string(to)).
			Str("reason", reason).
			Msg("state transition")
	})
	return fx
}

func (s *Session) stopTimersLocked() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
}

// enterConnectingLocked starts the handshake phase: arms the handshake
// timeout and schedules media engine setup. The caller side creates the offer
// immediately; the callee waits for it to arrive.
func (s *Session) enterConnectingLocked(reason string) []func() {
	fx := s.setStateLocked(StateConnecting, reason)
	s.handshakeTimer = time.AfterFunc(s.cfg.HandshakeTimeout, s.handshakeTimeoutFired)

	implicit := s.implicitAccept
	fx = append(fx, func() {
		// Engine first: once call-accept is on the wire the peer may send its
		// offer at any moment, and the offer needs an engine to land in.
		s.setupEngine()
		if s.role == RoleCallee && !implicit {
			s.send(signaling.KindCallAccept, nil)
		}
	})
	return fx
}

// setupEngine creates the media engine once the session is connecting.
// Runs unlocked; bails out if the session advanced or ended meanwhile.
func (s *Session) setupEngine() {
	if s.fact == nil {
		return
	}
	engine, err := s.fact()
	if err != nil {
		s.log.Error().Err(err).Msg("media engine setup failed")
		s.failMedia("media-engine")
		return
	}

	engine.OnLocalICECandidate(func(candidate json.RawMessage) {
		s.send(signaling.KindICECandidate, candidate)
	})
	engine.OnConnected(s.mediaConnected)
	engine.OnDisconnected(s.mediaDisconnected)

	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		_ = engine.Close()
		return
	}
	s.engine = engine
	role := s.role
	pending := s.pendingOffer
	s.pendingOffer = nil
	s.mu.Unlock()

	if role == RoleCaller {
		offer, err := engine.CreateOffer(context.Background())
		if err != nil {
			s.log.Error().Err(err).Msg("create offer failed")
			s.failMedia("media-engine")
			return
		}
		s.send(signaling.KindOffer, offer)
		return
	}
	if pending != nil {
		s.answer(engine, pending)
	}
}

func (s *Session) answerLocked(offer json.RawMessage) []func() {
	engine := s.engine
	if engine == nil {
		// The offer outran engine setup; hold it until the engine lands.
		s.pendingOffer = offer
		return []func(){func() {
			s.log.Debug().Msg("offer held until media engine is ready")
		}}
	}
	return []func(){func() { s.answer(engine, offer) }}
}

// answer produces and sends the SDP answer for a received offer. Runs
// unlocked.
func (s *Session) answer(engine media.Engine, offer json.RawMessage) {
	answer, err := engine.CreateAnswer(context.Background(), offer)
	if err != nil {
		s.log.Error().Err(err).Msg("create answer failed")
		s.failMedia("media-engine")
		return
	}
	s.send(signaling.KindAnswer, answer)
}

func (s *Session) applyAnswerLocked(answer json.RawMessage) []func() {
	engine := s.engine
	return []func(){func() {
		if engine == nil {
			return
		}
		if err := engine.SetRemoteDescription(answer); err != nil {
			s.log.Error().Err(err).Msg("apply answer failed")
			s.failMedia("media-engine")
		}
	}}
}

func (s *Session) addCandidateLocked(candidate json.RawMessage) []func() {
	engine := s.engine
	return []func(){func() {
		if engine == nil {
			return
		}
		if err := engine.AddICECandidate(candidate); err != nil {
			// A bad candidate does not doom the handshake; others may connect.
			s.log.Warn().Err(err).Msg("add ice candidate failed")
		}
	}}
}

// ---- timer and media-engine callbacks ----

func (s *Session) ringTimeoutFired() {
	s.mu.Lock()
	var fx []func()
	emit := false
	switch s.state {
	case StateCalling:
		fx = s.setStateLocked(StateTimeout, "ring-timeout")
		emit = true
	case StateRinging:
		// The caller timed its own side; no outbound needed.
		fx = s.setStateLocked(StateTimeout, "ring-timeout")
	}
	s.mu.Unlock()

	s.run(fx)
	if emit {
		s.send(signaling.KindCallTimeout, nil)
	}
}

func (s *Session) handshakeTimeoutFired() {
	s.mu.Lock()
	var fx []func()
	emit := false
	if s.state == StateConnecting {
		fx = s.setStateLocked(StateFailed, "handshake-timeout")
		emit = true
	}
	s.mu.Unlock()

	s.run(fx)
	if emit {
		s.send(signaling.KindHangup, nil)
	}
}

func (s *Session) mediaConnected() {
	s.mu.Lock()
	var fx []func()
	if s.state == StateConnecting {
		fx = s.setStateLocked(StateConnected, "media-connected")
	}
	s.mu.Unlock()

	s.run(fx)
}

func (s *Session) mediaDisconnected() {
	s.mu.Lock()
	var fx []func()
	switch s.state {
	case StateConnecting:
		fx = s.setStateLocked(StateFailed, "media-disconnected")
	case StateConnected:
		fx = s.setStateLocked(StateFinished, "media-disconnected")
	}
	s.mu.Unlock()

	s.run(fx)
}

// failMedia moves the session to failed after a media engine error.
func (s *Session) failMedia(reason string) {
	s.mu.Lock()
	var fx []func()
	if !s.state.Terminal() {
		fx = s.setStateLocked(StateFailed, reason)
	}
	s.mu.Unlock()

	if fx == nil {
		return
	}
	s.run(fx)
	s.send(signaling.KindHangup, nil)
}

// ---- outbound ----

func (s *Session) send(kind signaling.Kind, payload json.RawMessage) {
	if s.out == nil {
		return
	}
	env := signaling.Envelope{
		Kind:      kind,
		From:      s.self(),
		To:        s.peer(),
		SessionID: s.id,
		Payload:   payload,
	}
	if err := s.out.Send(env); err != nil {
		// Routing failures come back as call-error envelopes; a transport
		// error here just means the peer will never see this message.
		s.log.Debug().Err(err).Str("kind", string(kind)).Msg("outbound send failed")
	}
}

func (s *Session) run(fx []func()) {
	for _, f := range fx {
		f()
	}
}
