package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pairlink/call-signaling/internal/media"
	"github.com/pairlink/call-signaling/internal/signaling"
)

type sentLog struct {
	mu   sync.Mutex
	envs []signaling.Envelope
}

func (l *sentLog) Send(env signaling.Envelope) error {
	l.mu.Lock()
	l.envs = append(l.envs, env)
	l.mu.Unlock()
	return nil
}

func (l *sentLog) kinds() []signaling.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]signaling.Kind, len(l.envs))
	for i, env := range l.envs {
		out[i] = env.Kind
	}
	return out
}

func (l *sentLog) count(kind signaling.Kind) int {
	n := 0
	for _, k := range l.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func (l *sentLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.envs)
}

type fakeEngine struct {
	mu          sync.Mutex
	closed      bool
	offers      int
	answers     int
	remoteDescs int
	candidates  int

	onCand func(json.RawMessage)
	onConn func()
	onDisc func()
}

func (e *fakeEngine) CreateOffer(context.Context) (json.RawMessage, error) {
	e.mu.Lock()
	e.offers++
	e.mu.Unlock()
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (e *fakeEngine) CreateAnswer(_ context.Context, _ json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	e.answers++
	e.mu.Unlock()
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (e *fakeEngine) SetRemoteDescription(json.RawMessage) error {
	e.mu.Lock()
	e.remoteDescs++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddICECandidate(json.RawMessage) error {
	e.mu.Lock()
	e.candidates++
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) OnLocalICECandidate(fn func(json.RawMessage)) { e.onCand = fn }
func (e *fakeEngine) OnConnected(fn func())                       { e.onConn = fn }
func (e *fakeEngine) OnDisconnected(fn func())                    { e.onDisc = fn }

func (e *fakeEngine) connect()    { e.onConn() }
func (e *fakeEngine) disconnect() { e.onDisc() }

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var longTimers = Config{RingTimeout: time.Hour, HandshakeTimeout: time.Hour}

type fixture struct {
	out     *sentLog
	engine  *fakeEngine
	history *MemoryHistory
	reg     *Registry
}

func newFixture(cfg Config) *fixture {
	return &fixture{
		out:     &sentLog{},
		engine:  &fakeEngine{},
		history: NewMemoryHistory(),
		reg:     NewRegistry(cfg, time.Hour, zerolog.Nop()),
	}
}

func (f *fixture) deps() Deps {
	return Deps{
		Out:       f.out,
		NewEngine: func() (media.Engine, error) { return f.engine, nil },
		History:   f.history,
	}
}

func (f *fixture) caller(t *testing.T) *Session {
	t.Helper()
	sess, err := f.reg.Create("s1", "alice", "bob", RoleCaller, f.deps())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func (f *fixture) callee(t *testing.T) *Session {
	t.Helper()
	sess, err := f.reg.Create("s1", "alice", "bob", RoleCallee, f.deps())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sess
}

func fromPeer(kind signaling.Kind, payload json.RawMessage) signaling.Envelope {
	return signaling.Envelope{Kind: kind, From: "peer", To: "self", SessionID: "s1", Payload: payload}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state=%s, want %s", s.State(), want)
}

func TestCallerLifecycle(t *testing.T) {
	f := newFixture(longTimers)
	s := f.caller(t)

	if err := s.Initiate(); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if s.State() != StateCalling {
		t.Fatalf("state=%s, want calling", s.State())
	}
	if f.out.count(signaling.KindCallRequest) != 1 {
		t.Fatalf("sent kinds=%v, want one call-request", f.out.kinds())
	}

	s.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))
	if s.State() != StateConnecting {
		t.Fatalf("state=%s, want connecting", s.State())
	}
	// The caller opens the handshake: engine created, offer emitted.
	if f.out.count(signaling.KindOffer) != 1 {
		t.Fatalf("sent kinds=%v, want one offer", f.out.kinds())
	}

	s.HandleEnvelope(fromPeer(signaling.KindAnswer, json.RawMessage(`{"type":"answer"}`)))
	if f.engine.remoteDescs != 1 {
		t.Fatalf("remoteDescs=%d, want 1", f.engine.remoteDescs)
	}

	s.HandleEnvelope(fromPeer(signaling.KindICECandidate, json.RawMessage(`{"candidate":"c"}`)))
	if f.engine.candidates != 1 {
		t.Fatalf("candidates=%d, want 1", f.engine.candidates)
	}

	f.engine.connect()
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}

	if err := s.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if s.State() != StateFinished {
		t.Fatalf("state=%s, want finished", s.State())
	}
	if f.out.count(signaling.KindHangup) != 1 {
		t.Fatalf("sent kinds=%v, want one hangup", f.out.kinds())
	}
	if !f.engine.isClosed() {
		t.Fatalf("engine not closed on terminal state")
	}

	recs := f.history.Records()
	if len(recs) != 1 || recs[0].Outcome != StateFinished || recs[0].SessionID != "s1" {
		t.Fatalf("history=%+v, want one finished record for s1", recs)
	}
}

func TestCalleeLifecycle(t *testing.T) {
	f := newFixture(longTimers)
	s := f.callee(t)

	if err := s.ReceiveRequest(); err != nil {
		t.Fatalf("ReceiveRequest: %v", err)
	}
	if s.State() != StateRinging {
		t.Fatalf("state=%s, want ringing", s.State())
	}

	if err := s.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if s.State() != StateConnecting {
		t.Fatalf("state=%s, want connecting", s.State())
	}
	if f.out.count(signaling.KindCallAccept) != 1 {
		t.Fatalf("sent kinds=%v, want one call-accept", f.out.kinds())
	}
	// The callee waits for the remote offer; it must not create one.
	if f.engine.offers != 0 {
		t.Fatalf("offers=%d, want 0 on callee side", f.engine.offers)
	}

	s.HandleEnvelope(fromPeer(signaling.KindOffer, json.RawMessage(`{"type":"offer"}`)))
	if f.engine.answers != 1 {
		t.Fatalf("answers=%d, want 1", f.engine.answers)
	}
	if f.out.count(signaling.KindAnswer) != 1 {
		t.Fatalf("sent kinds=%v, want one answer", f.out.kinds())
	}

	f.engine.connect()
	if s.State() != StateConnected {
		t.Fatalf("state=%s, want connected", s.State())
	}

	before := f.out.len()
	s.HandleEnvelope(fromPeer(signaling.KindHangup, nil))
	if s.State() != StateFinished {
		t.Fatalf("state=%s, want finished", s.State())
	}
	// A received hangup must not be answered with another hangup.
	if f.out.len() != before {
		t.Fatalf("sent kinds=%v, want no outbound after peer hangup", f.out.kinds())
	}
}

// instantPeer is a transport whose round trip is zero: the moment call-accept
// goes out, the caller's offer comes back in the same call stack.
type instantPeer struct {
	inner *sentLog
	sess  *Session
}

func (p *instantPeer) Send(env signaling.Envelope) error {
	_ = p.inner.Send(env)
	if env.Kind == signaling.KindCallAccept {
		p.sess.HandleEnvelope(fromPeer(signaling.KindOffer, json.RawMessage(`{"type":"offer"}`)))
	}
	return nil
}

func TestOfferArrivingWithAcceptIsAnswered(t *testing.T) {
	f := newFixture(longTimers)
	peer := &instantPeer{inner: f.out}
	deps := f.deps()
	deps.Out = peer
	sess, err := f.reg.Create("s1", "alice", "bob", RoleCallee, deps)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	peer.sess = sess

	_ = sess.ReceiveRequest()
	if err := sess.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if f.engine.answers != 1 {
		t.Fatalf("answers=%d, want 1 (offer must not outrun engine setup)", f.engine.answers)
	}
	if f.out.count(signaling.KindAnswer) != 1 {
		t.Fatalf("sent kinds=%v, want one answer", f.out.kinds())
	}
}

func TestOfferAheadOfEngineIsHeld(t *testing.T) {
	f := newFixture(longTimers)
	deps := f.deps()
	var sess *Session
	// The offer lands while the engine is still being constructed.
	deps.NewEngine = func() (media.Engine, error) {
		sess.HandleEnvelope(fromPeer(signaling.KindOffer, json.RawMessage(`{"type":"offer"}`)))
		return f.engine, nil
	}
	sess, err := f.reg.Create("s1", "alice", "bob", RoleCallee, deps)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_ = sess.ReceiveRequest()
	if err := sess.Accept(); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if f.engine.answers != 1 {
		t.Fatalf("answers=%d, want 1 (held offer must be answered once the engine lands)", f.engine.answers)
	}
	if f.out.count(signaling.KindAnswer) != 1 {
		t.Fatalf("sent kinds=%v, want one answer", f.out.kinds())
	}
}

func TestRejectFlow(t *testing.T) {
	f := newFixture(longTimers)
	callee := f.callee(t)
	_ = callee.ReceiveRequest()

	if err := callee.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if callee.State() != StateRejected {
		t.Fatalf("state=%s, want rejected", callee.State())
	}
	if f.out.count(signaling.KindCallReject) != 1 {
		t.Fatalf("sent kinds=%v, want one call-reject", f.out.kinds())
	}

	g := newFixture(longTimers)
	caller := g.caller(t)
	_ = caller.Initiate()
	caller.HandleEnvelope(fromPeer(signaling.KindCallReject, nil))
	if caller.State() != StateRejected {
		t.Fatalf("caller state=%s, want rejected", caller.State())
	}

	recs := g.history.Records()
	if len(recs) != 1 || recs[0].Outcome != StateRejected {
		t.Fatalf("history=%+v, want one rejected record", recs)
	}
}

func TestCancelWithdrawsOutgoingCall(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()

	if err := caller.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if caller.State() != StateFinished {
		t.Fatalf("state=%s, want finished", caller.State())
	}
	if f.out.count(signaling.KindHangup) != 1 {
		t.Fatalf("sent kinds=%v, want one hangup", f.out.kinds())
	}

	// Peer side: hangup while still ringing counts as a failed attempt.
	g := newFixture(longTimers)
	callee := g.callee(t)
	_ = callee.ReceiveRequest()
	callee.HandleEnvelope(fromPeer(signaling.KindHangup, nil))
	if callee.State() != StateFailed {
		t.Fatalf("callee state=%s, want failed", callee.State())
	}
}

func TestRingTimeout_Caller(t *testing.T) {
	f := newFixture(Config{RingTimeout: 20 * time.Millisecond, HandshakeTimeout: time.Hour})
	caller := f.caller(t)
	_ = caller.Initiate()

	waitState(t, caller, StateTimeout)
	if f.out.count(signaling.KindCallTimeout) != 1 {
		t.Fatalf("sent kinds=%v, want one call-timeout", f.out.kinds())
	}
}

func TestRingTimeout_Callee(t *testing.T) {
	f := newFixture(Config{RingTimeout: 20 * time.Millisecond, HandshakeTimeout: time.Hour})
	callee := f.callee(t)
	_ = callee.ReceiveRequest()

	waitState(t, callee, StateTimeout)
	// The callee times out silently; the caller has its own timer.
	if f.out.len() != 0 {
		t.Fatalf("sent kinds=%v, want none", f.out.kinds())
	}
}

func TestRingTimeout_CanceledByAccept(t *testing.T) {
	f := newFixture(Config{RingTimeout: 50 * time.Millisecond, HandshakeTimeout: time.Hour})
	callee := f.callee(t)
	_ = callee.ReceiveRequest()
	_ = callee.Accept()

	time.Sleep(120 * time.Millisecond)
	if callee.State() != StateConnecting {
		t.Fatalf("state=%s, want connecting (ring timer should be disarmed)", callee.State())
	}
}

func TestReceivedCallTimeout(t *testing.T) {
	f := newFixture(longTimers)
	callee := f.callee(t)
	_ = callee.ReceiveRequest()

	callee.HandleEnvelope(fromPeer(signaling.KindCallTimeout, nil))
	if callee.State() != StateTimeout {
		t.Fatalf("state=%s, want timeout", callee.State())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	f := newFixture(Config{RingTimeout: time.Hour, HandshakeTimeout: 20 * time.Millisecond})
	callee := f.callee(t)
	_ = callee.ReceiveRequest()
	_ = callee.Accept()

	waitState(t, callee, StateFailed)
	if f.out.count(signaling.KindHangup) != 1 {
		t.Fatalf("sent kinds=%v, want one hangup", f.out.kinds())
	}
	if !f.engine.isClosed() {
		t.Fatalf("engine not closed after handshake timeout")
	}
}

func TestHangupWhileConnectingFails(t *testing.T) {
	f := newFixture(longTimers)
	callee := f.callee(t)
	_ = callee.ReceiveRequest()
	_ = callee.Accept()

	if err := callee.Hangup(); err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	if callee.State() != StateFailed {
		t.Fatalf("state=%s, want failed", callee.State())
	}
}

func TestDuplicateAcceptIsIdempotent(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()

	caller.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))
	caller.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))

	if caller.State() != StateConnecting {
		t.Fatalf("state=%s, want connecting", caller.State())
	}
	if f.engine.offers != 1 {
		t.Fatalf("offers=%d, want 1 (replay must not restart the handshake)", f.engine.offers)
	}
	if f.out.count(signaling.KindOffer) != 1 {
		t.Fatalf("sent kinds=%v, want exactly one offer", f.out.kinds())
	}
}

func TestEnvelopesAfterTerminalAreNoOps(t *testing.T) {
	f := newFixture(longTimers)
	callee := f.callee(t)
	_ = callee.ReceiveRequest()
	_ = callee.Reject()

	before := f.out.len()
	for _, kind := range []signaling.Kind{
		signaling.KindCallAccept, signaling.KindOffer, signaling.KindAnswer,
		signaling.KindICECandidate, signaling.KindHangup, signaling.KindCallError,
	} {
		callee.HandleEnvelope(fromPeer(kind, nil))
	}

	if callee.State() != StateRejected {
		t.Fatalf("state=%s, want rejected to stick", callee.State())
	}
	if f.out.len() != before {
		t.Fatalf("sent kinds=%v, want no outbound after terminal state", f.out.kinds())
	}
	if got := len(f.history.Records()); got != 1 {
		t.Fatalf("history records=%d, want exactly 1", got)
	}
}

func TestLocalCommandsAfterTerminal(t *testing.T) {
	f := newFixture(longTimers)
	callee := f.callee(t)
	_ = callee.ReceiveRequest()
	_ = callee.Reject()

	for name, op := range map[string]func() error{
		"Accept": callee.Accept,
		"Reject": callee.Reject,
		"Cancel": callee.Cancel,
		"Hangup": callee.Hangup,
	} {
		if err := op(); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s=%v, want ErrInvalidTransition", name, err)
		}
	}
}

func TestPeerTransportLost(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()
	caller.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))
	f.engine.connect()

	caller.PeerTransportLost()
	if caller.State() != StateFinished {
		t.Fatalf("state=%s, want finished for an established call", caller.State())
	}

	g := newFixture(longTimers)
	calling := g.caller(t)
	_ = calling.Initiate()
	calling.PeerTransportLost()
	if calling.State() != StateFailed {
		t.Fatalf("state=%s, want failed for an unestablished call", calling.State())
	}
}

func TestCallErrorFailsSession(t *testing.T) {
	f := newFixture(longTimers)
	var transitions []string
	deps := f.deps()
	deps.Notifier = NotifierFunc(func(_ string, from, to State, reason string) {
		transitions = append(transitions, string(from)+">"+string(to)+":"+reason)
	})
	sess, err := f.reg.Create("s1", "alice", "bob", RoleCaller, deps)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_ = sess.Initiate()

	errEnv := signaling.NewError("bob", "alice", "s1", signaling.ErrorRecipientUnreachable, "recipient unreachable")
	sess.HandleEnvelope(errEnv)

	if sess.State() != StateFailed {
		t.Fatalf("state=%s, want failed", sess.State())
	}
	want := []string{"idle>calling:", "calling>failed:recipient-unreachable"}
	if len(transitions) != 2 || transitions[0] != want[0] || transitions[1] != want[1] {
		t.Fatalf("transitions=%v, want %v", transitions, want)
	}
}

func TestMediaDisconnect(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()
	caller.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))

	// Drop during the handshake: the attempt failed.
	f.engine.disconnect()
	if caller.State() != StateFailed {
		t.Fatalf("state=%s, want failed", caller.State())
	}

	g := newFixture(longTimers)
	connected := g.caller(t)
	_ = connected.Initiate()
	connected.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))
	g.engine.connect()
	g.engine.disconnect()
	if connected.State() != StateFinished {
		t.Fatalf("state=%s, want finished for a drop after establishment", connected.State())
	}
}

func TestSupersedeIsSilent(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()
	before := f.out.len()

	caller.Supersede()

	if !caller.State().Terminal() {
		t.Fatalf("state=%s, want terminal", caller.State())
	}
	if f.out.len() != before {
		t.Fatalf("sent kinds=%v, want no envelopes from supersede", f.out.kinds())
	}
	if got := len(f.history.Records()); got != 0 {
		t.Fatalf("history records=%d, want 0 for a superseded session", got)
	}
}

func TestHistoryRecordCarriesReason(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()
	_ = caller.Cancel()

	recs := f.history.Records()
	if len(recs) != 1 || recs[0].Outcome != StateFinished || recs[0].Reason != "canceled" {
		t.Fatalf("history=%+v, want one finished record with reason canceled", recs)
	}

	// A clean hangup of a connected call finishes too, but with its own reason.
	g := newFixture(longTimers)
	connected := g.caller(t)
	_ = connected.Initiate()
	connected.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))
	g.engine.connect()
	_ = connected.Hangup()

	recs = g.history.Records()
	if len(recs) != 1 || recs[0].Outcome != StateFinished || recs[0].Reason != "hangup" {
		t.Fatalf("history=%+v, want one finished record with reason hangup", recs)
	}
}

func TestLocalCandidatesAreForwarded(t *testing.T) {
	f := newFixture(longTimers)
	caller := f.caller(t)
	_ = caller.Initiate()
	caller.HandleEnvelope(fromPeer(signaling.KindCallAccept, nil))

	f.engine.onCand(json.RawMessage(`{"candidate":"local"}`))
	if f.out.count(signaling.KindICECandidate) != 1 {
		t.Fatalf("sent kinds=%v, want one ice-candidate", f.out.kinds())
	}
}
