package call

import (
	"context"
	"sync"
	"time"

	"github.com/pairlink/call-signaling/internal/metrics"
	"github.com/pairlink/call-signaling/internal/signaling"
)

// Tracker is the relay server's passive view of in-flight calls.
//
// The relay itself carries no business logic, but deregistering an endpoint
// must tell the surviving participant of any active session that its peer's
// transport is gone. The tracker derives just enough bookkeeping from routed
// envelopes to answer "which sessions named this endpoint": pairs are
// recorded on call-request and marked ended on terminal kinds. No timers, no
// media state.
type Tracker struct {
	grace   time.Duration
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*trackedSession
}

type trackedSession struct {
	callerID string
	calleeID string
	ended    bool
	endedAt  time.Time
}

// Loss names a session that lost a participant and the endpoint that
// survives it.
type Loss struct {
	SessionID string
	Lost      string
	Survivor  string
}

func NewTracker(grace time.Duration, m *metrics.Metrics) *Tracker {
	return &Tracker{
		grace:    grace,
		metrics:  m,
		sessions: make(map[string]*trackedSession),
	}
}

// Observe ingests one routed envelope. Intended as the relay's route
// observer hook.
func (t *Tracker) Observe(env signaling.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case env.Kind == signaling.KindCallRequest:
		if _, ok := t.sessions[env.SessionID]; ok {
			return
		}
		// Crossed mutual requests converge on one session: the endpoint with
		// the smaller id keeps the caller role, so only its session id stays
		// live. Track exactly that one, whichever request arrives first.
		for id, sess := range t.sessions {
			if sess.ended || sess.callerID != env.To || sess.calleeID != env.From {
				continue
			}
			if sess.callerID < env.From {
				return
			}
			delete(t.sessions, id)
			break
		}
		t.sessions[env.SessionID] = &trackedSession{
			callerID: env.From,
			calleeID: env.To,
		}
		t.metrics.Inc(metrics.SessionTracked)
	case env.Kind.Terminal():
		if sess, ok := t.sessions[env.SessionID]; ok && !sess.ended {
			sess.ended = true
			sess.endedAt = time.Now()
		}
	}
}

// ActiveSessions reports the number of tracked, not-yet-ended sessions.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, sess := range t.sessions {
		if !sess.ended {
			n++
		}
	}
	return n
}

// PeerLost marks every active session naming endpoint as ended and returns
// the survivors to notify.
func (t *Tracker) PeerLost(endpoint string) []Loss {
	t.mu.Lock()
	defer t.mu.Unlock()

	var losses []Loss
	now := time.Now()
	for id, sess := range t.sessions {
		if sess.ended {
			continue
		}
		var survivor string
		switch endpoint {
		case sess.callerID:
			survivor = sess.calleeID
		case sess.calleeID:
			survivor = sess.callerID
		default:
			continue
		}
		sess.ended = true
		sess.endedAt = now
		losses = append(losses, Loss{SessionID: id, Lost: endpoint, Survivor: survivor})
		t.metrics.Inc(metrics.PeerTransportLost)
	}
	return losses
}

// Sweep drops ended sessions past the grace period.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	swept := 0
	for id, sess := range t.sessions {
		if sess.ended && now.Sub(sess.endedAt) >= t.grace {
			delete(t.sessions, id)
			swept++
			t.metrics.Inc(metrics.SessionEvicted)
		}
	}
	return swept
}

// Run sweeps at the given interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}
