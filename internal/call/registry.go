package call

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry is one side's table of locally known call sessions.
//
// It enforces the pair-exclusivity invariant: at most one active
// (non-terminal) session may involve a given endpoint at a time, and a
// session id is never reused. Terminal sessions linger for a grace period so
// late UI reads (call-history display) still resolve, then are evicted.
type Registry struct {
	cfg   Config
	grace time.Duration
	log   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg Config, grace time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		grace:    grace,
		log:      log.With().Str("component", "call-registry").Logger(),
		sessions: make(map[string]*Session),
	}
}

// Create installs a new session in idle state. It fails with
// ErrDuplicateSession if the id is already known (ids are never reused) or if
// an active session already involves either participant.
func (r *Registry) Create(id, callerID, calleeID string, role Role, deps Deps) (*Session, error) {
	deps.Log = r.log

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, ErrDuplicateSession
	}
	for _, sess := range r.sessions {
		if sess.State().Terminal() {
			continue
		}
		if sess.involves(callerID) || sess.involves(calleeID) {
			return nil, ErrDuplicateSession
		}
	}

	sess := newSession(id, callerID, calleeID, role, r.cfg, deps, time.Now())
	r.sessions[id] = sess
	return sess, nil
}

func (s *Session) involves(endpoint string) bool {
	return s.callerID == endpoint || s.calleeID == endpoint
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// Active returns the non-terminal session involving endpoint, if any.
func (r *Registry) Active(endpoint string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if !sess.State().Terminal() && sess.involves(endpoint) {
			return sess, true
		}
	}
	return nil, false
}

// Remove drops a session immediately, bypassing the grace period. Used when a
// caller-side session is superseded by the mutual-call tie-break.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Sessions returns a snapshot of all known sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	return out
}

// EvictTerminal sweeps sessions that ended before now minus the grace period.
// Returns the number of evicted sessions.
func (r *Registry) EvictTerminal(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	for id, sess := range r.sessions {
		if !sess.State().Terminal() {
			continue
		}
		if ended := sess.EndedAt(); !ended.IsZero() && now.Sub(ended) >= r.grace {
			delete(r.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.log.Debug().Int("count", evicted).Msg("evicted terminal sessions")
	}
	return evicted
}

// Run sweeps terminal sessions at the given interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.EvictTerminal(now)
		}
	}
}
