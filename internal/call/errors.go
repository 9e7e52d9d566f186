package call

import "errors"

var (
	// ErrDuplicateSession is returned when a new call attempt names a session
	// id that already exists, or a participant who already has an active
	// (non-terminal) session.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrSessionNotFound is returned by registry lookups for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned by local commands that are not legal in
	// the session's current state (e.g. Accept on a caller-side session).
	// Replayed peer envelopes are not errors; they are ignored per the
	// idempotence rule.
	ErrInvalidTransition = errors.New("invalid transition")
)
