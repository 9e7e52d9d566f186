// Package call implements the per-call state machine and the local registry
// of active sessions.
package call

// State is the lifecycle state of one call attempt.
type State string

const (
	StateIdle       State = "idle"
	StateCalling    State = "calling"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"

	// Terminal states. No further transitions are possible once entered.
	StateFinished State = "finished"
	StateRejected State = "rejected"
	StateTimeout  State = "timeout"
	StateFailed   State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateFinished, StateRejected, StateTimeout, StateFailed:
		return true
	}
	return false
}

// Role distinguishes which side of the call this session object drives.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)
