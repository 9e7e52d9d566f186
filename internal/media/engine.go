// Package media defines the capability interface the call state machine uses
// to drive a peer-to-peer media engine.
//
// SDP descriptions and ICE candidates travel as opaque JSON; the state machine
// shuttles them between the engine and the signaling relay without
// interpreting them. Any standards-compliant peer media engine satisfies
// Engine; the production adapter lives in the pion subpackage and an
// in-process implementation for tests and local development in loopback.
package media

import (
	"context"
	"encoding/json"
)

// Engine is one endpoint's handle on the media stack for a single call.
//
// Callback registration must happen before the first Create/Set call.
// Callbacks may fire on engine-owned goroutines; implementations must not
// hold internal locks while invoking them.
type Engine interface {
	// CreateOffer produces the local session description for the caller side.
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	// CreateAnswer applies the remote offer and produces the local answer.
	CreateAnswer(ctx context.Context, remoteOffer json.RawMessage) (json.RawMessage, error)
	// SetRemoteDescription applies the peer's answer on the caller side.
	SetRemoteDescription(sdp json.RawMessage) error
	// AddICECandidate applies one remote ICE candidate.
	AddICECandidate(candidate json.RawMessage) error
	// Close tears the engine down. Idempotent; no callbacks fire afterwards.
	Close() error

	// OnLocalICECandidate registers the sink for locally gathered candidates.
	OnLocalICECandidate(fn func(candidate json.RawMessage))
	// OnConnected registers the sink for the media path becoming established.
	OnConnected(fn func())
	// OnDisconnected registers the sink for the media path being lost.
	OnDisconnected(fn func())
}

// Factory creates a fresh Engine for one call attempt.
type Factory func() (Engine, error)
