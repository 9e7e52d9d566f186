// Package signaling models the wire protocol routed by the relay.
//
// An envelope is a single self-contained message between two endpoints. The
// relay forwards payloads verbatim; only the call state machine and the media
// engine interpret them.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

type Kind string

const (
	KindCallRequest  Kind = "call-request"
	KindCallAccept   Kind = "call-accept"
	KindCallReject   Kind = "call-reject"
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice-candidate"
	KindHangup       Kind = "hangup"
	KindCallTimeout  Kind = "call-timeout"
	KindCallError    Kind = "call-error"
)

// Known reports whether k is part of the current protocol. Unknown kinds are
// still routable (forward-compatible); they are simply opaque to this version.
func (k Kind) Known() bool {
	switch k {
	case KindCallRequest, KindCallAccept, KindCallReject, KindOffer, KindAnswer,
		KindICECandidate, KindHangup, KindCallTimeout, KindCallError:
		return true
	}
	return false
}

// Terminal reports whether receiving k ends the session it names.
func (k Kind) Terminal() bool {
	switch k {
	case KindCallReject, KindHangup, KindCallTimeout, KindCallError:
		return true
	}
	return false
}

// Envelope is the unit of communication routed by the relay.
//
// Payload is opaque to the relay and meaningful only to the call state machine
// and the media engine (SDP, ICE candidates, error details).
type Envelope struct {
	Kind      Kind            `json:"kind"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

var (
	ErrMissingKind      = errors.New("signaling: missing kind")
	ErrMissingEndpoint  = errors.New("signaling: missing from/to endpoint")
	ErrMissingSessionID = errors.New("signaling: missing session id")
)

// Validate checks the routing fields of an envelope. Payload contents are not
// inspected here; an unknown Kind is accepted so newer clients can exchange
// kinds this relay version does not understand.
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return ErrMissingKind
	}
	if e.From == "" || e.To == "" {
		return ErrMissingEndpoint
	}
	if e.SessionID == "" && e.Kind.Known() {
		return fmt.Errorf("%w (kind %q)", ErrMissingSessionID, e.Kind)
	}
	return nil
}

// Parse decodes a single JSON envelope and validates its routing fields.
// Trailing data after the envelope is rejected.
func Parse(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Envelope{}, errors.New("signaling: unexpected trailing data")
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
