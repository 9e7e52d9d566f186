package relay

import "errors"

var (
	// ErrRecipientUnreachable is returned by Route when the recipient has no
	// registered transport or its outbound buffer rejected the envelope. The
	// sender is additionally notified with a synthesized call-error envelope.
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	// ErrProtocolViolation is returned for envelopes whose routing fields fail
	// validation.
	ErrProtocolViolation = errors.New("protocol violation")
)
