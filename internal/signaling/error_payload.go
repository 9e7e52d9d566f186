package signaling

import "encoding/json"

// Error codes carried in call-error payloads.
const (
	ErrorRecipientUnreachable = "recipient-unreachable"
	ErrorPeerTransportLost    = "peer-transport-lost"
	ErrorProtocolViolation    = "protocol-violation"
	ErrorBusy                 = "busy"
)

// ErrorInfo is the payload of a call-error envelope.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// NewError builds a call-error envelope addressed to `to`, attributed to
// `from`. Marshaling ErrorInfo cannot fail, so the payload is built inline.
func NewError(from, to, sessionID, code, message string) Envelope {
	payload, _ := json.Marshal(ErrorInfo{Code: code, Message: message})
	return Envelope{
		Kind:      KindCallError,
		From:      from,
		To:        to,
		SessionID: sessionID,
		Payload:   payload,
	}
}

// ErrorCode extracts the error code from a call-error payload. Returns "" for
// non-error envelopes or malformed payloads.
func ErrorCode(env Envelope) string {
	if env.Kind != KindCallError || len(env.Payload) == 0 {
		return ""
	}
	var info ErrorInfo
	if err := json.Unmarshal(env.Payload, &info); err != nil {
		return ""
	}
	return info.Code
}
