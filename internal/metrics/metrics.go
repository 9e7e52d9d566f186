package metrics

import "sync"

// Counter names incremented by the relay and the session tracker.
const (
	EnvelopeRouted           = "envelope_routed"
	RecipientUnreachable     = "recipient_unreachable"
	BackpressureDropped      = "backpressure_dropped"
	ProtocolViolation        = "protocol_violation"
	EndpointRegistered       = "endpoint_registered"
	EndpointDeregistered     = "endpoint_deregistered"
	RegistrationSuperseded   = "registration_superseded"
	PeerTransportLost        = "peer_transport_lost"
	SessionTracked           = "session_tracked"
	SessionEvicted           = "session_evicted"
	SignalingRateLimited     = "signaling_rate_limited"
	SignalingMessageRejected = "signaling_message_rejected"
	AuthFailure              = "auth_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// A production deployment is expected to scrape these through the Prometheus
// handler; the registry itself stays dependency-free so routing and session
// logic remain testable in isolation.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a nil-safe single increment.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
