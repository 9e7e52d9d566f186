package call

import (
	"testing"
	"time"

	"github.com/pairlink/call-signaling/internal/metrics"
	"github.com/pairlink/call-signaling/internal/signaling"
)

func trackerEnv(kind signaling.Kind, from, to, sessionID string) signaling.Envelope {
	return signaling.Envelope{Kind: kind, From: from, To: to, SessionID: sessionID}
}

func TestTracker_PeerLostNamesSurvivor(t *testing.T) {
	tr := NewTracker(time.Minute, metrics.New())
	tr.Observe(trackerEnv(signaling.KindCallRequest, "alice", "bob", "s1"))

	losses := tr.PeerLost("bob")
	if len(losses) != 1 {
		t.Fatalf("PeerLost=%v, want one loss", losses)
	}
	if losses[0].SessionID != "s1" || losses[0].Lost != "bob" || losses[0].Survivor != "alice" {
		t.Fatalf("loss=%+v, want s1 bob->alice", losses[0])
	}

	// Already ended; a second transport loss reports nothing.
	if again := tr.PeerLost("alice"); len(again) != 0 {
		t.Fatalf("PeerLost(alice)=%v, want none", again)
	}
}

func TestTracker_TerminalKindsEndTracking(t *testing.T) {
	tr := NewTracker(time.Minute, metrics.New())
	tr.Observe(trackerEnv(signaling.KindCallRequest, "alice", "bob", "s1"))
	tr.Observe(trackerEnv(signaling.KindHangup, "alice", "bob", "s1"))

	if n := tr.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions=%d, want 0", n)
	}
	if losses := tr.PeerLost("bob"); len(losses) != 0 {
		t.Fatalf("PeerLost=%v, want none for an ended session", losses)
	}
}

func TestTracker_UninvolvedEndpoint(t *testing.T) {
	tr := NewTracker(time.Minute, metrics.New())
	tr.Observe(trackerEnv(signaling.KindCallRequest, "alice", "bob", "s1"))

	if losses := tr.PeerLost("carol"); len(losses) != 0 {
		t.Fatalf("PeerLost(carol)=%v, want none", losses)
	}
	if n := tr.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions=%d, want 1", n)
	}
}

func TestTracker_SweepDropsEndedPastGrace(t *testing.T) {
	tr := NewTracker(30*time.Second, metrics.New())
	tr.Observe(trackerEnv(signaling.KindCallRequest, "alice", "bob", "s1"))
	tr.Observe(trackerEnv(signaling.KindCallReject, "bob", "alice", "s1"))

	if n := tr.Sweep(time.Now()); n != 0 {
		t.Fatalf("Sweep inside grace=%d, want 0", n)
	}
	if n := tr.Sweep(time.Now().Add(time.Minute)); n != 1 {
		t.Fatalf("Sweep past grace=%d, want 1", n)
	}
}

func TestTracker_CrossedRequestsFoldIntoOneSession(t *testing.T) {
	// Loser's request first: alice wins the tie-break, so her session id
	// replaces bob's once her request is routed.
	tr := NewTracker(time.Minute, metrics.New())
	tr.Observe(trackerEnv(signaling.KindCallRequest, "bob", "alice", "s-bob"))
	tr.Observe(trackerEnv(signaling.KindCallRequest, "alice", "bob", "s-alice"))

	if n := tr.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions=%d, want 1 after crossed requests", n)
	}
	losses := tr.PeerLost("bob")
	if len(losses) != 1 || losses[0].SessionID != "s-alice" || losses[0].Survivor != "alice" {
		t.Fatalf("PeerLost=%v, want one loss on s-alice surviving alice", losses)
	}

	// Winner's request first: the loser's request must not displace it.
	tr = NewTracker(time.Minute, metrics.New())
	tr.Observe(trackerEnv(signaling.KindCallRequest, "alice", "bob", "s-alice"))
	tr.Observe(trackerEnv(signaling.KindCallRequest, "bob", "alice", "s-bob"))

	if n := tr.ActiveSessions(); n != 1 {
		t.Fatalf("ActiveSessions=%d, want 1 after crossed requests", n)
	}
	losses = tr.PeerLost("alice")
	if len(losses) != 1 || losses[0].SessionID != "s-alice" || losses[0].Survivor != "bob" {
		t.Fatalf("PeerLost=%v, want one loss on s-alice surviving bob", losses)
	}
}

func TestTracker_NonRequestKindsDoNotCreateSessions(t *testing.T) {
	tr := NewTracker(time.Minute, metrics.New())
	tr.Observe(trackerEnv(signaling.KindOffer, "alice", "bob", "s1"))
	tr.Observe(trackerEnv(signaling.KindICECandidate, "alice", "bob", "s1"))

	if n := tr.ActiveSessions(); n != 0 {
		t.Fatalf("ActiveSessions=%d, want 0", n)
	}
}
