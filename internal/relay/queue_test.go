package relay

import (
	"testing"
	"time"

	"github.com/pairlink/call-signaling/internal/signaling"
)

func env(id string) signaling.Envelope {
	return signaling.Envelope{Kind: signaling.KindHangup, From: "a", To: "b", SessionID: id}
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue(4)
	for _, id := range []string{"1", "2", "3"} {
		if !q.Enqueue(env(id)) {
			t.Fatalf("Enqueue(%s)=false", id)
		}
	}
	for _, want := range []string{"1", "2", "3"} {
		got, ok := q.Dequeue()
		if !ok || got.SessionID != want {
			t.Fatalf("Dequeue=(%q, %v), want (%q, true)", got.SessionID, ok, want)
		}
	}
}

func TestQueue_DepthBound(t *testing.T) {
	q := NewQueue(2)
	if !q.Enqueue(env("1")) || !q.Enqueue(env("2")) {
		t.Fatalf("expected enqueues below the bound to succeed")
	}
	if q.Enqueue(env("3")) {
		t.Fatalf("expected enqueue above the bound to fail")
	}
	if q.DropCount() != 1 {
		t.Fatalf("DropCount=%d, want 1", q.DropCount())
	}
}

func TestQueue_CloseUnblocksDequeue(t *testing.T) {
	q := NewQueue(1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok := q.Dequeue(); ok {
			t.Errorf("Dequeue on closed queue returned ok")
		}
	}()

	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Dequeue still blocked after Close")
	}

	if q.Enqueue(env("1")) {
		t.Fatalf("Enqueue on closed queue succeeded")
	}
}
