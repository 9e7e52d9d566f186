package relay

import (
	"sync"
	"sync/atomic"

	"github.com/pairlink/call-signaling/internal/signaling"
)

// Queue is a depth-bounded FIFO of outbound envelopes.
//
// It buffers envelopes headed for one endpoint's transport so routing never
// blocks on a slow consumer: Enqueue is non-blocking and reports whether the
// envelope was accepted, the write pump drains with Dequeue.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxDepth  int
	envelopes []signaling.Envelope

	drops atomic.Uint64
}

func NewQueue(maxDepth int) *Queue {
	q := &Queue{maxDepth: maxDepth}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends env if the queue is open and below its depth bound.
// It never blocks.
func (q *Queue) Enqueue(env signaling.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.envelopes) >= q.maxDepth {
		q.drops.Add(1)
		return false
	}

	q.envelopes = append(q.envelopes, env)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until an envelope is available or the queue is closed and
// empty.
func (q *Queue) Dequeue() (signaling.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.envelopes) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.envelopes) == 0 {
		return signaling.Envelope{}, false
	}
	env := q.envelopes[0]
	copy(q.envelopes, q.envelopes[1:])
	q.envelopes[len(q.envelopes)-1] = signaling.Envelope{}
	q.envelopes = q.envelopes[:len(q.envelopes)-1]
	return env, true
}

func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.envelopes = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
