package call

import (
	"sync"
	"time"
)

// HistoryRecord is the finalized outcome of one call attempt, emitted once
// when a session reaches a terminal state. Persistence is the call-history
// collaborator's concern; this package only produces the record. Reason
// qualifies the outcome: a withdrawn call and a cleanly hung-up call both
// finish, but carry "canceled" and "hangup" respectively.
type HistoryRecord struct {
	SessionID string
	CallerID  string
	CalleeID  string
	Outcome   State
	Reason    string
	StartedAt time.Time
	EndedAt   time.Time
}

type HistorySink interface {
	RecordCall(rec HistoryRecord)
}

// HistorySinkFunc adapts a function to the HistorySink interface.
type HistorySinkFunc func(rec HistoryRecord)

func (f HistorySinkFunc) RecordCall(rec HistoryRecord) { f(rec) }

// MemoryHistory keeps finalized records in memory. Useful for tests and as a
// default sink when no persistence collaborator is wired.
type MemoryHistory struct {
	mu   sync.Mutex
	recs []HistoryRecord
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) RecordCall(rec HistoryRecord) {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
}

func (h *MemoryHistory) Records() []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryRecord, len(h.recs))
	copy(out, h.recs)
	return out
}
