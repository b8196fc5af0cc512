package engine

import (
	"sync"
	"time"

	"github.com/roach88/habitsync/internal/document"
)

// PendingWrite is one queued write waiting for its batch window to close.
type PendingWrite struct {
	Ref        document.Ref
	Payload    document.Partial
	EnqueuedAt time.Time
	// Seq orders writes across windows.
	Seq int64
	// Token is the content-addressed write token, logged when the write is
	// dropped so losses and duplicates can be traced.
	Token string
}

// writeQueue is a thread-safe FIFO of pending writes.
//
// Enqueue and Drain are mutually exclusive, so a drain takes exactly the
// writes that were enqueued before it and nothing else.
type writeQueue struct {
	mu     sync.Mutex
	writes []PendingWrite
	closed bool
}

func newWriteQueue() *writeQueue {
	return &writeQueue{writes: make([]PendingWrite, 0, 16)}
}

// Enqueue appends w. Returns false if the queue is closed.
func (q *writeQueue) Enqueue(w PendingWrite) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.writes = append(q.writes, w)
	return true
}

// Drain removes and returns every queued write in enqueue order.
func (q *writeQueue) Drain() []PendingWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.writes) == 0 {
		return nil
	}
	out := q.writes
	// Fresh backing array; the drained slice is handed to the committer.
	q.writes = make([]PendingWrite, 0, cap(out))
	return out
}

// Len returns the number of queued writes.
func (q *writeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.writes)
}

// Close refuses further enqueues. Already queued writes stay drainable.
func (q *writeQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
