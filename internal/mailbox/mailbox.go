// Package mailbox provides a bounded frame queue with drop-oldest overflow,
// used for per-connection outbound WebSocket queues. Multiple producers may
// Push; a single consumer drains with Pop, woken through Wait.
package mailbox

import (
	"sync"
	"sync/atomic"
)

// Queue is a fixed-capacity ring of frames. When full, Push evicts the oldest
// undelivered frame so a stalled consumer sees the newest data, never blocks
// the producer, and every eviction is counted.
type Queue struct {
	mu     sync.Mutex
	buf    [][]byte
	head   int // index of oldest frame
	length int
	closed bool

	pushed  atomic.Uint64
	dropped atomic.Uint64

	notify chan struct{}
}

// New creates a Queue holding at most capacity frames. Minimum capacity is 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:    make([][]byte, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends a frame, evicting the oldest when full. Reports whether an
// eviction happened. Pushing to a closed queue is a no-op.
func (q *Queue) Push(frame []byte) (evicted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.length == len(q.buf) {
		// Full: overwrite the oldest slot.
		q.head = (q.head + 1) % len(q.buf)
		q.length--
		q.dropped.Add(1)
		evicted = true
	}
	q.buf[(q.head+q.length)%len(q.buf)] = frame
	q.length++
	q.pushed.Add(1)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes and returns the oldest frame. Non-blocking; ok is false when
// the queue is empty.
func (q *Queue) Pop() (frame []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.length == 0 {
		return nil, false
	}
	frame = q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.length--
	return frame, true
}

// Wait returns a channel that receives after a Push or Close.
func (q *Queue) Wait() <-chan struct{} { return q.notify }

// Close marks the queue closed and wakes the consumer. Frames already queued
// remain poppable.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Pushed returns the number of frames accepted.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }

// Dropped returns the number of frames evicted by overflow.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
