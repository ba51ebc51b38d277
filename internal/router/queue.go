package router

import (
	"slices"
	"sync"

	"github.com/roach88/eldertree/internal/model"
)

// messageQueue is a thread-safe FIFO queue for messages.
//
// The queue uses a channel for signaling so the Run loop can wait on it
// together with context cancellation.
type messageQueue struct {
	mu     sync.Mutex
	msgs   []model.Message
	closed bool
	signal chan struct{} // buffered, size 1
}

func newMessageQueue() *messageQueue {
	return &messageQueue{
		msgs:   make([]model.Message, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the queue.
// Returns false if the queue is closed.
func (q *messageQueue) Enqueue(m model.Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.msgs = append(q.msgs, m)

	// Non-blocking: the buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TakeAll removes and returns every queued message in FIFO order.
func (q *messageQueue) TakeAll() []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return nil
	}
	out := q.msgs
	q.msgs = make([]model.Message, 0, cap(out))
	return out
}

// RequeueFront puts msgs back ahead of everything currently queued,
// preserving their relative order. It does not signal: retries wait for
// the next drain. Requeue after Close is a no-op.
func (q *messageQueue) RequeueFront(msgs []model.Message) {
	if len(msgs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.msgs = append(slices.Clone(msgs), q.msgs...)
}

// Remove deletes the queued message with id and reports whether it was
// found.
func (q *messageQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := slices.IndexFunc(q.msgs, func(m model.Message) bool { return m.ID == id })
	if i < 0 {
		return false
	}
	q.msgs = slices.Delete(q.msgs, i, i+1)
	return true
}

// Snapshot returns a copy of the queued messages.
func (q *messageQueue) Snapshot() []model.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.msgs)
}

// Wait returns a channel that signals when messages may be available.
// The channel is closed when the queue is closed.
func (q *messageQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *messageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

// Close rejects further enqueues and wakes any waiters.
func (q *messageQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
