package source

import "sync"

// messageQueue is an unbounded FIFO between a callback that must not block
// and a single consumer. Pushes never drop or reorder messages.
type messageQueue struct {
	mu      sync.Mutex
	pending [][]byte
	signal  chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{signal: make(chan struct{}, 1)}
}

func (q *messageQueue) push(msg []byte) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// ready is signalled after a push; drain after receiving from it.
func (q *messageQueue) ready() <-chan struct{} {
	return q.signal
}

// drain takes every queued message in push order.
func (q *messageQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.pending
	q.pending = nil

	return out
}
