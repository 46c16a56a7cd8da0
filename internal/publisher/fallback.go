package publisher

import (
	"sync"

	"github.com/nats-io/nats.go"
)

// fallbackQueue is a bounded FIFO for messages that exhausted their publish
// retries. When full, the oldest entry is dropped to admit the newest.
type fallbackQueue struct {
	mu    sync.Mutex
	queue []*nats.Msg
	cap   int
}

func newFallbackQueue(capacity int) *fallbackQueue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &fallbackQueue{cap: capacity}
}

// push appends msg, reporting whether an older message was dropped.
func (q *fallbackQueue) push(msg *nats.Msg) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) >= q.cap {
		q.queue = q.queue[1:]
		dropped = true
	}
	q.queue = append(q.queue, msg)
	return dropped
}

// pushFront returns msg to the head after a failed drain attempt.
func (q *fallbackQueue) pushFront(msg *nats.Msg) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) >= q.cap {
		q.queue = q.queue[:q.cap-1]
	}
	q.queue = append([]*nats.Msg{msg}, q.queue...)
}

func (q *fallbackQueue) pop() (*nats.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, false
	}
	msg := q.queue[0]
	q.queue = q.queue[1:]
	return msg, true
}

func (q *fallbackQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
