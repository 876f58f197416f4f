package ffrtc

import (
	"context"
	"sync"
)

// messageQueue is an unbounded FIFO with a single consumer. Pushes never
// block, so nothing is lost while the consumer is busy.
type messageQueue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	closed bool
	err    error
}

func newMessageQueue[T any]() *messageQueue[T] {
	return &messageQueue[T]{notify: make(chan struct{}, 1)}
}

// push appends v. It reports false once the queue is closed.
func (q *messageQueue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

// close stops further pushes. Queued items are still delivered; pop then
// returns err, or ErrClosed if err is nil.
func (q *messageQueue[T]) close(err error) {
	if err == nil {
		err = ErrClosed
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.err = err
	}
	q.mu.Unlock()
	q.wake()
}

func (q *messageQueue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest item, waiting until one is available, the queue
// is closed and drained, or ctx ends.
func (q *messageQueue[T]) pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			var zero T
			return zero, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// len returns the number of queued items.
func (q *messageQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
