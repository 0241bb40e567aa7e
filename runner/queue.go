package runner

import (
	"context"
	"sync"
)

const queueSegmentSize = 256

type queueSegment[T any] struct {
	data       [queueSegmentSize]T
	head, tail int
	next       *queueSegment[T]
}

// Queue is an unbounded FIFO channel. Send never blocks; Recv blocks until a
// value arrives, the queue is closed and drained, or the context ends.
//
// Values are stored in fixed-size segments linked in order, so a burst of
// sends does not copy earlier values.
type Queue[T any] struct {
	mu     sync.Mutex
	head   *queueSegment[T]
	tail   *queueSegment[T]
	length int
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	first := &queueSegment[T]{}
	return &Queue[T]{
		head:   first,
		tail:   first,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Send appends v. It fails with ErrChannelClosed after Close.
func (q *Queue[T]) Send(v T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrChannelClosed
	}
	if q.tail.tail == queueSegmentSize {
		seg := &queueSegment[T]{}
		q.tail.next = seg
		q.tail = seg
	}
	q.tail.data[q.tail.tail] = v
	q.tail.tail++
	q.length++
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue[T]) pop() (v T, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head.head == q.head.tail {
		if q.head.next == nil {
			return v, false, q.closed
		}
		q.head = q.head.next
	}
	var zero T
	v = q.head.data[q.head.head]
	q.head.data[q.head.head] = zero
	q.head.head++
	q.length--
	return v, true, false
}

// TryRecv returns the next value without blocking.
func (q *Queue[T]) TryRecv() (T, bool, error) {
	v, ok, closed := q.pop()
	if closed {
		return v, false, ErrChannelClosed
	}
	return v, ok, nil
}

// Recv returns the next value. Values sent before Close are still delivered;
// afterwards Recv fails with ErrChannelClosed.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	for {
		v, ok, closed := q.pop()
		if ok {
			return v, nil
		}
		if closed {
			return v, ErrChannelClosed
		}
		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return v, ctx.Err()
		}
	}
}

// Len returns the number of queued values.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Close stops accepting values. Closing twice is a no-op.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}
