// Package queue provides the ordered asynchronous delivery primitive
// shared by the store adapters: listeners must receive items in push
// order, off the pusher's goroutine, without the pusher ever blocking.
package queue

import "sync"

// Queue delivers pushed items to a callback on a dedicated goroutine,
// preserving push order. Close is safe to call more than once; items not
// yet delivered when Close is called are dropped.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	fn     func(T)
}

// New starts a Queue feeding fn.
func New[T any](fn func(T)) *Queue[T] {
	q := &Queue[T]{fn: fn}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push enqueues item for delivery. Pushing to a closed Queue is a no-op.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, item)
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// Close stops delivery.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
}

func (q *Queue[T]) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		q.fn(item)
	}
}
