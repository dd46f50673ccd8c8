package xsync

import "sync"

// Queue is an unbounded FIFO queue with a blocking Pop, safe for any number
// of concurrent producers and consumers.
//
// It is the control channel of the synchronization tree: replicas block on
// Pop waiting for their parent's signal, and Push never blocks the producer.
// Values pushed before Close are delivered in FIFO order; once the queue is
// closed and drained Pop returns immediately with ok == false, which is how
// blocked replicas are released during shutdown.
type Queue[T any] struct {
	cond   sync.Cond
	items  []T
	closed bool
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{
		cond: sync.Cond{L: &sync.Mutex{}},
	}
}

// Push appends value to the back of the queue and wakes one blocked Pop.
// It never blocks. Pushing to a closed queue discards the value: late
// signals during shutdown have no one left to consume them.
func (q *Queue[T]) Push(value T) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, value)
	q.cond.Signal()
}

// Pop removes and returns the value at the front of the queue, blocking
// while the queue is open and empty. It returns ok == false only after the
// queue has been closed and fully drained.
func (q *Queue[T]) Pop() (value T, ok bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	for len(q.items) == 0 {
		if q.closed {
			return value, false
		}
		q.cond.Wait()
	}
	value = q.items[0]
	q.items = q.items[1:]
	return value, true
}

// TryPop is the non-blocking version of Pop: ok == false means the queue is
// currently empty or closed and drained.
func (q *Queue[T]) TryPop() (value T, ok bool) {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if len(q.items) == 0 {
		return value, false
	}
	value = q.items[0]
	q.items = q.items[1:]
	return value, true
}

// Close marks the queue closed and wakes every blocked Pop. It is idempotent.
// Values already queued can still be drained by Pop.
func (q *Queue[T]) Close() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Len returns the number of values currently queued.
func (q *Queue[T]) Len() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return len(q.items)
}
