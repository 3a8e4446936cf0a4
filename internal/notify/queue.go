// Package notify delivers gateway events to subscribers in publish order on a
// dedicated goroutine, so publishers never call subscribers directly.
package notify

import "sync"

// Queue is an unbounded, ordered event fan-out. Publish never blocks.
type Queue[T any] struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]func(T)
	pending []T
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// NewQueue starts the delivery goroutine. Close stops it.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		subs: make(map[int]func(T)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Subscribe registers fn and returns the func that removes it. Removal is
// safe from any goroutine, including from inside fn; a delivery already in
// flight may still reach fn once.
func (q *Queue[T]) Subscribe(fn func(T)) (cancel func()) {
	q.mu.Lock()
	id := q.nextID
	q.nextID++
	q.subs[id] = fn
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			delete(q.subs, id)
			q.mu.Unlock()
		})
	}
}

// Publish queues v for delivery. Events published after Close are dropped.
func (q *Queue[T]) Publish(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, v)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Subscribers returns the number of registered subscribers.
func (q *Queue[T]) Subscribers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.subs)
}

// Close delivers what is already queued and stops the goroutine.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue[T]) run() {
	for {
		select {
		case <-q.wake:
			q.drain()
		case <-q.done:
			q.drain()
			return
		}
	}
}

func (q *Queue[T]) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		v := q.pending[0]
		q.pending[0] = *new(T)
		q.pending = q.pending[1:]
		subs := make([]func(T), 0, len(q.subs))
		for _, fn := range q.subs {
			subs = append(subs, fn)
		}
		q.mu.Unlock()

		for _, fn := range subs {
			fn(v)
		}
	}
}
