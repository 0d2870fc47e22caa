// Package buffer holds the per-broker bounded queues that decouple broker
// callbacks from the sink, and the fair merger that drains them.
package buffer

import (
	"fmt"
	"sync"
)

// Policy selects which item a full queue discards.
type Policy int

const (
	// DropOldest overwrites the oldest queued item.
	DropOldest Policy = iota
	// DropNewest rejects the incoming item.
	DropNewest
)

// ParsePolicy maps the configuration names to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "drop-oldest":
		return DropOldest, nil
	case "drop-newest":
		return DropNewest, nil
	default:
		return 0, fmt.Errorf("unknown overflow policy %q", s)
	}
}

func (p Policy) String() string {
	if p == DropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

// Queue is a fixed-capacity FIFO ring. Push never blocks: when the ring is
// full the policy decides what is discarded and the drop counter advances.
//
// All methods are safe for concurrent use.
type Queue[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int // index of the oldest item
	size     int
	policy   Policy
	pushed   uint64
	dropped  uint64
	notify   chan struct{}
	capacity int
}

// NewQueue creates a queue holding at most capacity items. A capacity
// below one is raised to one.
func NewQueue[T any](capacity int, policy Policy) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{
		items:    make([]T, capacity),
		policy:   policy,
		capacity: capacity,
	}
}

// Push enqueues item and returns how many items were discarded to make
// room (0 or 1).
func (q *Queue[T]) Push(item T) int {
	q.mu.Lock()
	q.pushed++
	dropped := 0
	switch {
	case q.size < q.capacity:
		q.items[(q.head+q.size)%q.capacity] = item
		q.size++
	case q.policy == DropNewest:
		dropped = 1
	default:
		q.items[q.head] = item
		q.head = (q.head + 1) % q.capacity
		dropped = 1
	}
	q.dropped += uint64(dropped)
	notify := q.notify
	q.mu.Unlock()

	if dropped == 0 || q.policy == DropOldest {
		signal(notify)
	}
	return dropped
}

// Pop removes and returns the oldest item.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if q.size == 0 {
		return zero, false
	}
	item := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % q.capacity
	q.size--
	return item, true
}

// Discard empties the queue. The removed items count as dropped.
func (q *Queue[T]) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	var zero T
	for i := 0; i < n; i++ {
		q.items[(q.head+i)%q.capacity] = zero
	}
	q.head, q.size = 0, 0
	q.dropped += uint64(n)
	return n
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue[T]) Cap() int { return q.capacity }

// Dropped returns the number of items discarded over the queue's life.
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Pushed returns the number of Push calls over the queue's life.
func (q *Queue[T]) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

func (q *Queue[T]) attach(ch chan struct{}) {
	q.mu.Lock()
	q.notify = ch
	pending := q.size > 0
	q.mu.Unlock()
	if pending {
		signal(ch)
	}
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
