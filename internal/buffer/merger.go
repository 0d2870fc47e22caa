package buffer

import (
	"context"
	"sync"
)

// Item is a value taken from a merged queue, tagged with the id the
// queue was registered under.
type Item[T any] struct {
	Source string
	Value  T
}

// Merger drains a set of queues with a round-robin cursor so a busy queue
// cannot starve the others. Any number of workers may call Next
// concurrently.
type Merger[T any] struct {
	mu     sync.Mutex
	ids    []string
	queues []*Queue[T]
	cursor int
	ready  chan struct{}
}

func NewMerger[T any]() *Merger[T] {
	return &Merger[T]{ready: make(chan struct{}, 1)}
}

// Add registers q under id. Queues are visited in registration order.
func (m *Merger[T]) Add(id string, q *Queue[T]) {
	m.mu.Lock()
	m.ids = append(m.ids, id)
	m.queues = append(m.queues, q)
	m.mu.Unlock()
	q.attach(m.ready)
}

// TryNext returns the next item without waiting.
func (m *Merger[T]) TryNext() (Item[T], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queues)
	for i := 0; i < n; i++ {
		idx := (m.cursor + i) % n
		if v, ok := m.queues[idx].Pop(); ok {
			m.cursor = (idx + 1) % n
			return Item[T]{Source: m.ids[idx], Value: v}, true
		}
	}
	var zero Item[T]
	return zero, false
}

// Next blocks until an item is available or ctx is done.
func (m *Merger[T]) Next(ctx context.Context) (Item[T], error) {
	for {
		if item, ok := m.TryNext(); ok {
			// pass the wakeup on if more work is queued
			if m.Len() > 0 {
				signal(m.ready)
			}
			return item, nil
		}
		select {
		case <-ctx.Done():
			var zero Item[T]
			return zero, ctx.Err()
		case <-m.ready:
		}
	}
}

// Len returns the total number of queued items.
func (m *Merger[T]) Len() int {
	m.mu.Lock()
	queues := m.queues
	m.mu.Unlock()

	total := 0
	for _, q := range queues {
		total += q.Len()
	}
	return total
}

// Discard empties every queue and returns the discarded count per id.
func (m *Merger[T]) Discard() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.queues))
	for i, q := range m.queues {
		if n := q.Discard(); n > 0 {
			out[m.ids[i]] = n
		}
	}
	return out
}
