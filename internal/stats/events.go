package stats

import (
	"sync"
	"time"
)

// DefaultEventLogSize is the number of events kept when no size is given.
const DefaultEventLogSize = 256

// EventKind classifies a session event.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDegraded     EventKind = "degraded"
	EventDisconnected EventKind = "disconnected"
	EventReconnected  EventKind = "reconnected"
	EventSinkFailed   EventKind = "sink-failed"
)

// Event is one entry of the recent events log.
type Event struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	BrokerID string    `json:"brokerId,omitempty"`
	Kind     EventKind `json:"kind"`
	Detail   string    `json:"detail,omitempty"`
}

// EventLog is a fixed-size ring of events. New events overwrite the
// oldest when full. All methods are safe for concurrent use.
type EventLog struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	next     int
	total    uint64
}

// NewEventLog creates an event log holding up to capacity events.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventLogSize
	}
	return &EventLog{
		events:   make([]Event, capacity),
		capacity: capacity,
	}
}

// Add records an event and returns it with its log sequence number set.
// A zero Time is replaced with the current time.
func (l *EventLog) Add(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.total++
	e.Seq = l.total
	l.events[l.next] = e
	l.next = (l.next + 1) % l.capacity
	return e
}

// Recent returns up to n of the newest events, oldest first. n <= 0
// returns everything retained.
func (l *EventLog) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := l.capacity
	if l.total < uint64(l.capacity) {
		stored = int(l.total)
	}
	if n <= 0 || n > stored {
		n = stored
	}

	out := make([]Event, n)
	start := (l.next - n + l.capacity) % l.capacity
	for i := 0; i < n; i++ {
		out[i] = l.events[(start+i)%l.capacity]
	}
	return out
}

// Filter returns the retained events for one broker, oldest first.
func (l *EventLog) Filter(brokerID string) []Event {
	var out []Event
	for _, e := range l.Recent(0) {
		if e.BrokerID == brokerID {
			out = append(out, e)
		}
	}
	return out
}

// Total returns the number of events ever added.
func (l *EventLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
