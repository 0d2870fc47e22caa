// Package brokertest provides an in-memory broker and transport for
// exercising sessions, the supervisor and the engine without a network.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mqtt-capture/config"
	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/topic"
)

// ErrDenied is returned for filters the fake broker refuses.
var ErrDenied = errors.New("not authorized")

// Broker is a fake server. Transports created from it connect to it and
// receive what is published on it.
type Broker struct {
	mu       sync.Mutex
	deny     map[string]bool
	denyAll  bool
	refuse   error
	hang     bool
	hangSub  bool
	clients  map[*Transport]struct{}
	connects int
}

func NewBroker() *Broker {
	return &Broker{
		deny:    make(map[string]bool),
		clients: make(map[*Transport]struct{}),
	}
}

// Deny makes the broker refuse the given filters on subscribe.
func (b *Broker) Deny(filters ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range filters {
		b.deny[f] = true
	}
}

// DenyAll makes the broker refuse every filter.
func (b *Broker) DenyAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.denyAll = true
}

// Refuse makes Connect fail with err. A nil err accepts connections again.
func (b *Broker) Refuse(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refuse = err
}

// Hang makes Connect block until its context ends.
func (b *Broker) Hang(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hang = hang
}

// HangSubscribe makes Subscribe block until its context ends.
func (b *Broker) HangSubscribe(hang bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hangSub = hang
}

// Factory returns a TransportFactory that connects to b.
func (b *Broker) Factory() broker.TransportFactory {
	return func(*config.BrokerConfig) (broker.Transport, error) {
		return b.NewTransport(), nil
	}
}

func (b *Broker) NewTransport() *Transport {
	return &Transport{broker: b, filters: topic.NewSet()}
}

// Publish delivers a message to every connected client with a matching
// accepted filter and returns the number of deliveries.
func (b *Broker) Publish(name string, payload []byte) int {
	return b.PublishRetained(name, payload, false)
}

func (b *Broker) PublishRetained(name string, payload []byte, retain bool) int {
	b.mu.Lock()
	clients := make([]*Transport, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		if c.deliver(name, payload, retain) {
			delivered++
		}
	}
	return delivered
}

// Disconnect drops every client connection with err, as a broker restart
// or network failure would.
func (b *Broker) Disconnect(err error) {
	b.mu.Lock()
	clients := make([]*Transport, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*Transport]struct{})
	b.mu.Unlock()

	for _, c := range clients {
		c.drop(err)
	}
}

// Connects returns the number of successful connections so far.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Clients returns the number of connected clients that completed a
// subscribe.
func (b *Broker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.clients {
		if c.isSubscribed() {
			n++
		}
	}
	return n
}

// WaitClients blocks until n subscribed clients are connected.
func (b *Broker) WaitClients(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if b.Clients() == n {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// Transport is a client connection to a fake Broker.
type Transport struct {
	broker *Broker

	mu           sync.Mutex
	handlers     broker.Handlers
	connected    bool
	subscribed   bool
	filters      *topic.Set
	unsubscribed []string
	disconnects  int
}

var _ broker.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context, h broker.Handlers) error {
	b := t.broker
	b.mu.Lock()
	hang, refuse := b.hang, b.refuse
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if refuse != nil {
		return refuse
	}

	t.mu.Lock()
	t.handlers = h
	t.connected = true
	t.mu.Unlock()

	b.mu.Lock()
	b.clients[t] = struct{}{}
	b.connects++
	b.mu.Unlock()
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, filters map[string]byte) (map[string]error, error) {
	b := t.broker
	b.mu.Lock()
	hang, denyAll := b.hangSub, b.denyAll
	deny := make(map[string]bool, len(b.deny))
	for f := range b.deny {
		deny[f] = true
	}
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, errors.New("not connected")
	}

	denied := make(map[string]error)
	for f, qos := range filters {
		if denyAll || deny[f] {
			denied[f] = fmt.Errorf("%w: %s", ErrDenied, f)
			continue
		}
		if err := t.filters.Add(f, qos); err != nil {
			denied[f] = err
		}
	}
	t.subscribed = true
	return denied, nil
}

func (t *Transport) Unsubscribe(_ context.Context, filters []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range filters {
		_ = t.filters.Remove(f)
	}
	t.unsubscribed = append(t.unsubscribed, filters...)
	return nil
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.connected = false
	t.disconnects++
	t.mu.Unlock()

	b := t.broker
	b.mu.Lock()
	delete(b.clients, t)
	b.mu.Unlock()
}

// Unsubscribed returns the filters passed to Unsubscribe.
func (t *Transport) Unsubscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.unsubscribed...)
}

// Disconnects returns how many times Disconnect was called.
func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *Transport) isSubscribed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.subscribed
}

func (t *Transport) deliver(name string, payload []byte, retain bool) bool {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return false
	}
	matches := t.filters.Match(name)
	onMessage := t.handlers.OnMessage
	t.mu.Unlock()

	if len(matches) == 0 || onMessage == nil {
		return false
	}
	var qos byte
	for _, m := range matches {
		if m.QoS > qos {
			qos = m.QoS
		}
	}
	onMessage(capture.RawMessage{
		Topic:   name,
		Payload: append([]byte(nil), payload...),
		QoS:     qos,
		Retain:  retain,
	})
	return true
}

func (t *Transport) drop(err error) {
	t.mu.Lock()
	wasConnected := t.connected
	t.connected = false
	lost := t.handlers.OnConnectionLost
	t.mu.Unlock()

	if wasConnected && lost != nil {
		lost(err)
	}
}
