// Package broker manages live sessions with upstream brokers. A Session
// owns one connection attempt: it connects, subscribes its filter set in a
// single request and pushes every received message into its buffer. It
// never reconnects by itself; the supervisor creates a new Session after
// a disconnect.
package broker

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"mqtt-capture/config"
	"mqtt-capture/internal/capture"
)

// SessionState represents the current state of a broker session
type SessionState string

const (
	// StateDisconnected indicates the session has no live connection
	StateDisconnected SessionState = "disconnected"
	// StateConnecting indicates the handshake or subscribe is in progress
	StateConnecting SessionState = "connecting"
	// StateSubscribed indicates every filter was accepted
	StateSubscribed SessionState = "subscribed"
	// StateDegraded indicates the session is connected but some filters were denied
	StateDegraded SessionState = "degraded"
)

// States lists every session state.
var States = []SessionState{StateDisconnected, StateConnecting, StateSubscribed, StateDegraded}

// StateNames returns States as strings, for metric labels.
func StateNames() []string {
	names := make([]string, len(States))
	for i, s := range States {
		names[i] = string(s)
	}
	return names
}

// Operational reports whether the session is connected and capturing.
func (s SessionState) Operational() bool {
	return s == StateSubscribed || s == StateDegraded
}

var (
	// ErrConnection marks transient connection failures. They are retried.
	ErrConnection = errors.New("broker connection failed")
	// ErrSubscriptionDenied marks filters rejected by the broker.
	ErrSubscriptionDenied = errors.New("subscription denied")
)

// Status is a point-in-time view of a session.
type Status struct {
	State  SessionState `json:"state"`
	Reason string       `json:"reason,omitempty"`
	Denied []string     `json:"denied,omitempty"`
	Since  time.Time    `json:"since"`
}

// Handlers are the callbacks a Transport invokes. They must not block.
type Handlers struct {
	OnMessage        func(capture.RawMessage)
	OnConnectionLost func(error)
}

// Transport is one protocol client connection. A Transport is used for a
// single session and discarded afterwards.
type Transport interface {
	// Connect completes the protocol handshake or returns an error.
	Connect(ctx context.Context, h Handlers) error
	// Subscribe requests every filter in one call. Filters refused by the
	// broker are returned in denied; err is reserved for failures of the
	// request itself.
	Subscribe(ctx context.Context, filters map[string]byte) (denied map[string]error, err error)
	Unsubscribe(ctx context.Context, filters []string) error
	// Disconnect closes the connection, letting in-flight work finish
	// within the transport's quiesce period.
	Disconnect()
}

// TransportFactory builds a fresh Transport for a broker.
type TransportFactory func(cfg *config.BrokerConfig) (Transport, error)

// Pusher accepts received messages without blocking and reports how many
// buffered messages were discarded to make room.
type Pusher interface {
	Push(msg capture.RawMessage) int
}

// ClientID returns a fresh client id: the configured prefix plus a random
// suffix, short enough for MQTT 3.1 brokers.
func ClientID(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
