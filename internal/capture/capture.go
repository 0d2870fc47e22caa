// Package capture defines the message and record types that flow from
// broker sessions to the sink, and the normalizer that turns one into the
// other.
package capture

import (
	"time"
	"unicode/utf8"
)

// RawMessage is a message as delivered by a broker link. It is owned by
// the receiving session until pushed into a buffer.
type RawMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	ReceivedAt time.Time
}

// Record is one captured message. Sequence is zero until the sink assigns
// one.
type Record struct {
	Sequence    uint64    `json:"sequence" cbor:"1,keyasint"`
	Timestamp   time.Time `json:"timestamp" cbor:"2,keyasint"`
	BrokerID    string    `json:"broker_id" cbor:"3,keyasint"`
	Topic       string    `json:"topic" cbor:"4,keyasint"`
	Payload     []byte    `json:"payload" cbor:"5,keyasint"`
	PayloadSize int       `json:"payload_size" cbor:"6,keyasint"`
	QoS         byte      `json:"qos" cbor:"7,keyasint"`
	Retain      bool      `json:"retain" cbor:"8,keyasint"`
}

// Payload encodings used by text formats.
const (
	EncodingUTF8   = "utf8"
	EncodingBase64 = "base64"
)

// PayloadEncoding reports how a text writer must encode the payload.
func (r *Record) PayloadEncoding() string {
	if utf8.Valid(r.Payload) {
		return EncodingUTF8
	}
	return EncodingBase64
}

// WithSequence returns a copy of r carrying seq.
func (r Record) WithSequence(seq uint64) Record {
	r.Sequence = seq
	return r
}

// Clock is the engine's time source.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = ClockFunc(func() time.Time { return time.Now().UTC() })

// Normalizer converts raw broker messages into capture records.
type Normalizer struct {
	clock Clock
}

// NewNormalizer returns a Normalizer reading fallback timestamps from
// clock. A nil clock uses SystemClock.
func NewNormalizer(clock Clock) *Normalizer {
	if clock == nil {
		clock = SystemClock
	}
	return &Normalizer{clock: clock}
}

// Normalize builds the record for msg received from brokerID. The payload
// is copied so the record never aliases transport buffers.
func (n *Normalizer) Normalize(brokerID string, msg RawMessage) Record {
	ts := msg.ReceivedAt
	if ts.IsZero() {
		ts = n.clock.Now()
	}

	var payload []byte
	if msg.Payload != nil {
		payload = make([]byte, len(msg.Payload))
		copy(payload, msg.Payload)
	}

	return Record{
		Timestamp:   ts,
		BrokerID:    brokerID,
		Topic:       msg.Topic,
		Payload:     payload,
		PayloadSize: len(msg.Payload),
		QoS:         msg.QoS,
		Retain:      msg.Retain,
	}
}
