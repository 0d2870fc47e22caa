package mqtt

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockToken implements mqtt.Token. A token built with done closed is
// already complete.
type mockToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *mockToken {
	t := &mockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

// pendingToken never completes.
func pendingToken() *mockToken {
	return &mockToken{done: make(chan struct{})}
}

func (t *mockToken) Wait() bool { <-t.done; return true }
func (t *mockToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *mockToken) Error() error          { return t.err }
func (t *mockToken) Done() <-chan struct{} { return t.done }

// mockSubscribeToken carries SUBACK return codes like paho's
// SubscribeToken.
type mockSubscribeToken struct {
	*mockToken
	result map[string]byte
}

func (t *mockSubscribeToken) Result() map[string]byte { return t.result }

type mockMessage struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return m.qos }
func (m *mockMessage) Retained() bool    { return m.retained }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// mockClient implements mqtt.Client and records what the transport asks
// of it.
type mockClient struct {
	opts *mqtt.ClientOptions

	connectToken   mqtt.Token
	subscribeToken mqtt.Token

	mu           sync.Mutex
	subscribed   map[string]byte
	unsubscribed []string
	disconnected []uint
}

func newMockClient(opts *mqtt.ClientOptions) *mockClient {
	return &mockClient{
		opts:           opts,
		connectToken:   newToken(nil),
		subscribeToken: newToken(nil),
	}
}

func (m *mockClient) IsConnected() bool      { return true }
func (m *mockClient) IsConnectionOpen() bool { return true }
func (m *mockClient) Connect() mqtt.Token    { return m.connectToken }
func (m *mockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, quiesce)
}
func (m *mockClient) Publish(string, byte, bool, interface{}) mqtt.Token { return newToken(nil) }
func (m *mockClient) Subscribe(topic string, qos byte, _ mqtt.MessageHandler) mqtt.Token {
	return m.SubscribeMultiple(map[string]byte{topic: qos}, nil)
}
func (m *mockClient) SubscribeMultiple(filters map[string]byte, _ mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = filters
	return m.subscribeToken
}
func (m *mockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topics...)
	return newToken(nil)
}
func (m *mockClient) AddRoute(string, mqtt.MessageHandler) {}
func (m *mockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// deliver invokes the default publish handler as the paho router would.
func (m *mockClient) deliver(msg mqtt.Message) {
	m.opts.DefaultPublishHandler(m, msg)
}

func (m *mockClient) loseConnection(err error) {
	m.opts.OnConnectionLost(m, err)
}
