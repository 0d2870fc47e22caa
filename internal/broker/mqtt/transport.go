// Package mqtt implements broker.Transport on the Eclipse Paho client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"mqtt-capture/config"
	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/logger"
)

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

// ClientFactory creates the Paho client from prepared options.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Transport is a single Paho client connection. Automatic reconnect is
// disabled; the supervisor decides when to dial again.
type Transport struct {
	cfg       *config.BrokerConfig
	session   config.SessionConfig
	logger    *logger.Logger
	newClient ClientFactory

	mu       sync.Mutex
	client   mqtt.Client
	handlers broker.Handlers
}

type Option func(*Transport)

func WithLogger(l *logger.Logger) Option { return func(t *Transport) { t.logger = l } }

// WithClientFactory replaces mqtt.NewClient, mainly for tests.
func WithClientFactory(f ClientFactory) Option { return func(t *Transport) { t.newClient = f } }

func NewTransport(cfg *config.BrokerConfig, session config.SessionConfig, opts ...Option) *Transport {
	t := &Transport{
		cfg:       cfg,
		session:   session,
		logger:    logger.NewNop(),
		newClient: mqtt.NewClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory returns a broker.TransportFactory producing Paho transports.
func Factory(session config.SessionConfig, log *logger.Logger) broker.TransportFactory {
	if log == nil {
		log = logger.NewNop()
	}
	return func(cfg *config.BrokerConfig) (broker.Transport, error) {
		return NewTransport(cfg, session, WithLogger(log.With("broker", cfg.ID))), nil
	}
}

func (t *Transport) options() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.URL()).
		SetClientID(broker.ClientID(t.cfg.ClientIDPrefix)).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true)

	if t.session.KeepAlive > 0 {
		opts.SetKeepAlive(t.session.KeepAlive)
	}
	if t.session.ConnectTimeout > 0 {
		opts.SetConnectTimeout(t.session.ConnectTimeout)
	}

	opts.SetDefaultPublishHandler(t.handleMessage)
	opts.SetConnectionLostHandler(t.handleConnectionLost)

	if t.cfg.TLS.Enable {
		tlsConfig, err := broker.NewTLSConfig(t.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func (t *Transport) Connect(ctx context.Context, h broker.Handlers) error {
	opts, err := t.options()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.handlers = h
	t.client = t.newClient(opts)
	client := t.client
	t.mu.Unlock()

	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	t.logger.Info("mqtt client connected", "url", t.cfg.URL())
	return nil
}

// Subscribe sends one SUBSCRIBE for all filters. Filters answered with
// return code 0x80 are reported as denied.
func (t *Transport) Subscribe(ctx context.Context, filters map[string]byte) (map[string]error, error) {
	client := t.getClient()
	if client == nil {
		return nil, errors.New("not connected to broker")
	}

	token := client.SubscribeMultiple(filters, t.handleMessage)
	waitErr := wait(ctx, token)
	if ctx.Err() != nil {
		return nil, waitErr
	}

	denied := make(map[string]error)
	if r, ok := token.(interface{ Result() map[string]byte }); ok {
		for filter, code := range r.Result() {
			if code == subackFailure {
				denied[filter] = fmt.Errorf("%w: %s", broker.ErrSubscriptionDenied, filter)
			}
		}
	}

	if waitErr != nil && len(denied) == 0 {
		return nil, fmt.Errorf("failed to subscribe: %w", waitErr)
	}
	for filter := range denied {
		t.logger.Warn("subscription refused by broker", "filter", filter)
	}
	return denied, nil
}

func (t *Transport) Unsubscribe(ctx context.Context, filters []string) error {
	client := t.getClient()
	if client == nil || len(filters) == 0 {
		return nil
	}
	if err := wait(ctx, client.Unsubscribe(filters...)); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

func (t *Transport) Disconnect() {
	client := t.getClient()
	if client == nil {
		return
	}
	quiesce := t.session.Quiesce
	if quiesce <= 0 {
		quiesce = 250 * time.Millisecond
	}
	t.logger.Info("disconnecting from mqtt broker")
	client.Disconnect(uint(quiesce.Milliseconds()))
}

func (t *Transport) getClient() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *Transport) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	t.mu.Lock()
	onMessage := t.handlers.OnMessage
	t.mu.Unlock()
	if onMessage == nil {
		return
	}
	onMessage(capture.RawMessage{
		Topic:   msg.Topic(),
		Payload: payload,
		QoS:     msg.Qos(),
		Retain:  msg.Retained(),
	})
}

func (t *Transport) handleConnectionLost(_ mqtt.Client, err error) {
	t.logger.Error("mqtt connection lost", "error", err)
	t.mu.Lock()
	lost := t.handlers.OnConnectionLost
	t.mu.Unlock()
	if lost != nil {
		lost(err)
	}
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
