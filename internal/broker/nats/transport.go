// Package nats implements broker.Transport on a NATS core connection.
// Filters are given in MQTT form and translated to NATS subjects; received
// subjects are translated back so records look the same for both protocols.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"mqtt-capture/config"
	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/logger"
)

// DialFunc opens the NATS connection.
type DialFunc func(url string, opts ...nats.Option) (*nats.Conn, error)

// Transport is a single NATS connection without automatic reconnect.
type Transport struct {
	cfg     *config.BrokerConfig
	session config.SessionConfig
	logger  *logger.Logger
	dial    DialFunc

	closing atomic.Bool

	mu       sync.Mutex
	conn     *nats.Conn
	handlers broker.Handlers
	subs     map[string]*nats.Subscription
	denied   map[string]error // keyed by NATS subject
}

type Option func(*Transport)

func WithLogger(l *logger.Logger) Option { return func(t *Transport) { t.logger = l } }

// WithDialer replaces nats.Connect.
func WithDialer(d DialFunc) Option { return func(t *Transport) { t.dial = d } }

func NewTransport(cfg *config.BrokerConfig, session config.SessionConfig, opts ...Option) *Transport {
	t := &Transport{
		cfg:     cfg,
		session: session,
		logger:  logger.NewNop(),
		dial:    nats.Connect,
		subs:    make(map[string]*nats.Subscription),
		denied:  make(map[string]error),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Factory returns a broker.TransportFactory producing NATS transports.
func Factory(session config.SessionConfig, log *logger.Logger) broker.TransportFactory {
	if log == nil {
		log = logger.NewNop()
	}
	return func(cfg *config.BrokerConfig) (broker.Transport, error) {
		return NewTransport(cfg, session, WithLogger(log.With("broker", cfg.ID))), nil
	}
}

func (t *Transport) options() ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(broker.ClientID(t.cfg.ClientIDPrefix)),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(t.handleDisconnect),
		nats.ErrorHandler(t.handleAsyncError),
	}
	if t.session.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(t.session.ConnectTimeout))
	}
	if t.session.KeepAlive > 0 {
		opts = append(opts, nats.PingInterval(t.session.KeepAlive))
	}

	// Add authentication if configured
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}

	if t.cfg.TLS.Enable {
		tlsConfig, err := broker.NewTLSConfig(t.cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts = append(opts, nats.Secure(tlsConfig))
	}
	return opts, nil
}

// Connect dials the server. nats.Connect does not take a context, so the
// dial runs in the background and a connection that completes after ctx
// ended is closed.
func (t *Transport) Connect(ctx context.Context, h broker.Handlers) error {
	opts, err := t.options()
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := t.dial(t.cfg.URL(), opts...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("failed to connect to NATS server: %w", r.err)
		}
		t.mu.Lock()
		t.conn = r.conn
		t.mu.Unlock()
		t.logger.Info("connected to NATS server", "url", r.conn.ConnectedUrl())
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				t.closing.Store(true)
				r.conn.Close()
			}
		}()
		return ctx.Err()
	}
}

// Subscribe creates one subscription per filter and flushes, so that
// permission violations for these subjects have been received from the
// server before the result is built.
func (t *Transport) Subscribe(ctx context.Context, filters map[string]byte) (map[string]error, error) {
	conn := t.getConn()
	if conn == nil {
		return nil, errors.New("not connected to NATS server")
	}

	denied := make(map[string]error)
	subjects := make(map[string]string, len(filters))
	for filter := range filters {
		subject := ToNATSSubject(filter)
		sub, err := conn.Subscribe(subject, t.handleMessage)
		if err != nil {
			if errors.Is(err, nats.ErrBadSubject) {
				denied[filter] = fmt.Errorf("%w: %s: %v", broker.ErrSubscriptionDenied, filter, err)
				continue
			}
			return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		t.mu.Lock()
		t.subs[filter] = sub
		t.mu.Unlock()
		subjects[subject] = filter
	}

	if err := flush(ctx, conn); err != nil {
		return nil, fmt.Errorf("failed to flush subscriptions: %w", err)
	}
	if subject, ok := DeniedSubject(conn.LastError()); ok {
		t.recordDenied(subject, conn.LastError())
	}

	t.mu.Lock()
	for subject, err := range t.denied {
		filter, ok := subjects[subject]
		if !ok {
			continue
		}
		denied[filter] = fmt.Errorf("%w: %s: %v", broker.ErrSubscriptionDenied, filter, err)
		if sub := t.subs[filter]; sub != nil {
			_ = sub.Unsubscribe()
			delete(t.subs, filter)
		}
	}
	t.mu.Unlock()

	for filter := range denied {
		t.logger.Warn("subscription refused by NATS server", "filter", filter)
	}
	return denied, nil
}

func (t *Transport) Unsubscribe(_ context.Context, filters []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for _, filter := range filters {
		sub, ok := t.subs[filter]
		if !ok {
			continue
		}
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("failed to unsubscribe from %s: %w", sub.Subject, err))
		}
		delete(t.subs, filter)
	}
	return errors.Join(errs...)
}

func (t *Transport) Disconnect() {
	conn := t.getConn()
	if conn == nil {
		return
	}
	t.logger.Info("disconnecting from NATS server")
	t.closing.Store(true)
	quiesce := t.session.Quiesce
	if quiesce > 0 {
		_ = conn.FlushTimeout(quiesce)
	}
	conn.Close()
}

func (t *Transport) getConn() *nats.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *Transport) recordDenied(subject string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.denied[subject] = err
}

func (t *Transport) handleMessage(msg *nats.Msg) {
	payload := make([]byte, len(msg.Data))
	copy(payload, msg.Data)

	t.mu.Lock()
	onMessage := t.handlers.OnMessage
	t.mu.Unlock()
	if onMessage == nil {
		return
	}
	onMessage(capture.RawMessage{
		Topic:   ToMQTTTopic(msg.Subject),
		Payload: payload,
	})
}

func (t *Transport) handleDisconnect(_ *nats.Conn, err error) {
	if t.closing.Load() {
		return
	}
	if err == nil {
		err = nats.ErrConnectionClosed
	}
	t.logger.Error("disconnected from NATS server", "error", err)

	t.mu.Lock()
	lost := t.handlers.OnConnectionLost
	t.mu.Unlock()
	if lost != nil {
		lost(err)
	}
}

func (t *Transport) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	if subject, ok := DeniedSubject(err); ok {
		t.recordDenied(subject, err)
		return
	}
	if sub != nil {
		t.logger.Warn("NATS subscription error", "subject", sub.Subject, "error", err)
		return
	}
	t.logger.Warn("NATS async error", "error", err)
}

// flushTimeout applies when the caller's context carries no deadline,
// which FlushWithContext requires.
const flushTimeout = 10 * time.Second

func flush(ctx context.Context, conn *nats.Conn) error {
	if _, ok := ctx.Deadline(); ok {
		return conn.FlushWithContext(ctx)
	}
	return conn.FlushTimeout(flushTimeout)
}
