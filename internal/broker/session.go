package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-capture/config"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/logger"
	"mqtt-capture/internal/metrics"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
)

// Session is a single live connection to one broker.
type Session struct {
	cfg       *config.BrokerConfig
	transport Transport
	queue     Pusher

	logger           *logger.Logger
	metrics          *metrics.Metrics
	clock            capture.Clock
	connectTimeout   time.Duration
	subscribeTimeout time.Duration
	observer         func(id string, st Status)

	status   atomic.Pointer[Status]
	received atomic.Uint64

	mu       sync.Mutex
	started  bool
	accepted []string
	err      error

	lost     chan error
	stop     chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

func WithLogger(l *logger.Logger) SessionOption {
	return func(s *Session) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithClock sets the clock used to stamp received messages.
func WithClock(c capture.Clock) SessionOption {
	return func(s *Session) { s.clock = c }
}

// WithTimeouts bounds the connect handshake and the subscribe request.
func WithTimeouts(cfg config.SessionConfig) SessionOption {
	return func(s *Session) {
		if cfg.ConnectTimeout > 0 {
			s.connectTimeout = cfg.ConnectTimeout
		}
		if cfg.SubscribeTimeout > 0 {
			s.subscribeTimeout = cfg.SubscribeTimeout
		}
	}
}

// WithObserver registers a callback invoked on every state change.
func WithObserver(fn func(id string, st Status)) SessionOption {
	return func(s *Session) { s.observer = fn }
}

// NewSession creates a session for cfg that will speak through transport
// and push received messages into queue.
func NewSession(cfg *config.BrokerConfig, transport Transport, queue Pusher, opts ...SessionOption) *Session {
	s := &Session{
		cfg:              cfg,
		transport:        transport,
		queue:            queue,
		logger:           logger.NewNop(),
		clock:            capture.SystemClock,
		connectTimeout:   defaultConnectTimeout,
		subscribeTimeout: defaultSubscribeTimeout,
		lost:             make(chan error, 1),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("broker", cfg.ID)
	s.status.Store(&Status{State: StateDisconnected, Since: s.clock.Now()})
	return s
}

// ID returns the broker id.
func (s *Session) ID() string { return s.cfg.ID }

// Start validates the broker config and launches the session. It returns
// without waiting for the connection; only a structurally invalid config
// is reported here.
func (s *Session) Start(ctx context.Context) error {
	if err := config.ValidateBroker(s.cfg); err != nil {
		return err
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session %s already started", s.cfg.ID)
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		s.run(ctx)
	}()
	return nil
}

func (s *Session) run(ctx context.Context) {
	s.setState(StateConnecting, "", nil)
	s.logger.Info("connecting to broker", "url", s.cfg.URL())

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	err := s.transport.Connect(connectCtx, Handlers{
		OnMessage:        s.handleMessage,
		OnConnectionLost: s.handleConnectionLost,
	})
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil && ctx.Err() != nil {
		s.transport.Disconnect()
		s.finish("stopped", nil)
		return
	}
	if err != nil {
		reason := "connect failed: " + err.Error()
		if timedOut {
			reason = "connect timeout"
		}
		s.finish(reason, fmt.Errorf("%w: %s: %v", ErrConnection, s.cfg.ID, err))
		return
	}

	if !s.subscribe(ctx) {
		return
	}

	select {
	case err := <-s.lost:
		s.transport.Disconnect()
		s.finish("connection lost: "+errString(err), fmt.Errorf("%w: %s: connection lost: %v", ErrConnection, s.cfg.ID, err))
	case <-s.stop:
		s.shutdown()
	case <-ctx.Done():
		s.shutdown()
	}
}

func (s *Session) subscribe(ctx context.Context) bool {
	filters := make(map[string]byte, len(s.cfg.Filters))
	for _, f := range s.cfg.Filters {
		filters[f] = s.cfg.MaxQoS
	}

	subCtx, cancel := context.WithTimeout(ctx, s.subscribeTimeout)
	denied, err := s.transport.Subscribe(subCtx, filters)
	timedOut := errors.Is(subCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		s.transport.Disconnect()
		if ctx.Err() != nil {
			s.finish("stopped", nil)
			return false
		}
		reason := "subscribe failed: " + err.Error()
		if timedOut {
			reason = "subscribe timeout"
		}
		s.finish(reason, fmt.Errorf("%w: %s: subscribe: %v", ErrConnection, s.cfg.ID, err))
		return false
	}

	var deniedList, accepted []string
	for _, f := range s.cfg.Filters {
		if _, ok := denied[f]; ok {
			deniedList = append(deniedList, f)
		} else {
			accepted = append(accepted, f)
		}
	}
	sort.Strings(deniedList)

	s.mu.Lock()
	s.accepted = accepted
	s.mu.Unlock()
	s.metrics.SetDeniedFilters(s.cfg.ID, len(deniedList))

	if len(deniedList) > 0 {
		reason := "acl-denied: " + strings.Join(deniedList, ", ")
		s.logger.Warn("broker denied topic filters",
			"denied", deniedList,
			"accepted", len(accepted),
			"error", ErrSubscriptionDenied)
		s.setState(StateDegraded, reason, deniedList)
		return true
	}

	s.logger.Info("subscribed to broker", "filters", len(accepted))
	s.setState(StateSubscribed, "", nil)
	return true
}

// shutdown unsubscribes the accepted filters and disconnects.
func (s *Session) shutdown() {
	s.mu.Lock()
	accepted := s.accepted
	s.mu.Unlock()

	if len(accepted) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.subscribeTimeout)
		if err := s.transport.Unsubscribe(ctx, accepted); err != nil {
			s.logger.Warn("failed to unsubscribe", "error", err)
		}
		cancel()
	}
	s.transport.Disconnect()
	s.finish("stopped", nil)
}

func (s *Session) handleMessage(msg capture.RawMessage) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.clock.Now()
	}
	s.received.Add(1)
	s.metrics.IncMessagesReceived(s.cfg.ID)

	if dropped := s.queue.Push(msg); dropped > 0 {
		s.metrics.AddMessagesDropped(s.cfg.ID, metrics.DropOverflow, dropped)
	}
}

func (s *Session) handleConnectionLost(err error) {
	select {
	case s.lost <- err:
	default:
	}
}

func (s *Session) finish(reason string, err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("broker session ended", "reason", reason, "error", err)
	} else {
		s.logger.Info("broker session stopped")
	}
	s.setState(StateDisconnected, reason, nil)
	close(s.done)
}

func (s *Session) setState(state SessionState, reason string, denied []string) {
	st := &Status{State: state, Reason: reason, Denied: denied, Since: s.clock.Now()}
	s.status.Store(st)
	s.metrics.SetSessionState(s.cfg.ID, string(state), StateNames())
	if s.observer != nil {
		s.observer(s.cfg.ID, *st)
	}
}

// Status returns the current session status. It is safe to call from any
// goroutine.
func (s *Session) Status() Status {
	return *s.status.Load()
}

// Done is closed once the session has reached its final disconnected
// state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, nil after a requested stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Received returns the number of messages received by this session.
func (s *Session) Received() uint64 { return s.received.Load() }

// Stop unsubscribes, disconnects and waits for the session to end or ctx
// to expire. A connect in progress is aborted.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	started, cancel := s.started, s.cancel
	s.mu.Unlock()
	if !started {
		return nil
	}

	s.stopOnce.Do(func() { close(s.stop) })
	cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}
