// Package supervisor keeps one broker session alive per configured broker.
// Each broker gets a slot that creates a Session, waits for it to end and
// creates the next one after a backoff delay. Slots never wait on each
// other.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mqtt-capture/config"
	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/logger"
	"mqtt-capture/internal/metrics"
	"mqtt-capture/internal/stats"
)

// BrokerStatus is the supervisor's view of one broker.
type BrokerStatus struct {
	ID            string        `json:"id"`
	Protocol      string        `json:"protocol"`
	Status        broker.Status `json:"status"`
	Received      uint64        `json:"received"`
	Attempts      uint64        `json:"attempts"`
	Reconnects    uint64        `json:"reconnects"`
	LastReconnect time.Time     `json:"lastReconnect,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
}

// Supervisor owns the per-broker slots.
type Supervisor struct {
	cfg        config.SupervisorConfig
	session    config.SessionConfig
	factories  map[config.Protocol]broker.TransportFactory
	logger     *logger.Logger
	metrics    *metrics.Metrics
	events     *stats.EventLog
	clock      capture.Clock
	newBackoff func() *Backoff

	mu      sync.RWMutex
	slots   map[string]*slot
	order   []string
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Option func(*Supervisor)

func WithLogger(l *logger.Logger) Option { return func(s *Supervisor) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Supervisor) { s.metrics = m } }

// WithEvents records connection events in log.
func WithEvents(log *stats.EventLog) Option { return func(s *Supervisor) { s.events = log } }

func WithClock(c capture.Clock) Option { return func(s *Supervisor) { s.clock = c } }

// WithTransport registers the transport factory for a protocol.
func WithTransport(p config.Protocol, f broker.TransportFactory) Option {
	return func(s *Supervisor) { s.factories[p] = f }
}

func New(cfg config.SupervisorConfig, session config.SessionConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		session:   session,
		factories: make(map[config.Protocol]broker.TransportFactory),
		logger:    logger.NewNop(),
		events:    stats.NewEventLog(stats.DefaultEventLogSize),
		clock:     capture.SystemClock,
		slots:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.newBackoff = func() *Backoff { return NewBackoff(s.cfg) }
	return s
}

// AddBroker registers a broker and the queue its sessions push into. The
// queue is shared by every session created for the broker.
func (s *Supervisor) AddBroker(cfg *config.BrokerConfig, queue broker.Pusher) error {
	if err := config.ValidateBroker(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("supervisor already started")
	}
	if _, exists := s.slots[cfg.ID]; exists {
		return fmt.Errorf("broker with ID %s already exists", cfg.ID)
	}
	factory, ok := s.factories[cfg.Protocol]
	if !ok {
		return fmt.Errorf("no transport for protocol %q (broker %s)", cfg.Protocol, cfg.ID)
	}

	sl := &slot{
		sup:     s,
		cfg:     cfg,
		queue:   queue,
		factory: factory,
		backoff: s.newBackoff(),
		logger:  s.logger.With("broker", cfg.ID),
	}
	sl.status.Store(&broker.Status{State: broker.StateDisconnected, Since: s.clock.Now()})
	s.slots[cfg.ID] = sl
	s.order = append(s.order, cfg.ID)
	return nil
}

// Start launches every slot and returns immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("supervisor already started")
	}
	if len(s.slots) == 0 {
		return errors.New("no brokers configured")
	}
	s.started = true

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, id := range s.order {
		sl := s.slots[id]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sl.run(ctx)
		}()
	}
	s.logger.Info("supervisor started", "brokers", len(s.order))
	return nil
}

// Stop ends every slot: live sessions unsubscribe and disconnect, pending
// backoff waits are abandoned. It returns ctx's error if the slots did not
// finish in time.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("supervisor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for broker sessions: %w", ctx.Err())
	}
}

// Health counts brokers per session state. It is advisory: states may
// change while it is computed.
func (s *Supervisor) Health() map[broker.SessionState]int {
	counts := make(map[broker.SessionState]int, len(broker.States))
	for _, st := range broker.States {
		counts[st] = 0
	}
	for _, b := range s.Brokers() {
		counts[b.Status.State]++
	}
	return counts
}

// Brokers returns the status of every broker in configuration order.
func (s *Supervisor) Brokers() []BrokerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]BrokerStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.slots[id].snapshot())
	}
	return out
}

// Broker returns the status of one broker.
func (s *Supervisor) Broker(id string) (BrokerStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sl, ok := s.slots[id]
	if !ok {
		return BrokerStatus{}, false
	}
	return sl.snapshot(), true
}

// Events returns the supervisor's event log.
func (s *Supervisor) Events() *stats.EventLog { return s.events }

// slot runs the session loop for one broker.
type slot struct {
	sup     *Supervisor
	cfg     *config.BrokerConfig
	queue   broker.Pusher
	factory broker.TransportFactory
	backoff *Backoff
	logger  *logger.Logger

	status     atomic.Pointer[broker.Status]
	attempts   atomic.Uint64
	reconnects atomic.Uint64

	mu            sync.Mutex
	current       *broker.Session
	received      uint64 // by sessions that have ended
	lastReconnect time.Time
	lastErr       error
	operational   time.Time // when the current session became operational
	everUp        bool
}

func (sl *slot) run(ctx context.Context) {
	for ctx.Err() == nil {
		uptime := sl.runSession(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := sl.backoff.Next(uptime)
		sl.logger.Warn("broker session ended, reconnecting",
			"delay", delay,
			"uptime", uptime,
			"attempt", sl.attempts.Load())

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// runSession creates one session and blocks until it ends. It returns how
// long the session stayed operational.
func (sl *slot) runSession(ctx context.Context) time.Duration {
	sl.attempts.Add(1)

	transport, err := sl.factory(sl.cfg)
	if err != nil {
		sl.logger.Error("failed to create transport", "error", err)
		sl.setErr(err)
		return 0
	}

	sess := broker.NewSession(sl.cfg, transport, sl.queue,
		broker.WithLogger(sl.sup.logger),
		broker.WithMetrics(sl.sup.metrics),
		broker.WithClock(sl.sup.clock),
		broker.WithTimeouts(sl.sup.session),
		broker.WithObserver(sl.observe))

	sl.mu.Lock()
	sl.current = sess
	sl.operational = time.Time{}
	sl.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		sl.logger.Error("failed to start broker session", "error", err)
		sl.setErr(err)
		sl.endSession(sess)
		return 0
	}
	<-sess.Done()

	err = sess.Err()
	sl.setErr(err)
	if err != nil && ctx.Err() == nil {
		sl.sup.events.Add(stats.Event{
			Time:     sl.sup.clock.Now(),
			BrokerID: sl.cfg.ID,
			Kind:     stats.EventDisconnected,
			Detail:   sess.Status().Reason,
		})
	}
	return sl.endSession(sess)
}

func (sl *slot) endSession(sess *broker.Session) time.Duration {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.received += sess.Received()
	sl.current = nil
	if sl.operational.IsZero() {
		return 0
	}
	return sl.sup.clock.Now().Sub(sl.operational)
}

func (sl *slot) observe(_ string, st broker.Status) {
	sl.status.Store(&st)
	if !st.State.Operational() {
		return
	}

	sl.mu.Lock()
	if !sl.operational.IsZero() {
		sl.mu.Unlock()
		return
	}
	sl.operational = st.Since
	reconnect := sl.everUp
	sl.everUp = true
	if reconnect {
		sl.lastReconnect = st.Since
	}
	sl.mu.Unlock()

	kind := stats.EventConnected
	detail := ""
	if st.State == broker.StateDegraded {
		kind = stats.EventDegraded
		detail = st.Reason
	}
	if reconnect {
		sl.reconnects.Add(1)
		sl.sup.metrics.IncReconnects(sl.cfg.ID)
		sl.logger.Info("broker session re-established",
			"state", st.State,
			"reconnects", sl.reconnects.Load())
		kind = stats.EventReconnected
	}
	sl.sup.events.Add(stats.Event{Time: st.Since, BrokerID: sl.cfg.ID, Kind: kind, Detail: detail})
}

func (sl *slot) setErr(err error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.lastErr = err
}

func (sl *slot) snapshot() BrokerStatus {
	sl.mu.Lock()
	received := sl.received
	if sl.current != nil {
		received += sl.current.Received()
	}
	b := BrokerStatus{
		ID:            sl.cfg.ID,
		Protocol:      string(sl.cfg.Protocol),
		Status:        *sl.status.Load(),
		Received:      received,
		Attempts:      sl.attempts.Load(),
		Reconnects:    sl.reconnects.Load(),
		LastReconnect: sl.lastReconnect,
	}
	if sl.lastErr != nil {
		b.LastError = sl.lastErr.Error()
	}
	sl.mu.Unlock()
	return b
}
