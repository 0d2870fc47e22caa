// Package engine wires the capture pipeline: one buffer queue per broker,
// the session supervisor feeding them, and a pool of fan-in workers that
// normalize queued messages and append them to the sink.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mqtt-capture/config"
	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/broker/mqtt"
	"mqtt-capture/internal/broker/nats"
	"mqtt-capture/internal/buffer"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/logger"
	"mqtt-capture/internal/metrics"
	"mqtt-capture/internal/sink"
	"mqtt-capture/internal/stats"
	"mqtt-capture/internal/supervisor"
)

// Engine is one capture run.
type Engine struct {
	runID     string
	startedAt time.Time

	cfg        *config.Config
	sink       *sink.Sink
	supervisor *supervisor.Supervisor
	normalizer *capture.Normalizer
	merger     *buffer.Merger[capture.RawMessage]
	brokers    []string
	counters   map[string]*brokerCounters

	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
	events  *stats.EventLog
	clock   capture.Clock

	transports map[config.Protocol]broker.TransportFactory

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	drainUntil time.Time
	wg         sync.WaitGroup
	stopWatch  chan struct{}
	watchDone  chan struct{}
}

type brokerCounters struct {
	id         string
	queue      *buffer.Queue[capture.RawMessage]
	metrics    *metrics.Metrics
	written    atomic.Uint64
	discarded  atomic.Uint64 // removed from the queue at shutdown
	shutdown   atomic.Uint64
	sinkFailed atomic.Uint64

	mu         sync.RWMutex
	sealed     bool
	sealReason string
}

// Push implements broker.Pusher for the broker's sessions. Once the queue
// is sealed at shutdown, late messages are counted as dropped instead.
func (c *brokerCounters) Push(msg capture.RawMessage) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.sealed {
		return c.queue.Push(msg)
	}
	if c.sealReason == metrics.DropSinkFailed {
		c.sinkFailed.Add(1)
	} else {
		c.shutdown.Add(1)
	}
	c.metrics.AddMessagesDropped(c.id, c.sealReason, 1)
	return 0
}

// seal stops the queue from accepting messages.
func (c *brokerCounters) seal(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	c.sealReason = reason
}

type Option func(*Engine)

func WithLogger(l *logger.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock sets the clock used for receive timestamps and events.
func WithClock(c capture.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithTransport overrides the transport factory for a protocol.
func WithTransport(p config.Protocol, f broker.TransportFactory) Option {
	return func(e *Engine) { e.transports[p] = f }
}

// WithEvents sets the recent events log.
func WithEvents(log *stats.EventLog) Option { return func(e *Engine) { e.events = log } }

// New builds the pipeline for cfg around an open sink. Nothing connects
// until Start.
func New(cfg *config.Config, snk *sink.Sink, opts ...Option) (*Engine, error) {
	if snk == nil {
		return nil, errors.New("capture sink is required")
	}
	policy, err := buffer.ParsePolicy(string(cfg.Buffer.Overflow))
	if err != nil {
		return nil, &config.ConfigError{Field: "buffer.overflow", Err: err}
	}

	e := &Engine{
		runID:      uuid.NewString(),
		cfg:        cfg,
		sink:       snk,
		merger:     buffer.NewMerger[capture.RawMessage](),
		counters:   make(map[string]*brokerCounters, len(cfg.Brokers)),
		logger:     logger.NewNop(),
		stats:      stats.NewStatsCollector(),
		events:     stats.NewEventLog(stats.DefaultEventLogSize),
		clock:      capture.SystemClock,
		transports: make(map[config.Protocol]broker.TransportFactory),
		stopWatch:  make(chan struct{}),
		watchDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if _, ok := e.transports[config.ProtocolMQTT]; !ok {
		e.transports[config.ProtocolMQTT] = mqtt.Factory(cfg.Session, e.logger)
	}
	if _, ok := e.transports[config.ProtocolNATS]; !ok {
		e.transports[config.ProtocolNATS] = nats.Factory(cfg.Session, e.logger)
	}
	e.logger = e.logger.With("run", e.runID)
	e.normalizer = capture.NewNormalizer(e.clock)

	e.supervisor = supervisor.New(cfg.Supervisor, cfg.Session,
		supervisor.WithLogger(e.logger),
		supervisor.WithMetrics(e.metrics),
		supervisor.WithEvents(e.events),
		supervisor.WithClock(e.clock),
		supervisor.WithTransport(config.ProtocolMQTT, e.transports[config.ProtocolMQTT]),
		supervisor.WithTransport(config.ProtocolNATS, e.transports[config.ProtocolNATS]))

	for i := range cfg.Brokers {
		b := &cfg.Brokers[i]
		q := buffer.NewQueue[capture.RawMessage](cfg.Buffer.Capacity, policy)
		c := &brokerCounters{id: b.ID, queue: q, metrics: e.metrics}
		if err := e.supervisor.AddBroker(b, c); err != nil {
			return nil, err
		}
		e.merger.Add(b.ID, q)
		e.brokers = append(e.brokers, b.ID)
		e.counters[b.ID] = c
	}
	return e, nil
}

// RunID identifies this capture run in logs and the status document.
func (e *Engine) RunID() string { return e.runID }

// Start launches the fan-in workers and the broker sessions.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	e.started = true
	e.startedAt = e.clock.Now()

	workers := e.cfg.FanIn.Workers
	if workers < 1 {
		workers = 1
	}

	workCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker(workCtx, i)
	}
	go e.watchSink()

	if err := e.supervisor.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start supervisor: %w", err)
	}
	e.logger.Info("capture engine started",
		"brokers", len(e.brokers),
		"workers", workers,
		"bufferCapacity", e.cfg.Buffer.Capacity,
		"overflow", e.cfg.Buffer.Overflow)
	return nil
}

// Failed is closed when the sink has failed and the run should end.
func (e *Engine) Failed() <-chan struct{} { return e.sink.Failed() }

// Stop shuts the run down in order: sessions unsubscribe and disconnect,
// workers drain what is buffered within the drain grace period, leftovers
// are discarded and counted, and the sink is flushed and closed. The
// returned error carries a sink failure, if any.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	var errs []error
	if err := e.supervisor.Stop(ctx); err != nil {
		e.logger.Error("failed to stop broker sessions", "error", err)
		errs = append(errs, err)
	}

	buffered := e.merger.Len()
	e.mu.Lock()
	e.drainUntil = time.Now().Add(e.cfg.FanIn.DrainGrace)
	e.mu.Unlock()
	e.cancel()
	e.logger.Info("draining buffered messages", "buffered", buffered, "grace", e.cfg.FanIn.DrainGrace)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for fan-in workers: %w", ctx.Err()))
	}

	e.discardRemaining()

	if err := e.sink.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	close(e.stopWatch)
	<-e.watchDone

	snap := e.Snapshot()
	e.logger.Info("capture engine stopped",
		"written", snap.Sink.Written,
		"lastSequence", snap.Sink.LastSequence,
		"dropped", snap.Totals.Dropped)
	return errors.Join(errs...)
}

func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for ctx.Err() == nil {
		item, err := e.merger.Next(ctx)
		if err != nil {
			break
		}
		if !e.write(item) {
			e.logger.Warn("fan-in worker paused, sink failed", "worker", id)
			return
		}
	}

	for e.draining() {
		item, ok := e.merger.TryNext()
		if !ok {
			return
		}
		if !e.write(item) {
			return
		}
	}
}

func (e *Engine) draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Now().Before(e.drainUntil)
}

// write appends one queued message. It reports false once the sink has
// failed; the message in hand is then counted as dropped.
func (e *Engine) write(item buffer.Item[capture.RawMessage]) bool {
	c := e.counters[item.Source]
	rec := e.normalizer.Normalize(item.Source, item.Value)

	if _, err := e.sink.Append(context.Background(), rec); err != nil {
		c.sinkFailed.Add(1)
		e.metrics.AddMessagesDropped(item.Source, metrics.DropSinkFailed, 1)
		return false
	}
	c.written.Add(1)
	return true
}

// discardRemaining seals and empties every queue after the workers have
// exited. Sessions that outlived the supervisor's stop deadline may still
// deliver; those messages are counted by the sealed queue.
func (e *Engine) discardRemaining() {
	reason := metrics.DropShutdown
	if e.sink.Err() != nil {
		reason = metrics.DropSinkFailed
	}
	for _, c := range e.counters {
		c.seal(reason)
	}

	for id, n := range e.merger.Discard() {
		c := e.counters[id]
		c.discarded.Add(uint64(n))
		if reason == metrics.DropShutdown {
			c.shutdown.Add(uint64(n))
		} else {
			c.sinkFailed.Add(uint64(n))
		}
		e.metrics.AddMessagesDropped(id, reason, n)
		e.logger.Warn("discarded buffered messages", "broker", id, "count", n, "reason", reason)
	}
}

func (e *Engine) watchSink() {
	defer close(e.watchDone)
	select {
	case <-e.sink.Failed():
	case <-e.stopWatch:
		select {
		case <-e.sink.Failed():
		default:
			return
		}
	}

	err := e.sink.Err()
	e.accountLost(err)
	e.events.Add(stats.Event{Time: e.clock.Now(), Kind: stats.EventSinkFailed, Detail: err.Error()})
	e.logger.Error("capture sink failed, workers paused until shutdown", "error", err)
}

// accountLost moves records the sink had acknowledged but never stored
// from written to sink_failed.
func (e *Engine) accountLost(err error) {
	var we *sink.WriteError
	if !errors.As(err, &we) {
		return
	}
	for id, n := range we.Lost {
		c, ok := e.counters[id]
		if !ok {
			continue
		}
		c.written.Add(^uint64(n - 1))
		c.sinkFailed.Add(uint64(n))
		e.metrics.AddMessagesDropped(id, metrics.DropSinkFailed, n)
		e.logger.Warn("buffered records lost by failed sink", "broker", id, "count", n, "firstLost", we.FirstLost)
	}
}
