package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-capture/config"
	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/broker/brokertest"
	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/sink"
	"mqtt-capture/internal/stats"
)

// gateWriter is an in-memory sink.Writer whose writes can be held back
// and made to fail.
type gateWriter struct {
	mu      sync.Mutex
	records []capture.Record
	failAt  uint64
	gate    chan struct{}
}

func newGateWriter(open bool) *gateWriter {
	w := &gateWriter{gate: make(chan struct{})}
	if open {
		close(w.gate)
	}
	return w
}

func (w *gateWriter) release() { close(w.gate) }

func (w *gateWriter) Write(_ context.Context, rec capture.Record) error {
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt != 0 && rec.Sequence == w.failAt {
		return errors.New("no space left on device")
	}
	w.records = append(w.records, rec)
	return nil
}

func (w *gateWriter) Flush(context.Context) error                  { return nil }
func (w *gateWriter) LastSequence(context.Context) (uint64, error) { return 0, nil }
func (w *gateWriter) Close(context.Context) error                  { return nil }

func (w *gateWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// heldWriter keeps records in memory until Flush, which always fails.
type heldWriter struct {
	mu  sync.Mutex
	buf []capture.Record
}

func (w *heldWriter) Write(_ context.Context, rec capture.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, rec)
	return nil
}

func (w *heldWriter) Flush(context.Context) error                  { return errors.New("input/output error") }
func (w *heldWriter) LastSequence(context.Context) (uint64, error) { return 0, nil }
func (w *heldWriter) Close(context.Context) error                  { return nil }

func (w *heldWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

func (w *heldWriter) Discard() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = nil
}

func testConfig(workers int, brokers ...config.BrokerConfig) *config.Config {
	return &config.Config{
		Brokers: brokers,
		Supervisor: config.SupervisorConfig{
			MinBackoff:      5 * time.Millisecond,
			MaxBackoff:      20 * time.Millisecond,
			Multiplier:      2,
			StabilityPeriod: time.Minute,
		},
		Buffer: config.BufferConfig{Capacity: 10000, Overflow: config.OverflowDropOldest},
		FanIn:  config.FanInConfig{Workers: workers, DrainGrace: 2 * time.Second},
	}
}

func mqttBroker(id string, filters ...string) config.BrokerConfig {
	return config.BrokerConfig{ID: id, Protocol: config.ProtocolMQTT, Host: "localhost", Port: 1883, Filters: filters}
}

// fakes routes each broker id to its own fake broker.
func fakes(brokers map[string]*brokertest.Broker) Option {
	return WithTransport(config.ProtocolMQTT, func(cfg *config.BrokerConfig) (broker.Transport, error) {
		b, ok := brokers[cfg.ID]
		if !ok {
			return nil, fmt.Errorf("no fake for %s", cfg.ID)
		}
		return b.NewTransport(), nil
	})
}

func openSink(t *testing.T, w sink.Writer) *sink.Sink {
	t.Helper()
	s, err := sink.Open(context.Background(), w)
	require.NoError(t, err)
	return s
}

func stopEngine(t *testing.T, e *Engine) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Stop(ctx)
}

func brokerSnap(e *Engine, id string) BrokerSnapshot {
	for _, b := range e.Snapshot().Brokers {
		if b.ID == id {
			return b
		}
	}
	return BrokerSnapshot{}
}

func waitWritten(t *testing.T, e *Engine, id string, n uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return brokerSnap(e, id).Written == n
	}, 5*time.Second, 2*time.Millisecond, "broker %s never reached %d written", id, n)
}

// assertAccounted checks that every received message is written, dropped
// or still buffered.
func assertAccounted(t *testing.T, snap Snapshot) {
	t.Helper()
	for _, b := range snap.Brokers {
		assert.Equal(t, b.Received, b.Written+b.Dropped.Total()+uint64(b.Buffered), "broker %s accounting", b.ID)
	}
}

func TestEngineThreeBrokerScenario(t *testing.T) {
	a, b, c := brokertest.NewBroker(), brokertest.NewBroker(), brokertest.NewBroker()
	b.DenyAll()

	path := filepath.Join(t.TempDir(), "capture.jsonl")
	fw, err := sink.OpenFile(path, sink.FormatJSONL, "none")
	require.NoError(t, err)

	events := stats.NewEventLog(64)
	cfg := testConfig(1, mqttBroker("A", "a/#"), mqttBroker("B", "#"), mqttBroker("C", "c/#"))
	e, err := New(cfg, openSink(t, fw), fakes(map[string]*brokertest.Broker{"A": a, "B": b, "C": c}), WithEvents(events))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	require.True(t, a.WaitClients(1, 2*time.Second))
	require.True(t, c.WaitClients(1, 2*time.Second))
	require.Eventually(t, func() bool {
		return brokerSnap(e, "B").Status.State == broker.StateDegraded
	}, 2*time.Second, 2*time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			a.Publish(fmt.Sprintf("a/%d", i), []byte(fmt.Sprintf("A-%d", i)))
		}
	}()
	for i := 0; i < 250; i++ {
		c.Publish(fmt.Sprintf("c/%d", i), []byte(fmt.Sprintf("C-%d", i)))
	}
	assert.Equal(t, 0, b.Publish("x", []byte("nobody listens")))
	waitWritten(t, e, "C", 250)

	c.Disconnect(errors.New("EOF"))
	require.Eventually(t, func() bool {
		st := brokerSnap(e, "C")
		return st.Reconnects == 1 && st.Status.State == broker.StateSubscribed
	}, 5*time.Second, 2*time.Millisecond)
	require.True(t, c.WaitClients(1, 2*time.Second))

	for i := 250; i < 500; i++ {
		c.Publish(fmt.Sprintf("c/%d", i), []byte(fmt.Sprintf("C-%d", i)))
	}
	wg.Wait()
	waitWritten(t, e, "A", 1000)
	waitWritten(t, e, "C", 500)

	snap := e.Snapshot()
	assertAccounted(t, snap)
	require.NoError(t, stopEngine(t, e))

	records, err := sink.ReadFile(path, sink.FormatJSONL, "none")
	require.NoError(t, err)
	require.Len(t, records, 1500)

	perBroker := map[string][]capture.Record{}
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Sequence, "sequence is gap-free")
		perBroker[rec.BrokerID] = append(perBroker[rec.BrokerID], rec)
	}
	assert.Len(t, perBroker["A"], 1000)
	assert.Len(t, perBroker["B"], 0)
	require.Len(t, perBroker["C"], 500)

	// one fan-in worker keeps each broker's messages in arrival order
	for i, rec := range perBroker["C"] {
		assert.Equal(t, fmt.Sprintf("c/%d", i), rec.Topic)
	}

	var reconnects []stats.Event
	for _, ev := range events.Filter("C") {
		if ev.Kind == stats.EventReconnected {
			reconnects = append(reconnects, ev)
		}
	}
	require.Len(t, reconnects, 1)
	before, after := perBroker["C"][249].Timestamp, perBroker["C"][250].Timestamp
	assert.False(t, reconnects[0].Time.Before(before), "reconnect after the 250th message")
	assert.False(t, reconnects[0].Time.After(after), "reconnect before the 251st message")
}

func TestEngineOverflowDoesNotBlock(t *testing.T) {
	fake := brokertest.NewBroker()
	w := newGateWriter(false)
	cfg := testConfig(1, mqttBroker("a", "#"))
	cfg.Buffer.Capacity = 10

	e, err := New(cfg, openSink(t, w), fakes(map[string]*brokertest.Broker{"a": fake}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, fake.WaitClients(1, 2*time.Second))

	fake.Publish("t", []byte("first"))
	require.Eventually(t, func() bool { return brokerSnap(e, "a").Buffered == 0 }, time.Second, time.Millisecond,
		"worker holds the first message")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			fake.Publish("t", []byte("x"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a full buffer")
	}

	st := brokerSnap(e, "a")
	assert.Equal(t, 10, st.Buffered)
	assert.Equal(t, uint64(90), st.Dropped.Overflow)

	w.release()
	require.NoError(t, stopEngine(t, e))

	st = brokerSnap(e, "a")
	assert.Equal(t, uint64(11), st.Written)
	assert.Equal(t, 11, w.count())
	assert.Zero(t, st.Dropped.Shutdown)
	assertAccounted(t, e.Snapshot())
}

func TestEngineShutdownDiscardsAfterGrace(t *testing.T) {
	fake := brokertest.NewBroker()
	w := newGateWriter(false)
	cfg := testConfig(1, mqttBroker("a", "#"))
	cfg.FanIn.DrainGrace = 0

	e, err := New(cfg, openSink(t, w), fakes(map[string]*brokertest.Broker{"a": fake}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, fake.WaitClients(1, 2*time.Second))

	for i := 0; i < 100; i++ {
		fake.Publish("t", []byte("x"))
	}
	require.Eventually(t, func() bool { return brokerSnap(e, "a").Buffered == 99 }, time.Second, time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- stopEngine(t, e) }()

	// release the held write only once the workers have been told to stop
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return !e.drainUntil.IsZero()
	}, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	w.release()
	require.NoError(t, <-stopped)

	st := brokerSnap(e, "a")
	assert.Equal(t, uint64(100), st.Received)
	assert.Equal(t, uint64(1), st.Written)
	assert.Equal(t, uint64(99), st.Dropped.Shutdown)
	assert.Zero(t, st.Dropped.Overflow)
	assert.Zero(t, st.Buffered)
	assertAccounted(t, e.Snapshot())
}

func TestEngineShutdownDrainsWithinGrace(t *testing.T) {
	fake := brokertest.NewBroker()
	w := newGateWriter(false)
	cfg := testConfig(2, mqttBroker("a", "#"), mqttBroker("b", "#"))
	fakeB := brokertest.NewBroker()

	e, err := New(cfg, openSink(t, w), fakes(map[string]*brokertest.Broker{"a": fake, "b": fakeB}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, fake.WaitClients(1, 2*time.Second))
	require.True(t, fakeB.WaitClients(1, 2*time.Second))

	for i := 0; i < 200; i++ {
		fake.Publish("t", []byte("a"))
		fakeB.Publish("t", []byte("b"))
	}
	w.release()
	require.NoError(t, stopEngine(t, e))

	snap := e.Snapshot()
	assert.Equal(t, uint64(400), snap.Totals.Written)
	assert.Zero(t, snap.Totals.Dropped)
	assert.Equal(t, 400, w.count())
	assert.Equal(t, uint64(400), snap.Sink.LastSequence)
	assertAccounted(t, snap)
}

func TestEngineSinkFailurePausesWorkers(t *testing.T) {
	fake := brokertest.NewBroker()
	w := newGateWriter(true)
	w.failAt = 5
	events := stats.NewEventLog(16)
	cfg := testConfig(2, mqttBroker("a", "#"))

	e, err := New(cfg, openSink(t, w), fakes(map[string]*brokertest.Broker{"a": fake}), WithEvents(events))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, fake.WaitClients(1, 2*time.Second))

	for i := 0; i < 20; i++ {
		fake.Publish("t", []byte("x"))
	}

	select {
	case <-e.Failed():
	case <-time.After(2 * time.Second):
		t.Fatal("sink failure not reported")
	}

	err = stopEngine(t, e)
	assert.ErrorIs(t, err, sink.ErrSinkFailed)

	st := brokerSnap(e, "a")
	assert.Equal(t, uint64(4), st.Written)
	assert.Equal(t, uint64(16), st.Dropped.SinkFailed)
	assert.Zero(t, st.Dropped.Shutdown)
	assertAccounted(t, e.Snapshot())

	snap := e.Snapshot()
	assert.True(t, snap.Sink.Failed)
	assert.NotEmpty(t, snap.Sink.Error)

	var kinds []stats.EventKind
	for _, ev := range events.Recent(0) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, stats.EventSinkFailed)
}

func TestEngineCountsRecordsLostByFailedFlush(t *testing.T) {
	fake := brokertest.NewBroker()
	cfg := testConfig(1, mqttBroker("a", "#"), mqttBroker("b", "#"))
	fakeB := brokertest.NewBroker()

	e, err := New(cfg, openSink(t, &heldWriter{}), fakes(map[string]*brokertest.Broker{"a": fake, "b": fakeB}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, fake.WaitClients(1, 2*time.Second))
	require.True(t, fakeB.WaitClients(1, 2*time.Second))

	for i := 0; i < 10; i++ {
		fake.Publish("t", []byte("a"))
	}
	fakeB.Publish("t", []byte("b"))
	waitWritten(t, e, "a", 10)
	waitWritten(t, e, "b", 1)

	err = stopEngine(t, e)
	assert.ErrorIs(t, err, sink.ErrSinkFailed)

	snap := e.Snapshot()
	assert.Zero(t, snap.Totals.Written)
	assert.Zero(t, snap.Sink.Written)
	assert.Zero(t, snap.Sink.LastSequence)
	assert.Equal(t, uint64(10), brokerSnap(e, "a").Dropped.SinkFailed)
	assert.Equal(t, uint64(1), brokerSnap(e, "b").Dropped.SinkFailed)
	assertAccounted(t, snap)
}

func TestEngineCountsPushesAfterShutdown(t *testing.T) {
	fake := brokertest.NewBroker()
	e, err := New(testConfig(1, mqttBroker("a", "#")), openSink(t, newGateWriter(true)),
		fakes(map[string]*brokertest.Broker{"a": fake}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.True(t, fake.WaitClients(1, 2*time.Second))
	require.NoError(t, stopEngine(t, e))

	// a session that outlived the stop deadline still delivering
	c := e.counters["a"]
	assert.Zero(t, c.Push(capture.RawMessage{Topic: "t", Payload: []byte("late")}))
	assert.Zero(t, c.queue.Len())

	st := brokerSnap(e, "a")
	assert.Equal(t, uint64(1), st.Dropped.Shutdown)
	assert.Zero(t, st.Dropped.Overflow)
}

func TestEngineStatusEndpoint(t *testing.T) {
	fake := brokertest.NewBroker()
	fake.Deny("secret/#")
	cfg := testConfig(1, mqttBroker("a", "public/#", "secret/#"))
	e, err := New(cfg, openSink(t, newGateWriter(true)), fakes(map[string]*brokertest.Broker{"a": fake}))
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer stopEngine(t, e)

	require.Eventually(t, func() bool {
		return brokerSnap(e, "a").Status.State == broker.StateDegraded
	}, 2*time.Second, 2*time.Millisecond)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"runId": "`+e.RunID()+`"`)
	assert.Contains(t, rec.Body.String(), `"acl-denied: secret/#"`)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	g := e.Gauges()
	assert.Equal(t, map[string]int{"a": 0}, g.BufferDepth)
	assert.Equal(t, 1, g.SessionsByState[string(broker.StateDegraded)])
	states := make([]string, 0, len(g.SessionsByState))
	for s := range g.SessionsByState {
		states = append(states, s)
	}
	sort.Strings(states)
	assert.Equal(t, []string{"connecting", "degraded", "disconnected", "subscribed"}, states)
}

func TestEngineNewErrors(t *testing.T) {
	_, err := New(testConfig(1, mqttBroker("a", "#")), nil)
	assert.Error(t, err)

	cfg := testConfig(1, mqttBroker("a", "#"))
	cfg.Buffer.Overflow = "drop-random"
	_, err = New(cfg, openSink(t, newGateWriter(true)))
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	cfg = testConfig(1, mqttBroker("a", "#"), mqttBroker("a", "#"))
	_, err = New(cfg, openSink(t, newGateWriter(true)))
	assert.Error(t, err, "duplicate broker id")

	e, err := New(testConfig(1, mqttBroker("a", "#")), openSink(t, newGateWriter(true)))
	require.NoError(t, err)
	assert.NoError(t, e.Stop(context.Background()), "stop before start is a no-op")
}
