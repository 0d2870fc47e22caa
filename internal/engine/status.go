package engine

import (
	"encoding/json"
	"net/http"
	"time"

	"mqtt-capture/internal/broker"
	"mqtt-capture/internal/metrics"
	"mqtt-capture/internal/stats"
	"mqtt-capture/internal/supervisor"
)

// recentEvents is how many events the status document carries.
const recentEvents = 50

// BrokerSnapshot extends the supervisor's broker status with the
// pipeline's accounting for that broker.
type BrokerSnapshot struct {
	supervisor.BrokerStatus
	Written  uint64  `json:"written"`
	Dropped  Dropped `json:"dropped"`
	Buffered int     `json:"buffered"`
	Capacity int     `json:"capacity"`
}

// Dropped counts discarded messages by reason.
type Dropped struct {
	Overflow   uint64 `json:"overflow"`
	Shutdown   uint64 `json:"shutdown"`
	SinkFailed uint64 `json:"sinkFailed"`
}

// Total sums all reasons.
func (d Dropped) Total() uint64 { return d.Overflow + d.Shutdown + d.SinkFailed }

type SinkSnapshot struct {
	Written      uint64 `json:"written"`
	LastSequence uint64 `json:"lastSequence"`
	Failed       bool   `json:"failed"`
	Error        string `json:"error,omitempty"`
}

type Totals struct {
	Received uint64 `json:"received"`
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Buffered int    `json:"buffered"`
}

// Snapshot is the run status served on /status.
type Snapshot struct {
	RunID     string                 `json:"runId"`
	StartedAt time.Time              `json:"startedAt"`
	Uptime    string                 `json:"uptime"`
	Health    map[string]int         `json:"health"`
	Brokers   []BrokerSnapshot       `json:"brokers"`
	Sink      SinkSnapshot           `json:"sink"`
	Totals    Totals                 `json:"totals"`
	Stats     map[string]interface{} `json:"stats"`
	Events    []stats.Event          `json:"events"`
}

// Snapshot gathers the current status. Reading it never blocks capture
// beyond the sink's mutex for two counters.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	startedAt := e.startedAt
	e.mu.Unlock()

	snap := Snapshot{
		RunID:     e.runID,
		StartedAt: startedAt,
		Health:    make(map[string]int, len(broker.States)),
		Events:    e.events.Recent(recentEvents),
	}
	if !startedAt.IsZero() {
		snap.Uptime = e.clock.Now().Sub(startedAt).Round(time.Second).String()
	}
	for state, n := range e.supervisor.Health() {
		snap.Health[string(state)] = n
	}

	var reconnects uint64
	for _, st := range e.supervisor.Brokers() {
		c := e.counters[st.ID]
		discarded := c.discarded.Load()
		b := BrokerSnapshot{
			BrokerStatus: st,
			Written:      c.written.Load(),
			Buffered:     c.queue.Len(),
			Capacity:     c.queue.Cap(),
			Dropped: Dropped{
				Overflow:   c.queue.Dropped() - discarded,
				Shutdown:   c.shutdown.Load(),
				SinkFailed: c.sinkFailed.Load(),
			},
		}
		snap.Brokers = append(snap.Brokers, b)

		snap.Totals.Received += st.Received
		snap.Totals.Written += b.Written
		snap.Totals.Dropped += b.Dropped.Total()
		snap.Totals.Buffered += b.Buffered
		reconnects += st.Reconnects
	}

	snap.Sink = SinkSnapshot{
		Written:      e.sink.Written(),
		LastSequence: e.sink.LastSequence(),
	}
	var sinkErrors uint64
	if err := e.sink.Err(); err != nil {
		snap.Sink.Failed = true
		snap.Sink.Error = err.Error()
		sinkErrors = 1
	}

	e.stats.Update(snap.Totals.Received, snap.Totals.Written, snap.Totals.Dropped, reconnects, sinkErrors)
	snap.Stats = e.stats.GetStats()
	return snap
}

// Gauges implements metrics.GaugeSource.
func (e *Engine) Gauges() metrics.Gauges {
	g := metrics.Gauges{
		BufferDepth:     make(map[string]int, len(e.brokers)),
		SessionsByState: make(map[string]int, len(broker.States)),
		LastSequence:    e.sink.LastSequence(),
	}
	for _, id := range e.brokers {
		g.BufferDepth[id] = e.counters[id].queue.Len()
	}
	for state, n := range e.supervisor.Health() {
		g.SessionsByState[string(state)] = n
	}
	return g
}

// ServeHTTP serves the snapshot as JSON.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(e.Snapshot()); err != nil {
		e.logger.Warn("failed to write status", "error", err)
	}
}
