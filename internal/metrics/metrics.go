package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mqtt_capture"

// Drop reasons used as the "reason" label of the dropped counter.
const (
	DropOverflow   = "overflow"
	DropShutdown   = "shutdown"
	DropSinkFailed = "sink_failed"
)

// Metrics holds the Prometheus collectors of the capture engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	sessionState     *prometheus.GaugeVec
	sessionsByState  *prometheus.GaugeVec
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	recordsWritten   *prometheus.CounterVec
	reconnects       *prometheus.CounterVec
	bufferDepth      *prometheus.GaugeVec
	deniedFilters    *prometheus.GaugeVec
	appendLatency    prometheus.Histogram
	sinkErrors       prometheus.Counter
	lastSequence     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer skips registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state per broker (1 for the active state).",
		}, []string{"broker", "state"}),
		sessionsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of broker sessions per state.",
		}, []string{"state"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages received from each broker.",
		}, []string{"broker"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages discarded before reaching the sink.",
		}, []string{"broker", "reason"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Capture records committed to the sink.",
		}, []string{"broker"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Session reconnect attempts per broker.",
		}, []string{"broker"}),
		bufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_depth",
			Help:      "Messages waiting in each broker's buffer.",
		}, []string{"broker"}),
		deniedFilters: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "denied_filters",
			Help:      "Topic filters rejected by the broker in the current session.",
		}, []string{"broker"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_append_seconds",
			Help:      "Latency of sink appends.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		sinkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Sink write and flush failures.",
		}),
		lastSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_last_sequence",
			Help:      "Sequence number of the last committed record.",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.sessionState, m.sessionsByState, m.messagesReceived, m.messagesDropped,
			m.recordsWritten, m.reconnects, m.bufferDepth, m.deniedFilters,
			m.appendLatency, m.sinkErrors, m.lastSequence,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// SetSessionState marks state as the active state for broker.
func (m *Metrics) SetSessionState(broker, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(broker, s).Set(v)
	}
}

func (m *Metrics) SetSessionsByState(state string, n int) {
	if m == nil {
		return
	}
	m.sessionsByState.WithLabelValues(state).Set(float64(n))
}

func (m *Metrics) IncMessagesReceived(broker string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(broker).Inc()
}

func (m *Metrics) AddMessagesDropped(broker, reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesDropped.WithLabelValues(broker, reason).Add(float64(n))
}

func (m *Metrics) IncRecordsWritten(broker string) {
	if m == nil {
		return
	}
	m.recordsWritten.WithLabelValues(broker).Inc()
}

func (m *Metrics) IncReconnects(broker string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(broker).Inc()
}

func (m *Metrics) SetBufferDepth(broker string, n int) {
	if m == nil {
		return
	}
	m.bufferDepth.WithLabelValues(broker).Set(float64(n))
}

func (m *Metrics) SetDeniedFilters(broker string, n int) {
	if m == nil {
		return
	}
	m.deniedFilters.WithLabelValues(broker).Set(float64(n))
}

func (m *Metrics) ObserveAppendLatency(seconds float64) {
	if m == nil {
		return
	}
	m.appendLatency.Observe(seconds)
}

func (m *Metrics) IncSinkErrors() {
	if m == nil {
		return
	}
	m.sinkErrors.Inc()
}

func (m *Metrics) SetLastSequence(seq uint64) {
	if m == nil {
		return
	}
	m.lastSequence.Set(float64(seq))
}
