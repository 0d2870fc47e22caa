package metrics

import (
	"sync"
	"time"
)

// Gauges is a point-in-time reading of engine state that is cheaper to
// sample than to push on every change.
type Gauges struct {
	BufferDepth     map[string]int // broker id -> queued messages
	SessionsByState map[string]int // state -> session count
	LastSequence    uint64
}

// GaugeSource produces Gauges on demand.
type GaugeSource interface {
	Gauges() Gauges
}

// MetricsCollector periodically samples a GaugeSource into Metrics.
type MetricsCollector struct {
	metrics  *Metrics
	source   GaugeSource
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

func NewMetricsCollector(m *Metrics, source GaugeSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  m,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.Collect()
		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stop:
				return
			}
		}
	}()
}

// Collect samples the source once.
func (c *MetricsCollector) Collect() {
	g := c.source.Gauges()
	for broker, depth := range g.BufferDepth {
		c.metrics.SetBufferDepth(broker, depth)
	}
	for state, n := range g.SessionsByState {
		c.metrics.SetSessionsByState(state, n)
	}
	c.metrics.SetLastSequence(g.LastSequence)
}

func (c *MetricsCollector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}
