// Package stats keeps capture-wide counters and a bounded log of recent
// session events for the status endpoint.
package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// StatsCollector manages capture-wide statistics
type StatsCollector struct {
	StartTime        time.Time
	MessagesReceived uint64
	RecordsWritten   uint64
	MessagesDropped  uint64
	Reconnects       uint64
	SinkErrors       uint64

	mu         sync.RWMutex
	lastUpdate time.Time
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		StartTime:  now,
		lastUpdate: now,
	}
}

// Update replaces the counters with the latest totals
func (s *StatsCollector) Update(received, written, dropped, reconnects, sinkErrors uint64) {
	atomic.StoreUint64(&s.MessagesReceived, received)
	atomic.StoreUint64(&s.RecordsWritten, written)
	atomic.StoreUint64(&s.MessagesDropped, dropped)
	atomic.StoreUint64(&s.Reconnects, reconnects)
	atomic.StoreUint64(&s.SinkErrors, sinkErrors)

	s.mu.Lock()
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}

// LastUpdate returns when Update was last called
func (s *StatsCollector) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":            uptime.String(),
		"messages_received": atomic.LoadUint64(&s.MessagesReceived),
		"records_written":   atomic.LoadUint64(&s.RecordsWritten),
		"messages_dropped":  atomic.LoadUint64(&s.MessagesDropped),
		"reconnects":        atomic.LoadUint64(&s.Reconnects),
		"sink_errors":       atomic.LoadUint64(&s.SinkErrors),
		"write_rate":        s.CalculateRate(),
		"last_update":       s.LastUpdate(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns records written per second since start
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.RecordsWritten)) / uptime
}
