// Package sink commits capture records to durable storage. A Sink owns
// the sequence counter and serializes every write; Writers only encode
// and persist.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mqtt-capture/internal/capture"
	"mqtt-capture/internal/logger"
	"mqtt-capture/internal/metrics"
)

var (
	// ErrSinkFailed is returned by Append once a write has failed.
	ErrSinkFailed = errors.New("capture sink failed")
	// ErrSinkClosed is returned by Append after Close.
	ErrSinkClosed = errors.New("capture sink closed")
)

// WriteError describes the write that put the sink into failed state.
// It matches ErrSinkFailed with errors.Is.
type WriteError struct {
	Op       string // "write" or "flush"
	Sequence uint64
	Err      error

	// Lost counts, per broker, records that Append had acknowledged but
	// that were still buffered by the writer when it failed. They are not
	// in storage. FirstLost is the lowest of their sequence numbers.
	Lost      map[string]int
	FirstLost uint64
}

func (e *WriteError) Error() string {
	msg := fmt.Sprintf("capture sink write of record %d failed: %v", e.Sequence, e.Err)
	if e.Op == "flush" {
		msg = fmt.Sprintf("capture sink flush failed: %v", e.Err)
	}
	if n := e.LostCount(); n > 0 {
		msg += fmt.Sprintf(" (%d buffered records from sequence %d lost)", n, e.FirstLost)
	}
	return msg
}

// LostCount sums Lost.
func (e *WriteError) LostCount() int {
	n := 0
	for _, c := range e.Lost {
		n += c
	}
	return n
}

func (e *WriteError) Unwrap() []error { return []error{ErrSinkFailed, e.Err} }

// Writer persists records. Calls are serialized by the Sink. Write must
// persist the whole record or nothing.
type Writer interface {
	Write(ctx context.Context, rec capture.Record) error
	Flush(ctx context.Context) error
	// LastSequence reports the highest sequence already stored, 0 if none.
	LastSequence(ctx context.Context) (uint64, error)
	Close(ctx context.Context) error
}

// BufferedWriter is a Writer that holds records in memory until they are
// flushed. A record passed to Write stays buffered until a Flush stores
// it or Discard drops it, including when Write itself failed. After a
// failed Flush, Buffered reports the records that did not reach storage.
type BufferedWriter interface {
	Writer
	Buffered() int
	Discard()
}

type pendingRecord struct {
	seq    uint64
	broker string
}

// Sink assigns sequence numbers and writes records through a Writer.
// It is the only component shared by all producers.
type Sink struct {
	mu      sync.Mutex
	writer  Writer
	bw      BufferedWriter // nil when writes are stored immediately
	pending []pendingRecord
	seq     uint64
	written uint64
	err     error
	closed  bool

	failed     chan struct{}
	failedOnce sync.Once

	logger        *logger.Logger
	metrics       *metrics.Metrics
	flushInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

type Option func(*Sink)

func WithLogger(l *logger.Logger) Option { return func(s *Sink) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sink) { s.metrics = m } }

// WithFlushInterval enables the periodic flush loop.
func WithFlushInterval(d time.Duration) Option { return func(s *Sink) { s.flushInterval = d } }

// Open creates a Sink over w, resuming the sequence from what w already
// holds.
func Open(ctx context.Context, w Writer, opts ...Option) (*Sink, error) {
	last, err := w.LastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read last sequence: %w", err)
	}

	s := &Sink{
		writer: w,
		seq:    last,
		failed: make(chan struct{}),
		logger: logger.NewNop(),
		stop:   make(chan struct{}),
	}
	s.bw, _ = w.(BufferedWriter)
	for _, opt := range opts {
		opt(s)
	}
	s.metrics.SetLastSequence(last)

	if last > 0 {
		s.logger.Info("resuming capture sequence", "lastSequence", last)
	}

	if s.flushInterval > 0 {
		s.wg.Add(1)
		go s.flushLoop()
	}
	return s, nil
}

// Append assigns the next sequence number to rec and writes it. The
// counter only advances when the write succeeds. If the writer buffers,
// an acknowledged record is only durable after the next flush; a failed
// flush reports it in WriteError.Lost and rewinds the counter.
func (s *Sink) Append(ctx context.Context, rec capture.Record) (uint64, error) {
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSinkClosed
	}
	if s.err != nil {
		return 0, ErrSinkFailed
	}

	next := s.seq + 1
	err := s.writer.Write(ctx, rec.WithSequence(next))
	if s.bw != nil {
		s.pending = append(s.pending, pendingRecord{seq: next, broker: rec.BrokerID})
		s.settle()
	}
	if err != nil {
		return 0, s.fail(&WriteError{Op: "write", Sequence: next, Err: err}, next)
	}
	s.seq = next
	s.written++

	s.metrics.ObserveAppendLatency(time.Since(start).Seconds())
	s.metrics.IncRecordsWritten(rec.BrokerID)
	s.metrics.SetLastSequence(next)
	return next, nil
}

// Flush pushes buffered records to storage.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *Sink) flushLocked(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	err := s.writer.Flush(ctx)
	if s.bw != nil {
		s.settle()
	}
	if err != nil {
		return s.fail(&WriteError{Op: "flush", Sequence: s.seq, Err: err}, 0)
	}
	return nil
}

// settle drops pending entries the writer has stored. Callers hold s.mu.
func (s *Sink) settle() {
	n := s.bw.Buffered()
	if n < len(s.pending) {
		s.pending = append(s.pending[:0], s.pending[len(s.pending)-n:]...)
	}
}

// fail records the first failure. Records still pending in a buffering
// writer are discarded and reported as lost; the record being written,
// if any, is reported to the caller of Append instead. Callers hold s.mu.
func (s *Sink) fail(err *WriteError, current uint64) error {
	lost := s.pending
	if n := len(lost); n > 0 && lost[n-1].seq == current {
		lost = lost[:n-1]
	}
	if len(lost) > 0 {
		err.Lost = make(map[string]int)
		for _, p := range lost {
			err.Lost[p.broker]++
		}
		err.FirstLost = lost[0].seq
		s.written -= uint64(len(lost))
		s.seq = lost[0].seq - 1
		s.metrics.SetLastSequence(s.seq)
	}
	s.pending = nil
	if s.bw != nil {
		s.bw.Discard()
	}

	s.err = err
	s.metrics.IncSinkErrors()
	s.failedOnce.Do(func() {
		s.logger.Error("capture sink failed", "error", err)
		close(s.failed)
	})
	return err
}

// Failed is closed when the sink enters failed state.
func (s *Sink) Failed() <-chan struct{} { return s.failed }

// Err returns the failure that stopped the sink, or nil.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// LastSequence returns the most recently committed sequence number.
func (s *Sink) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Written returns the number of records appended by this Sink.
func (s *Sink) Written() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				return
			}
		case <-s.stop:
			return
		}
	}
}

// Close stops the flush loop, flushes and closes the writer. The failure
// that stopped the sink, if any, is returned.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	flushErr := s.flushLocked(ctx)
	if err := s.writer.Close(ctx); err != nil && flushErr == nil {
		return fmt.Errorf("failed to close capture writer: %w", err)
	}
	s.logger.Info("capture sink closed", "written", s.written, "lastSequence", s.seq)
	return flushErr
}
