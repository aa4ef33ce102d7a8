package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives permission check audit entries.
type Sink interface {
	RecordCheck(ctx context.Context, entry CheckEntry) error
}

// ErrSinkClosed is returned when recording into a closed AsyncSink.
var ErrSinkClosed = errors.New("audit: sink closed")

// AsyncSink buffers entries and writes them from a single goroutine so the
// check path never waits on storage. Entries are dropped when the buffer is full.
type AsyncSink struct {
	next    Sink
	logger  *slog.Logger
	timeout time.Duration
	dropped prometheus.Counter

	mu     sync.RWMutex
	closed bool
	queue  chan CheckEntry
	done   chan struct{}
}

// NewAsyncSink starts the background writer.
func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		next:    next,
		logger:  logger.With(slog.String("component", "audit.async")),
		timeout: 5 * time.Second,
		queue:   make(chan CheckEntry, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// WithMetrics registers authz_audit_dropped_total, counting entries lost to a
// full buffer. Call before the sink receives entries.
func (s *AsyncSink) WithMetrics(registerer prometheus.Registerer) *AsyncSink {
	if registerer == nil {
		return s
	}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_audit_dropped_total",
		Help: "Permission check audit entries dropped because the buffer was full.",
	})
	registerer.MustRegister(dropped)
	s.dropped = dropped
	return s
}

// RecordCheck enqueues the entry without blocking.
func (s *AsyncSink) RecordCheck(_ context.Context, entry CheckEntry) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- entry:
		return nil
	default:
		if s.dropped != nil {
			s.dropped.Inc()
		}
		s.logger.Warn("audit buffer full, dropping check entry",
			slog.String("principal_id", entry.PrincipalID),
			slog.String("action", entry.Action))
		return nil
	}
}

// Close stops accepting entries and waits until the buffer is drained or ctx ends.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.next.RecordCheck(ctx, entry); err != nil {
			s.logger.Error("write check audit", slog.String("principal_id", entry.PrincipalID), slog.Any("error", err))
		}
		cancel()
	}
}
