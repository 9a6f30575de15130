// Package observability records analysis outcomes asynchronously and
// reports process health.
//
// Persistence is non-blocking: when the buffer is full an event is dropped
// and counted rather than applying backpressure to the request path.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/farahaniamin/WpDetectionBot/idgen"
)

// Event is one outcome record.
type Event struct {
	ID       string
	Time     time.Time
	UserID   int64
	Origin   string
	Kind     string // "ok", "cached", "rejected", "failed", "queue_full"
	OK       bool
	Duration time.Duration
	Error    string
}

// Sink persists a batch of events.
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) WriteEvents(ctx context.Context, events []Event) error { return f(ctx, events) }

// EventLogger buffers events and flushes them to a Sink in batches.
type EventLogger struct {
	sink          Sink
	newID         idgen.Generator
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	ch        chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	dropped   atomic.Int64
}

// EventLoggerOption configures an EventLogger.
type EventLoggerOption func(*EventLogger)

// WithEventIDGenerator sets a custom ID generator for event IDs.
func WithEventIDGenerator(gen idgen.Generator) EventLoggerOption {
	return func(l *EventLogger) { l.newID = gen }
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) EventLoggerOption {
	return func(l *EventLogger) { l.logger = logger }
}

// WithFlushInterval sets how often a partial batch is written. Default: 1s.
func WithFlushInterval(d time.Duration) EventLoggerOption {
	return func(l *EventLogger) { l.flushInterval = d }
}

// WithBatchSize sets the batch size that triggers an immediate write.
// Default: 100.
func WithBatchSize(n int) EventLoggerOption {
	return func(l *EventLogger) { l.batchSize = n }
}

// NewEventLogger starts an async logger. Recommended bufferSize: 1000.
func NewEventLogger(sink Sink, bufferSize int, opts ...EventLoggerOption) *EventLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	l := &EventLogger{
		sink:          sink,
		newID:         idgen.Prefixed("evt_", idgen.Default),
		logger:        slog.Default(),
		batchSize:     100,
		flushInterval: time.Second,
		ch:            make(chan Event, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	go l.flushLoop()
	return l
}

// Log queues e. It never blocks; a full buffer drops the event.
func (l *EventLogger) Log(e Event) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case <-l.stop:
		l.dropped.Add(1)
		return
	default:
	}
	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
		l.logger.Warn("observability: event buffer full, dropping", "kind", e.Kind)
	}
}

// Dropped returns how many events were discarded.
func (l *EventLogger) Dropped() int64 { return l.dropped.Load() }

// Close drains the buffer and stops the flush goroutine.
func (l *EventLogger) Close() error {
	l.closeOnce.Do(func() { close(l.stop) })
	<-l.done
	return nil
}

func (l *EventLogger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := l.sink.WriteEvents(ctx, batch); err != nil {
			l.logger.Error("observability: write events", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
