package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"robot-orchestrator/internal/platform/metrics"
)

const (
	// DefaultFlushInterval is how often buffered events are written to the
	// sink. Batching bounds write amplification; events are never written
	// one at a time.
	DefaultFlushInterval = time.Second
	// maxBuffered caps the in-memory buffer; when the sink is down long
	// enough to hit it, the oldest events are dropped with a warning.
	maxBuffered = 1024
)

// Buffer accumulates events in memory and flushes them to the sink on a
// fixed wall-clock interval. On flush failure the batch is kept and
// retried on the next tick.
type Buffer struct {
	sink     Sink
	log      *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	mu      sync.Mutex
	pending []Event
}

// NewBuffer returns a Buffer flushing to sink every interval. If interval
// <= 0, DefaultFlushInterval is used. Metrics may be nil.
func NewBuffer(sink Sink, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *Buffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Buffer{sink: sink, log: log, metrics: m, interval: interval}
}

// Add appends an event to the buffer. It never blocks on the sink.
func (b *Buffer) Add(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= maxBuffered {
		b.log.Warn("event buffer full, dropping oldest event",
			slog.String("dropped_type", b.pending[0].Type))
		b.pending = b.pending[1:]
	}
	b.pending = append(b.pending, ev)
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs one final flush so a clean shutdown loses nothing.
func (b *Buffer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(ctx)
		}
	}
}

// Flush writes all pending events to the sink in one batch. On failure the
// batch is restored for the next attempt.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := b.sink.AppendBatch(ctx, batch); err != nil {
		b.log.Error("event flush failed, batch retained",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()))
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		if len(b.pending) > maxBuffered {
			b.pending = b.pending[len(b.pending)-maxBuffered:]
		}
		b.mu.Unlock()
		return
	}

	b.log.Debug("events flushed", slog.Int("count", len(batch)))
	if b.metrics != nil {
		b.metrics.AddEventsFlushed(len(batch))
	}
}

// Pending returns the number of buffered events. Used in tests.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
