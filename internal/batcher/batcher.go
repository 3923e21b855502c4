// Package batcher coalesces high-rate per-key events before they reach the
// hub. Agent state updates arrive far faster than clients can usefully
// render; only the newest event per key within the debounce window matters.
package batcher

import (
	"sync"
	"time"

	"agentworks/pkg/logging"
)

// KeyedEvent pairs a coalescing key with its newest event.
type KeyedEvent[T any] struct {
	Key   string
	Event T
}

// Sink receives flushed batches in insertion order (by first enqueue of each
// key). Errors and panics are contained; later batches still deliver.
type Sink[T any] func(batch []KeyedEvent[T]) error

// Options tune the batcher. Zero values take the defaults. Debounce flushes
// early once the stream pauses; BatchWindow bounds how long a busy stream can
// hold a batch back.
type Options struct {
	BatchWindow       time.Duration // default 100ms
	MaxEventsPerBatch int           // default 50
	Debounce          time.Duration // default 50ms
}

// Stats is a point-in-time snapshot of batcher counters.
type Stats struct {
	Queued       int
	DroppedCount int64
	FlushCount   int64
}

// Batcher coalesces (key, event) pairs. For each key only the newest event
// is retained; when the queue hits MaxEventsPerBatch the oldest key is
// dropped and accounted.
type Batcher[T any] struct {
	opts   Options
	sink   Sink[T]
	logger logging.Entry

	mu      sync.Mutex
	pending map[string]T
	order   []string    // keys by first-enqueue order
	window  *time.Timer // fires BatchWindow after the first enqueue
	quiet   *time.Timer // fires when the stream pauses for Debounce
	stopped bool

	dropped    int64
	flushCount int64
}

// New creates a batcher delivering to sink. Call Stop to flush and shut down.
func New[T any](opts Options, sink Sink[T], logger logging.Logger) *Batcher[T] {
	if opts.BatchWindow <= 0 {
		opts.BatchWindow = 100 * time.Millisecond
	}
	if opts.MaxEventsPerBatch <= 0 {
		opts.MaxEventsPerBatch = 50
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 50 * time.Millisecond
	}
	return &Batcher[T]{
		opts:    opts,
		sink:    sink,
		logger:  logging.WithComponent(logger, "batcher"),
		pending: make(map[string]T),
	}
}

// Enqueue records an event for key. After Stop it is a no-op.
func (b *Batcher[T]) Enqueue(key string, event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return
	}

	if _, ok := b.pending[key]; ok {
		// Same-key events coalesce: the newest wins, the enqueue position
		// is kept.
		b.pending[key] = event
		b.resetQuietLocked()
		return
	}

	if len(b.order) >= b.opts.MaxEventsPerBatch {
		// Drop the oldest queued key to stay bounded.
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.pending, oldest)
		b.dropped++
	}

	b.pending[key] = event
	b.order = append(b.order, key)

	if b.window == nil {
		b.window = time.AfterFunc(b.opts.BatchWindow, b.flushTimer)
	}
	b.resetQuietLocked()
}

// resetQuietLocked re-arms the debounce timer. Each enqueue pushes the early
// flush out; the window timer caps total hold time. Caller holds b.mu.
func (b *Batcher[T]) resetQuietLocked() {
	if b.quiet != nil {
		b.quiet.Stop()
	}
	b.quiet = time.AfterFunc(b.opts.Debounce, b.flushTimer)
}

// stopTimersLocked disarms both timers. Caller holds b.mu.
func (b *Batcher[T]) stopTimersLocked() {
	if b.window != nil {
		b.window.Stop()
		b.window = nil
	}
	if b.quiet != nil {
		b.quiet.Stop()
		b.quiet = nil
	}
}

func (b *Batcher[T]) flushTimer() {
	b.mu.Lock()
	b.stopTimersLocked()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.deliver(batch)
}

// Flush delivers everything queued right now, synchronously.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	b.stopTimersLocked()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.deliver(batch)
}

// Stop flushes pending events synchronously and rejects further enqueues.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.stopTimersLocked()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.deliver(batch)
}

// takeLocked drains the queue. Caller holds b.mu.
func (b *Batcher[T]) takeLocked() []KeyedEvent[T] {
	if len(b.order) == 0 {
		return nil
	}
	batch := make([]KeyedEvent[T], 0, len(b.order))
	for _, key := range b.order {
		batch = append(batch, KeyedEvent[T]{Key: key, Event: b.pending[key]})
	}
	b.pending = make(map[string]T)
	b.order = b.order[:0]
	return batch
}

// deliver hands a batch to the sink, containing any failure.
func (b *Batcher[T]) deliver(batch []KeyedEvent[T]) {
	if len(batch) == 0 {
		return
	}

	b.mu.Lock()
	b.flushCount++
	b.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			b.logger.WithField("panic", r).Error("Batch sink panicked")
		}
	}()

	if err := b.sink(batch); err != nil {
		b.logger.WithError(err).WithField("batch_size", len(batch)).Error("Batch sink failed")
	}
}

// Stats returns current counters.
func (b *Batcher[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Queued:       len(b.order),
		DroppedCount: b.dropped,
		FlushCount:   b.flushCount,
	}
}

// ResetDroppedCount zeroes the drop counter and returns the previous value.
func (b *Batcher[T]) ResetDroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev := b.dropped
	b.dropped = 0
	return prev
}
