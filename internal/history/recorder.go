package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Recorder decouples event producers from sink latency: Record never blocks
// the decode path. Events beyond the buffer are dropped and counted rather
// than stalling a frame.
type Recorder struct {
	sink Sink
	log  *slog.Logger
	ch   chan Event

	mu      sync.Mutex
	dropped uint64
	closed  bool

	done chan struct{}
}

// NewRecorder starts the drain goroutine. buffer <= 0 gets a small default.
func NewRecorder(sink Sink, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		sink: sink,
		log:  log,
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
	go r.drain()
	return r
}

// Record enqueues an event, stamping OccurredAt when unset.
func (r *Recorder) Record(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	select {
	case r.ch <- e:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close flushes buffered events and closes the sink if it supports closing.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.ch)
	<-r.done
	if c, ok := r.sink.(Closer); ok {
		return c.Close()
	}
	return nil
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.sink.Send(ctx, e); err != nil {
			r.log.Warn("history sink send failed", "type", e.Type, "error", err)
		}
		cancel()
	}
}
