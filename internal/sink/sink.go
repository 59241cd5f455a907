// Package sink delivers pipeline events to presentation layers. Delivery is
// fire-and-forget: [Fanout.Push] never blocks the pipeline, and a publisher
// that falls behind loses events instead of applying backpressure.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind classifies an [Event].
type Kind string

const (
	// KindPartial carries an in-progress transcript.
	KindPartial Kind = "partial"
	// KindTurn carries a completed turn: recognized text and reply.
	KindTurn Kind = "turn"
)

// Event is one observation of the pipeline.
type Event struct {
	Kind       Kind      `json:"kind"`
	SessionID  string    `json:"session_id"`
	TurnID     string    `json:"turn_id,omitempty"`
	Recognized string    `json:"recognized"`
	Reply      string    `json:"reply,omitempty"`
	Fallback   bool      `json:"fallback,omitempty"`
	At         time.Time `json:"at"`
}

// Sink accepts events without blocking.
type Sink interface {
	Push(e Event)
}

// Publisher delivers events to one backend. Publish may block; [Fanout]
// calls it from a dedicated goroutine.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// DefaultBuffer is the per-publisher event buffer of a [Fanout].
const DefaultBuffer = 64

// publishTimeout bounds one Publish call.
const publishTimeout = 5 * time.Second

// Discard is a [Sink] that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Push(Event) {}

// Fanout is a [Sink] that copies every event to a set of publishers, each
// behind its own bounded buffer.
type Fanout struct {
	mu      sync.RWMutex
	closed  bool
	workers []*worker
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

type worker struct {
	name string
	pub  Publisher
	ch   chan Event
}

var _ Sink = (*Fanout)(nil)

// NewFanout starts one delivery goroutine per publisher. buffer <= 0 uses
// [DefaultBuffer].
func NewFanout(buffer int, pubs ...Publisher) *Fanout {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	f := &Fanout{}
	for _, p := range pubs {
		w := &worker{name: fmt.Sprintf("%T", p), pub: p, ch: make(chan Event, buffer)}
		f.workers = append(f.workers, w)
		f.wg.Add(1)
		go f.run(w)
	}
	return f
}

func (f *Fanout) run(w *worker) {
	defer f.wg.Done()
	for e := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := w.pub.Publish(ctx, e); err != nil {
			slog.Warn("sink: publish failed", "publisher", w.name, "kind", e.Kind, "err", err)
		}
		cancel()
	}
}

// Push offers e to every publisher. Publishers whose buffer is full miss e.
func (f *Fanout) Push(e Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, w := range f.workers {
		select {
		case w.ch <- e:
		default:
			f.dropped.Add(1)
			slog.Debug("sink: buffer full, event dropped", "publisher", w.name, "kind", e.Kind)
		}
	}
}

// Dropped returns the number of deliveries lost to full buffers.
func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

// Close drains buffered events, then closes every publisher.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, w := range f.workers {
		close(w.ch)
	}
	f.mu.Unlock()

	f.wg.Wait()
	var errs []error
	for _, w := range f.workers {
		if err := w.pub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("sink: close %s: %w", w.name, err))
		}
	}
	return errors.Join(errs...)
}

// Log is a [Publisher] that writes completed turns to the default logger.
type Log struct{}

// Publish implements [Publisher].
func (Log) Publish(_ context.Context, e Event) error {
	if e.Kind != KindTurn {
		return nil
	}
	slog.Info("turn", "session_id", e.SessionID, "turn_id", e.TurnID,
		"recognized", e.Recognized, "reply", e.Reply, "fallback", e.Fallback)
	return nil
}

// Close implements [Publisher].
func (Log) Close() error { return nil }
