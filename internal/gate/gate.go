// Package gate provides the admission gate that keeps the capture path from
// hearing the pipeline's own synthesized speech.
//
// A [Gate] is a session-scoped flag. The synthesis side holds it while a
// segment is being played; the realtime capture callback only reads it and
// drops frames while it is held. Holders must release through the function
// returned by [Gate.Acquire], normally with defer, so that every exit path
// leaves the gate open.
package gate

import (
	"sync"
	"sync/atomic"
)

// Gate is safe for concurrent use. Held never blocks.
type Gate struct {
	held     atomic.Bool
	observer func(held bool)

	// mu serializes transitions so observers see them in order.
	mu sync.Mutex
}

// Option configures a [Gate].
type Option func(*Gate)

// WithObserver registers fn to be called on every transition. fn runs on the
// goroutine of the holder and must not call back into the gate.
func WithObserver(fn func(held bool)) Option {
	return func(g *Gate) { g.observer = fn }
}

// New returns an open gate.
func New(opts ...Option) *Gate {
	g := &Gate{}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Acquire closes the gate and returns the function that reopens it. The
// returned function is idempotent.
//
// There is one logical holder at a time; acquiring an already held gate is a
// programming error and panics.
func (g *Gate) Acquire() (release func()) {
	g.set(true)
	var once sync.Once
	return func() {
		once.Do(func() { g.set(false) })
	}
}

// Held reports whether playback currently holds the gate.
func (g *Gate) Held() bool {
	return g.held.Load()
}

func (g *Gate) set(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held.CompareAndSwap(!v, v) {
		if v {
			panic("gate: acquired while already held")
		}
		return
	}
	if g.observer != nil {
		g.observer(v)
	}
}
