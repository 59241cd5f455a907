package recognizer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/kaiwa/internal/observe"
)

var (
	// ErrPoolSaturated is returned when the decode queue is full. The caller
	// closes the session; the client may reconnect later.
	ErrPoolSaturated = errors.New("recognizer: decode pool saturated")

	// ErrDecodeFailure wraps any error or panic raised by the decoder.
	ErrDecodeFailure = errors.New("recognizer: decode failure")
)

// DefaultQueueDepth is the number of decode tasks allowed to wait per worker.
const DefaultQueueDepth = 4

// Pool bounds decode work across sessions. At most Workers tasks run at once;
// at most QueueDepth more may wait. Tasks beyond that are rejected with
// [ErrPoolSaturated] instead of queuing without bound.
type Pool struct {
	sem      *semaphore.Weighted
	workers  int
	capacity int64
	pending  atomic.Int64 // running + waiting
	metrics  *observe.Metrics
}

// NewPool creates a pool. workers <= 0 uses GOMAXPROCS; queueDepth < 0 uses
// workers*DefaultQueueDepth.
func NewPool(workers, queueDepth int, metrics *observe.Metrics) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if queueDepth < 0 {
		queueDepth = workers * DefaultQueueDepth
	}
	return &Pool{
		sem:      semaphore.NewWeighted(int64(workers)),
		workers:  workers,
		capacity: int64(workers + queueDepth),
		metrics:  metrics,
	}
}

// Workers returns the number of concurrent decode slots.
func (p *Pool) Workers() int { return p.workers }

// Pending returns the number of tasks running or waiting.
func (p *Pool) Pending() int64 { return p.pending.Load() }

// Do runs fn on a decode slot and blocks until it returns. A panic in fn is
// recovered and reported as [ErrDecodeFailure], as is any error fn returns.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if p.pending.Add(1) > p.capacity {
		p.pending.Add(-1)
		return ErrPoolSaturated
	}
	defer p.pending.Add(-1)

	p.addQueued(ctx, 1)
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.addQueued(ctx, -1)
		return err
	}
	p.addQueued(ctx, -1)
	p.addInFlight(ctx, 1)
	defer func() {
		p.addInFlight(ctx, -1)
		p.sem.Release(1)
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrDecodeFailure, r)
		}
	}()

	start := time.Now()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrDecodeFailure, err)
	}
	if p.metrics != nil {
		p.metrics.ASRDecodeDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

func (p *Pool) addQueued(ctx context.Context, d int64) {
	if p.metrics != nil {
		p.metrics.PoolQueued.Add(ctx, d)
	}
}

func (p *Pool) addInFlight(ctx context.Context, d int64) {
	if p.metrics != nil {
		p.metrics.PoolInFlight.Add(ctx, d)
	}
}
