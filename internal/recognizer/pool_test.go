package recognizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_LimitsConcurrency(t *testing.T) {
	t.Parallel()

	p := NewPool(2, 10, nil)
	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPool_RejectsWhenSaturated(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 1, nil)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error { return nil })
	}()
	for p.Pending() < 2 {
		time.Sleep(time.Millisecond)
	}

	err := p.Do(context.Background(), func(context.Context) error { return nil })
	if !errors.Is(err, ErrPoolSaturated) {
		t.Errorf("err = %v, want ErrPoolSaturated", err)
	}
	close(release)
}

func TestPool_WrapsErrorsAndPanics(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 0, nil)
	errBoom := errors.New("boom")

	err := p.Do(context.Background(), func(context.Context) error { return errBoom })
	if !errors.Is(err, ErrDecodeFailure) || !errors.Is(err, errBoom) {
		t.Errorf("err = %v", err)
	}
	err = p.Do(context.Background(), func(context.Context) error { panic("kaboom") })
	if !errors.Is(err, ErrDecodeFailure) {
		t.Errorf("panic err = %v", err)
	}
	if err := p.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("slot leaked after panic: %v", err)
	}
}

func TestPool_CancelledWhileWaiting(t *testing.T) {
	t.Parallel()

	p := NewPool(1, 4, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Do(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}
