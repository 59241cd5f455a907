package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Default capture parameters.
const (
	DefaultSampleRate = 16000
	DefaultBlockSize  = 4000
	DefaultQueueDepth = 256
)

// DropReason says why a captured frame never reached the queue.
type DropReason string

const (
	// DropGated frames arrived while playback held the admission gate.
	DropGated DropReason = "gate"
	// DropQueueFull frames arrived while the consumer was behind.
	DropQueueFull DropReason = "queue_full"
)

// CaptureConfig configures a [Capture].
type CaptureConfig struct {
	// SampleRate of the device stream in Hz. Default: 16000.
	SampleRate int

	// BlockSize is the number of samples per frame. Default: 4000.
	BlockSize int

	// QueueDepth bounds the number of frames waiting for the consumer.
	// Default: 256.
	QueueDepth int

	// OnDrop, if set, is called from the device thread for every dropped
	// frame. It must not block.
	OnDrop func(DropReason)
}

// DropStats counts dropped frames by reason.
type DropStats struct {
	Gated     uint64
	QueueFull uint64
}

// Capture turns device callbacks into a bounded stream of fixed-size frames.
//
// The device callback never blocks on the consumer: frames that arrive while
// the admission gate is held are discarded, and frames that find the queue
// full are discarded too. Both are counted.
type Capture struct {
	dev  Device
	gate Admission
	cfg  CaptureConfig

	frames chan AudioFrame
	errs   chan error
	done   chan struct{}

	// pending is only touched from the device callback.
	pending []byte

	// mu guards sends on frames against the close in Close.
	mu     sync.Mutex
	closed bool

	gated     atomic.Uint64
	queueFull atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewCapture creates a capture over dev. gate may be nil, in which case every
// frame is admitted.
func NewCapture(dev Device, cfg CaptureConfig, gate Admission) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	return &Capture{
		dev:     dev,
		gate:    gate,
		cfg:     cfg,
		frames:  make(chan AudioFrame, cfg.QueueDepth),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		pending: make([]byte, 0, cfg.BlockSize*BytesPerSample*2),
	}
}

// FrameBytes returns the size in bytes of every frame this capture emits.
func (c *Capture) FrameBytes() int {
	return c.cfg.BlockSize * BytesPerSample
}

// SampleRate returns the configured sample rate.
func (c *Capture) SampleRate() int {
	return c.cfg.SampleRate
}

// Start begins capturing. Cancelling ctx stops the device and closes the
// frame channel.
func (c *Capture) Start(ctx context.Context) error {
	if err := c.dev.Start(c.onData); err != nil {
		return fmt.Errorf("audio: start device: %w", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case err := <-c.dev.Err():
			if err == nil {
				err = errors.New("device stopped")
			}
			slog.Error("audio device failed", "err", err)
			select {
			case c.errs <- fmt.Errorf("audio: device: %w", err):
			default:
			}
		case <-c.done:
		}
	}()
	return nil
}

// Frames returns the queue of admitted frames. It is closed by [Capture.Close].
func (c *Capture) Frames() <-chan AudioFrame {
	return c.frames
}

// Err delivers a fatal device failure.
func (c *Capture) Err() <-chan error {
	return c.errs
}

// Dropped returns the drop counters.
func (c *Capture) Dropped() DropStats {
	return DropStats{Gated: c.gated.Load(), QueueFull: c.queueFull.Load()}
}

// Close stops the device and releases the frame queue. Frames still queued
// can be drained by the consumer. Safe to call more than once.
func (c *Capture) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.dev.Close()

		c.mu.Lock()
		c.closed = true
		close(c.frames)
		c.mu.Unlock()
	})
	return c.closeErr
}

// onData runs on the device thread.
func (c *Capture) onData(pcm []byte) {
	c.pending = append(c.pending, pcm...)
	size := c.FrameBytes()
	for len(c.pending) >= size {
		data := make([]byte, size)
		copy(data, c.pending[:size])
		c.pending = append(c.pending[:0], c.pending[size:]...)
		c.admit(AudioFrame{Data: data, SampleRate: c.cfg.SampleRate, Captured: time.Now()})
	}
}

func (c *Capture) admit(f AudioFrame) {
	if c.gate != nil && c.gate.Held() {
		c.gated.Add(1)
		c.drop(DropGated)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.frames <- f:
	default:
		c.queueFull.Add(1)
		c.drop(DropQueueFull)
	}
}

func (c *Capture) drop(reason DropReason) {
	if c.cfg.OnDrop != nil {
		c.cfg.OnDrop(reason)
	}
}
