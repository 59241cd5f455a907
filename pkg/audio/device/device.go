// Package device implements [audio.Device] on top of miniaudio via
// github.com/gen2brain/malgo.
package device

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/kaiwa/pkg/audio"
)

var _ audio.Device = (*Capture)(nil)

// Info describes one audio endpoint.
type Info struct {
	Index     int
	Name      string
	IsDefault bool
}

// Config selects and configures a capture device.
type Config struct {
	// Selector picks the device: empty for the system default, a decimal
	// index into [List], or a case-insensitive substring of the device name.
	Selector string

	SampleRate int

	// PeriodMs is the device callback period. Default: 20.
	PeriodMs int
}

// Capture is a mono s16le capture device.
type Capture struct {
	cfg    Config
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	errs   chan error
	mu     sync.Mutex
	closed bool
}

// Open initializes a miniaudio context with realtime thread priority and
// resolves cfg.Selector. The device is not started until [Capture.Start].
func Open(cfg Config) (*Capture, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.PeriodMs <= 0 {
		cfg.PeriodMs = 20
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}
	return &Capture{cfg: cfg, mctx: mctx, errs: make(chan error, 1)}, nil
}

// Start implements [audio.Device].
func (c *Capture) Start(onData func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("device: closed")
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = 1
	dc.SampleRate = uint32(c.cfg.SampleRate)
	dc.PeriodSizeInMilliseconds = uint32(c.cfg.PeriodMs)

	if c.cfg.Selector != "" {
		infos, err := c.mctx.Context.Devices(malgo.Capture)
		if err != nil {
			return fmt.Errorf("device: enumerate: %w", err)
		}
		i, err := pick(names(infos), c.cfg.Selector)
		if err != nil {
			return err
		}
		dc.Capture.DeviceID = infos[i].ID.Pointer()
		slog.Info("capture device selected", "index", i, "name", infos[i].Name())
	}

	cb := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			onData(in)
		},
		Stop: func() {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			select {
			case c.errs <- errors.New("device: capture stopped unexpectedly"):
			default:
			}
		},
	}

	dev, err := malgo.InitDevice(c.mctx.Context, dc, cb)
	if err != nil {
		return fmt.Errorf("device: init capture: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return fmt.Errorf("device: start capture: %w", err)
	}
	c.dev = dev
	return nil
}

// Err implements [audio.Device].
func (c *Capture) Err() <-chan error {
	return c.errs
}

// Close stops the device and releases the miniaudio context.
func (c *Capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dev := c.dev
	c.mu.Unlock()

	var errs []error
	if dev != nil {
		if err := dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("device: stop: %w", err))
		}
		dev.Uninit()
	}
	if err := c.mctx.Uninit(); err != nil {
		errs = append(errs, fmt.Errorf("device: uninit context: %w", err))
	}
	c.mctx.Free()
	return errors.Join(errs...)
}

// List enumerates capture and playback endpoints.
func List() (capture, playback []Info, err error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("device: init context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	collect := func(kind malgo.DeviceType) ([]Info, error) {
		infos, err := mctx.Context.Devices(kind)
		if err != nil {
			return nil, err
		}
		out := make([]Info, len(infos))
		for i, d := range infos {
			out[i] = Info{Index: i, Name: d.Name(), IsDefault: d.IsDefault != 0}
		}
		return out, nil
	}
	if capture, err = collect(malgo.Capture); err != nil {
		return nil, nil, fmt.Errorf("device: enumerate capture: %w", err)
	}
	if playback, err = collect(malgo.Playback); err != nil {
		return nil, nil, fmt.Errorf("device: enumerate playback: %w", err)
	}
	return capture, playback, nil
}

func names(infos []malgo.DeviceInfo) []string {
	out := make([]string, len(infos))
	for i, d := range infos {
		out[i] = d.Name()
	}
	return out
}

// pick resolves a selector against device names: a decimal index first,
// then the first case-insensitive substring match.
func pick(names []string, selector string) (int, error) {
	if i, err := strconv.Atoi(selector); err == nil {
		if i < 0 || i >= len(names) {
			return 0, fmt.Errorf("device: index %d out of range (%d devices)", i, len(names))
		}
		return i, nil
	}
	want := strings.ToLower(selector)
	for i, n := range names {
		if strings.Contains(strings.ToLower(n), want) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("device: no capture device matches %q", selector)
}
