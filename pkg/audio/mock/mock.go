// Package mock provides an in-memory [audio.Device] for unit tests.
//
// The mock records every method call and lets the test drive the device
// callback directly:
//
//	dev := &mock.Device{}
//	capture := audio.NewCapture(dev, audio.CaptureConfig{BlockSize: 4}, nil)
//	_ = capture.Start(ctx)
//	dev.Feed(make([]byte, 8)) // one frame of 4 samples
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/kaiwa/pkg/audio"
)

var _ audio.Device = (*Device)(nil)

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// StartError is returned by [Device.Start].
	StartError error

	// CloseError is returned by [Device.Close].
	CloseError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	onData  func([]byte)
	errs    chan error
	errOnce sync.Once
}

func (d *Device) errCh() chan error {
	d.errOnce.Do(func() { d.errs = make(chan error, 1) })
	return d.errs
}

// Start implements [audio.Device]. It stores onData for [Device.Feed].
func (d *Device) Start(onData func([]byte)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartError != nil {
		return d.StartError
	}
	d.onData = onData
	return nil
}

// Err implements [audio.Device].
func (d *Device) Err() <-chan error {
	return d.errCh()
}

// Close implements [audio.Device]. Further Feed calls are ignored.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onData = nil
	return d.CloseError
}

// Feed invokes the installed callback with pcm, as the device thread would.
// It reports false when the device is not started or already closed.
func (d *Device) Feed(pcm []byte) bool {
	d.mu.Lock()
	cb := d.onData
	d.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(pcm)
	return true
}

// Fail delivers err on the error channel. A nil err becomes a generic
// disconnect error.
func (d *Device) Fail(err error) {
	if err == nil {
		err = errors.New("mock: device disconnected")
	}
	select {
	case d.errCh() <- err:
	default:
	}
}
