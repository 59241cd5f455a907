// Package audio holds the realtime capture side of the pipeline: the frame
// type exchanged with the ASR leg, the [Capture] producer that turns device
// callbacks into fixed-size frames, and PCM helpers shared by the recognizer
// and synthesis backends.
//
// All PCM in this package is 16-bit signed little-endian mono.
package audio

import (
	"errors"
	"time"
)

// BytesPerSample is the width of one s16le sample.
const BytesPerSample = 2

// ErrFrameSize is wrapped by errors reporting a frame that does not match the
// configured block size.
var ErrFrameSize = errors.New("audio: frame size mismatch")

// AudioFrame is one block of captured audio.
type AudioFrame struct {
	// Data is exactly BlockSize*BytesPerSample bytes of s16le PCM.
	Data []byte

	// SampleRate in Hz. Constant for the lifetime of a capture.
	SampleRate int

	// Captured is the wall-clock time at which the block was completed.
	Captured time.Time
}

// Duration returns the playback length of f.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Device is a realtime audio input. Start installs onData as the device
// callback; the device invokes it from its own thread with whatever period
// size it uses. The slice passed to onData is only valid for the duration of
// the call.
type Device interface {
	Start(onData func(pcm []byte)) error

	// Err delivers a fatal device failure, such as the device disappearing.
	Err() <-chan error

	Close() error
}

// Admission is the read side of the admission gate.
type Admission interface {
	Held() bool
}
