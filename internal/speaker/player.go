package speaker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/provider/tts"
)

// Player renders synthesized audio and returns once it has finished
// playing.
type Player interface {
	Play(ctx context.Context, a tts.Audio) error
}

// OtoPlayer plays through the default output device. oto allows a single
// context per process, so construct at most one.
type OtoPlayer struct {
	mu   sync.Mutex
	ctx  *oto.Context
	rate int
}

// pollInterval is how often playback completion is checked.
const pollInterval = 10 * time.Millisecond

// NewOtoPlayer opens the output device at sampleRate, mono s16le. bufferMs
// sizes the device buffer; zero leaves the driver default.
func NewOtoPlayer(sampleRate, bufferMs int) (*OtoPlayer, error) {
	if sampleRate <= 0 {
		sampleRate = audio.DefaultSampleRate
	}
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	if bufferMs > 0 {
		opts.BufferSize = time.Duration(bufferMs) * time.Millisecond
	}
	octx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("speaker: open output device: %w", err)
	}
	<-ready
	return &OtoPlayer{ctx: octx, rate: sampleRate}, nil
}

// Play implements [Player]. Calls are serialized: utterances never overlap
// on the device.
func (p *OtoPlayer) Play(ctx context.Context, a tts.Audio) error {
	pcm := audio.ResampleMono16(a.PCM, a.SampleRate, p.rate)
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pl := p.ctx.NewPlayer(bytes.NewReader(pcm))
	defer pl.Close()
	pl.Play()

	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for pl.IsPlaying() {
		select {
		case <-ctx.Done():
			pl.Pause()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := pl.Err(); err != nil {
		return fmt.Errorf("speaker: playback: %w", err)
	}
	return nil
}

// Silent discards audio. With Realtime set it waits for the audio's
// duration, so acknowledgements keep their natural pacing on hosts without
// an output device.
type Silent struct {
	Realtime bool
}

// Play implements [Player].
func (s Silent) Play(ctx context.Context, a tts.Audio) error {
	if !s.Realtime {
		return nil
	}
	d := time.Duration(audio.DurationMs(a.PCM, a.SampleRate)) * time.Millisecond
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
