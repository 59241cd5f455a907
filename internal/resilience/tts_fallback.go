package resilience

import (
	"context"

	"github.com/MrWong99/kaiwa/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across backends.
//
// Voice IDs are provider-specific, so a fallback entry is registered with the
// voice it should use instead of the caller's.
type TTSFallback struct {
	group *FallbackGroup[ttsEntry]
}

type ttsEntry struct {
	p     tts.Provider
	voice *tts.Voice
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(ttsEntry{p: primary}, primaryName, cfg)}
}

// AddFallback registers another backend that synthesizes with voice.
func (f *TTSFallback) AddFallback(name string, p tts.Provider, voice tts.Voice) {
	f.group.AddFallback(name, ttsEntry{p: p, voice: &voice})
}

// Synthesize renders text on the first backend that succeeds.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Audio, error) {
	return Execute(ctx, f.group, func(ctx context.Context, e ttsEntry) (tts.Audio, error) {
		v := voice
		if e.voice != nil {
			v = *e.voice
		}
		return e.p.Synthesize(ctx, text, v)
	})
}

// ListVoices lists the voices of the first reachable backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return Execute(ctx, f.group, func(ctx context.Context, e ttsEntry) ([]tts.Voice, error) {
		return e.p.ListVoices(ctx)
	})
}

// Healthy reports whether any backend is accepting calls.
func (f *TTSFallback) Healthy() bool { return f.group.Healthy() }
