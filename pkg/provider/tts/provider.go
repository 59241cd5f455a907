// Package tts defines the Provider interface for the speech synthesis
// backends behind the TTS leg server.
//
// A provider turns one utterance into mono 16-bit PCM. The leg plays each
// utterance to completion before acknowledging it, so a blocking call per
// utterance is all the server needs.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Voice describes one voice offered by a backend.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	Name string

	// Provider names the backend this voice belongs to.
	Provider string

	// Metadata holds provider-specific attributes (model, category, labels).
	Metadata map[string]string
}

// Audio is synthesized speech as s16le mono PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with voice. An empty voice ID selects the
	// backend default where the backend has one.
	Synthesize(ctx context.Context, text string, voice Voice) (Audio, error)

	// ListVoices returns the voices the backend currently offers.
	ListVoices(ctx context.Context) ([]Voice, error)
}
