// Package stt defines the speech decoder abstraction behind the ASR leg.
//
// A [Model] is loaded once and shared by every session. Each session asks the
// model for a [Recognizer], which is a synchronous, single-goroutine decoder:
// audio goes in through AcceptWaveform, and the caller pulls either the
// completed utterance or the in-progress hypothesis. This mirrors the
// streaming decoder API most offline engines expose and keeps scheduling
// decisions (worker pools, ordering) with the caller.
//
// Batch engines that cannot decode incrementally implement [Transcriber]
// instead and are adapted with [NewBatchModel], which segments the stream by
// signal energy.
package stt

import (
	"context"
	"time"
)

// RecognizerConfig is fixed for the lifetime of a [Recognizer].
type RecognizerConfig struct {
	// SampleRate of the audio passed to AcceptWaveform, in Hz.
	SampleRate float64

	// PhraseList biases decoding towards the given phrases. Engines that
	// support a hard grammar restrict output to it; others use it as a prompt.
	PhraseList []string
}

// WordDetail is one recognized word.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// Alternative is one n-best hypothesis of an utterance.
type Alternative struct {
	Text       string
	Confidence float64
	Words      []WordDetail
}

// Utterance is a completed recognition result.
type Utterance struct {
	Text  string
	Words []WordDetail

	// Alternatives lists n-best hypotheses, best first. Engines without
	// n-best support leave it empty.
	Alternatives []Alternative
}

// Recognizer decodes one audio stream. Implementations are not safe for
// concurrent use; callers serialize access.
type Recognizer interface {
	// AcceptWaveform feeds s16le mono PCM. It reports true when an utterance
	// boundary was reached; the utterance is then available from Result.
	AcceptWaveform(ctx context.Context, pcm []byte) (bool, error)

	// Result returns the utterance completed by the last AcceptWaveform call
	// that reported true.
	Result() Utterance

	// PartialResult returns the current in-progress hypothesis.
	PartialResult() string

	// FinalResult flushes all buffered audio and returns it as an utterance.
	// The recognizer is empty afterwards and can keep accepting audio.
	FinalResult(ctx context.Context) (Utterance, error)

	Close() error
}

// Model creates recognizers. Implementations must be safe for concurrent use.
type Model interface {
	NewRecognizer(cfg RecognizerConfig) (Recognizer, error)
	Close() error
}

// Segment is a piece of transcribed text with timing relative to the start of
// the transcribed audio.
type Segment struct {
	Text  string
	Start time.Duration
	End   time.Duration
}

// Transcriber is a batch speech-to-text engine. pcm is always 16 kHz s16le
// mono; prompt is an optional decoding hint.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, prompt string) ([]Segment, error)
}
