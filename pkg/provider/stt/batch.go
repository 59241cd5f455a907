package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/kaiwa/pkg/audio"
)

const (
	// transcribeRate is the sample rate handed to every [Transcriber].
	transcribeRate = 16000

	// DefaultRMSThreshold is the energy, in 16-bit sample units, below which
	// audio counts as silence.
	DefaultRMSThreshold = 300.0

	DefaultSilenceMs   = 500
	DefaultMaxBufferMs = 10_000
)

// BatchOptions tunes the energy endpointing of [NewBatchModel].
type BatchOptions struct {
	RMSThreshold float64
	// SilenceMs of continuous silence after speech ends an utterance.
	SilenceMs int
	// MaxBufferMs forces an utterance boundary during continuous speech.
	MaxBufferMs int
}

func (o *BatchOptions) withDefaults() {
	if o.RMSThreshold <= 0 {
		o.RMSThreshold = DefaultRMSThreshold
	}
	if o.SilenceMs <= 0 {
		o.SilenceMs = DefaultSilenceMs
	}
	if o.MaxBufferMs <= 0 {
		o.MaxBufferMs = DefaultMaxBufferMs
	}
}

// BatchModel adapts a [Transcriber] to the streaming [Model] interface.
type BatchModel struct {
	t    Transcriber
	opts BatchOptions
	// closer, if set, is called by Close.
	closer func() error
}

var _ Model = (*BatchModel)(nil)

// NewBatchModel wraps t. closer may be nil.
func NewBatchModel(t Transcriber, opts BatchOptions, closer func() error) *BatchModel {
	opts.withDefaults()
	return &BatchModel{t: t, opts: opts, closer: closer}
}

// NewRecognizer implements [Model].
func (m *BatchModel) NewRecognizer(cfg RecognizerConfig) (Recognizer, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("stt: sample rate must be positive")
	}
	return &batchRecognizer{
		t:      m.t,
		opts:   m.opts,
		rate:   int(cfg.SampleRate),
		prompt: strings.Join(cfg.PhraseList, ", "),
	}, nil
}

// Close implements [Model].
func (m *BatchModel) Close() error {
	if m.closer != nil {
		return m.closer()
	}
	return nil
}

type batchRecognizer struct {
	t      Transcriber
	opts   BatchOptions
	rate   int
	prompt string

	buf       []byte
	bufStart  time.Duration // stream time of buf[0]
	consumed  time.Duration // stream time of the end of all accepted audio
	hadSpeech bool
	silenceMs int
	pending   Utterance
}

func (r *batchRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	ms := audio.DurationMs(pcm, r.rate)
	start := r.consumed
	r.consumed += time.Duration(ms) * time.Millisecond

	if audio.RMS(pcm) < r.opts.RMSThreshold {
		if !r.hadSpeech {
			return false, nil
		}
		r.silenceMs += ms
		r.buf = append(r.buf, pcm...)
		if r.silenceMs >= r.opts.SilenceMs {
			return r.flush(ctx)
		}
		return false, nil
	}

	if !r.hadSpeech {
		r.bufStart = start
	}
	r.hadSpeech = true
	r.silenceMs = 0
	r.buf = append(r.buf, pcm...)
	if audio.DurationMs(r.buf, r.rate) >= r.opts.MaxBufferMs {
		return r.flush(ctx)
	}
	return false, nil
}

func (r *batchRecognizer) Result() Utterance {
	u := r.pending
	r.pending = Utterance{}
	return u
}

// PartialResult is always empty: batch engines only produce text at
// utterance boundaries.
func (r *batchRecognizer) PartialResult() string { return "" }

func (r *batchRecognizer) FinalResult(ctx context.Context) (Utterance, error) {
	if !r.hadSpeech {
		r.reset()
		return Utterance{}, nil
	}
	if _, err := r.flush(ctx); err != nil {
		return Utterance{}, err
	}
	return r.Result(), nil
}

func (r *batchRecognizer) Close() error {
	r.reset()
	return nil
}

func (r *batchRecognizer) reset() {
	r.buf = nil
	r.hadSpeech = false
	r.silenceMs = 0
}

func (r *batchRecognizer) flush(ctx context.Context) (bool, error) {
	pcm := audio.ResampleMono16(r.buf, r.rate, transcribeRate)
	offset := r.bufStart
	r.reset()

	segs, err := r.t.Transcribe(ctx, pcm, r.prompt)
	if err != nil {
		return false, fmt.Errorf("stt: transcribe: %w", err)
	}
	r.pending = utteranceFrom(segs, offset)
	return true, nil
}

// utteranceFrom joins segments and spreads each segment's span evenly over
// its words.
func utteranceFrom(segs []Segment, offset time.Duration) Utterance {
	var (
		texts []string
		words []WordDetail
	)
	for _, s := range segs {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		texts = append(texts, text)

		fields := strings.Fields(text)
		step := (s.End - s.Start) / time.Duration(len(fields))
		for i, f := range fields {
			st := offset + s.Start + time.Duration(i)*step
			words = append(words, WordDetail{Word: f, Start: st, End: st + step, Confidence: 1})
		}
	}
	return Utterance{Text: strings.Join(texts, " "), Words: words}
}
