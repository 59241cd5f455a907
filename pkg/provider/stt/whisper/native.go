// This file contains the in-process transcriber backed by the whisper.cpp CGO
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
)

var _ stt.Transcriber = (*Native)(nil)

// Native runs whisper.cpp in-process. The model is loaded once and shared;
// every Transcribe call gets its own decoding context, so concurrent calls do
// not interfere.
type Native struct {
	model    whisperlib.Model
	language string
}

// NativeOption configures a [Native].
type NativeOption func(*Native)

// WithNativeLanguage sets the language code for decoding. Defaults to "ja".
func WithNativeLanguage(lang string) NativeOption {
	return func(n *Native) { n.language = lang }
}

// NewNative loads the ggml model at modelPath.
func NewNative(modelPath string, opts ...NativeOption) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	n := &Native{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(n)
	}
	return n, nil
}

// NewNativeModel loads modelPath and wraps it as an [stt.Model].
func NewNativeModel(modelPath string, batch stt.BatchOptions, opts ...NativeOption) (*stt.BatchModel, error) {
	n, err := NewNative(modelPath, opts...)
	if err != nil {
		return nil, err
	}
	return stt.NewBatchModel(n, batch, n.Close), nil
}

// Close releases the model.
func (n *Native) Close() error {
	if n.model != nil {
		return n.model.Close()
	}
	return nil
}

// Transcribe implements [stt.Transcriber]. whisper.cpp cannot be interrupted,
// so ctx is only checked before decoding starts.
func (n *Native) Transcribe(ctx context.Context, pcm []byte, prompt string) ([]stt.Segment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, err := n.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(n.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", n.language, "err", err)
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}

	if err := wctx.Process(audio.ToFloat32(pcm), nil, nil, nil); err != nil {
		return nil, fmt.Errorf("whisper: process audio: %w", err)
	}

	var segs []stt.Segment
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(s.Text); text != "" {
			segs = append(segs, stt.Segment{Text: text, Start: s.Start, End: s.End})
		}
	}
	return segs, nil
}
