// Package whisper provides whisper.cpp transcription backends.
//
// [Native] runs the model in-process through the CGO bindings. [HTTP] talks
// to a running whisper-server (POST /inference). Both implement
// [stt.Transcriber]; wrap them with [stt.NewBatchModel] to serve ASR
// sessions:
//
//	t, err := whisper.NewHTTP("http://localhost:8080", whisper.WithLanguage("ja"))
//	model := stt.NewBatchModel(t, stt.BatchOptions{}, nil)
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
)

const (
	defaultLanguage = "ja"
	sampleRate      = 16000
)

var _ stt.Transcriber = (*HTTP)(nil)

// Option configures an [HTTP] transcriber.
type Option func(*HTTP)

// WithModel sets the model identifier forwarded to the server. When empty the
// server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(h *HTTP) { h.model = model }
}

// WithLanguage sets the language code sent to the server. Defaults to "ja".
func WithLanguage(lang string) Option {
	return func(h *HTTP) { h.language = lang }
}

// WithTimeout sets the HTTP client timeout. Defaults to 30s.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTP) { h.client.Timeout = d }
}

// HTTP transcribes through a whisper-server instance.
type HTTP struct {
	serverURL string
	model     string
	language  string
	client    *http.Client
}

// NewHTTP creates a transcriber for the server at serverURL
// (e.g. "http://localhost:8080").
func NewHTTP(serverURL string, opts ...Option) (*HTTP, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	h := &HTTP{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// verboseResponse is the subset of whisper-server's verbose_json output we use.
type verboseResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text  string  `json:"text"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
	} `json:"segments"`
}

// Transcribe implements [stt.Transcriber]. The audio is uploaded as a WAV file
// in a multipart form.
func (h *HTTP) Transcribe(ctx context.Context, pcm []byte, prompt string) ([]stt.Segment, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(pcm, sampleRate, 1)); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"language":        h.language,
		"model":           h.model,
		"prompt":          prompt,
		"response_format": "verbose_json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("whisper: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var result verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	if len(result.Segments) == 0 {
		text := strings.TrimSpace(result.Text)
		if text == "" {
			return nil, nil
		}
		d := time.Duration(audio.DurationMs(pcm, sampleRate)) * time.Millisecond
		return []stt.Segment{{Text: text, End: d}}, nil
	}
	segs := make([]stt.Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		segs = append(segs, stt.Segment{
			Text:  s.Text,
			Start: time.Duration(s.Start * float64(time.Second)),
			End:   time.Duration(s.End * float64(time.Second)),
		})
	}
	return segs, nil
}
