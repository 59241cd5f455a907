package whisper_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/provider/stt/whisper"
)

type inferenceRequest struct {
	fields map[string]string
	wav    []byte
}

// newMockServer answers POST /inference with body and forwards each parsed
// request on the returned channel.
func newMockServer(t *testing.T, status int, body any) (*httptest.Server, <-chan inferenceRequest) {
	t.Helper()
	reqs := make(chan inferenceRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		wav, _ := io.ReadAll(f)
		fields := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		reqs <- inferenceRequest{fields: fields, wav: wav}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv, reqs
}

func TestNewHTTP_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewHTTP(""); err == nil {
		t.Fatal("expected error for empty serverURL")
	}
}

func TestTranscribe_SendsWAVAndHints(t *testing.T) {
	t.Parallel()

	srv, reqs := newMockServer(t, http.StatusOK, map[string]any{
		"text": "こんにちは 世界",
		"segments": []map[string]any{
			{"text": " こんにちは", "start": 0.0, "end": 0.5},
			{"text": " 世界", "start": 0.5, "end": 1.0},
		},
	})
	h, err := whisper.NewHTTP(srv.URL+"/", whisper.WithModel("small"), whisper.WithLanguage("ja"))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}

	pcm := make([]byte, 3200)
	segs, err := h.Transcribe(context.Background(), pcm, "東京, 大阪")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 2 || segs[1].Start != 500*time.Millisecond || segs[1].End != time.Second {
		t.Errorf("segments = %+v", segs)
	}

	req := <-reqs
	for k, want := range map[string]string{"model": "small", "language": "ja", "prompt": "東京, 大阪", "response_format": "verbose_json"} {
		if req.fields[k] != want {
			t.Errorf("field %s = %q, want %q", k, req.fields[k], want)
		}
	}
	w, err := audio.ParseWAV(req.wav)
	if err != nil {
		t.Fatalf("uploaded file is not WAV: %v", err)
	}
	if w.SampleRate != 16000 || len(w.PCM) != len(pcm) {
		t.Errorf("wav = %d Hz, %d bytes", w.SampleRate, len(w.PCM))
	}
}

func TestTranscribe_PlainTextResponse(t *testing.T) {
	t.Parallel()

	srv, _ := newMockServer(t, http.StatusOK, map[string]string{"text": " hello "})
	h, _ := whisper.NewHTTP(srv.URL)

	segs, err := h.Transcribe(context.Background(), make([]byte, 32000), "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "hello" || segs[0].End != time.Second {
		t.Errorf("segments = %+v", segs)
	}
}

func TestTranscribe_EmptyText(t *testing.T) {
	t.Parallel()

	srv, _ := newMockServer(t, http.StatusOK, map[string]string{"text": ""})
	h, _ := whisper.NewHTTP(srv.URL)

	segs, err := h.Transcribe(context.Background(), make([]byte, 320), "")
	if err != nil || segs != nil {
		t.Errorf("got %v, %v; want nil, nil", segs, err)
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()

	srv, _ := newMockServer(t, http.StatusInternalServerError, map[string]string{"error": "model not loaded"})
	h, _ := whisper.NewHTTP(srv.URL)

	if _, err := h.Transcribe(context.Background(), make([]byte, 320), ""); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestTranscribe_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv, _ := newMockServer(t, http.StatusOK, map[string]string{"text": "x"})
	h, _ := whisper.NewHTTP(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Transcribe(ctx, make([]byte, 320), ""); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
