package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/provider/tts"
)

type capturedRequest struct {
	method string
	path   string
	query  map[string]string
	body   xttsRequest
}

// fakeServer answers every synthesis request with wav and records the
// requests on the returned channel.
func fakeServer(t *testing.T, wav []byte, voicesJSON string) (string, <-chan capturedRequest) {
	t.Helper()
	reqs := make(chan capturedRequest, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cr := capturedRequest{method: r.Method, path: r.URL.Path, query: map[string]string{}}
		for k := range r.URL.Query() {
			cr.query[k] = r.URL.Query().Get(k)
		}
		if r.Method == http.MethodPost {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, &cr.body)
		}
		reqs <- cr

		switch r.URL.Path {
		case apiTTSEndpoint, ttsEndpoint:
			w.Header().Set("Content-Type", "audio/wav")
			_, _ = w.Write(wav)
		case detailsEndpoint, studioSpeakersEndpoint:
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, voicesJSON)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL, reqs
}

func pcmOf(samples ...int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func TestNew(t *testing.T) {
	t.Parallel()

	if _, err := New(""); err == nil {
		t.Error("expected error for empty serverURL")
	}

	p, err := New("http://localhost:5002/", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if p.serverURL != "http://localhost:5002" {
		t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
	}
	if p.language != "ja" || p.apiMode != APIModeStandard {
		t.Errorf("defaults: language=%q mode=%q", p.language, p.apiMode)
	}
	if p.httpClient.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", p.httpClient.Timeout)
	}
}

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	pcm := pcmOf(1, 2, 3, 4)
	url, reqs := fakeServer(t, audio.EncodeWAV(pcm, 22050, 1), "")
	p, _ := New(url)

	out, err := p.Synthesize(context.Background(), "こんにちは。", tts.Voice{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.SampleRate != 22050 || string(out.PCM) != string(pcm) {
		t.Errorf("audio = %d Hz, %d bytes", out.SampleRate, len(out.PCM))
	}

	r := <-reqs
	if r.method != http.MethodGet || r.path != apiTTSEndpoint {
		t.Errorf("request = %s %s", r.method, r.path)
	}
	if r.query["text"] != "こんにちは。" || r.query["speaker_id"] != "p225" || r.query["language_id"] != "ja" {
		t.Errorf("query = %v", r.query)
	}
}

func TestSynthesize_XTTS(t *testing.T) {
	t.Parallel()

	url, reqs := fakeServer(t, audio.EncodeWAV(pcmOf(5, 6), 24000, 1), "")
	p, _ := New(url, WithAPIMode(APIModeXTTS), WithLanguage("en"))

	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Error("expected error without voice ID in xtts mode")
	}

	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{ID: "Ana Florence"}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	r := <-reqs
	if r.method != http.MethodPost || r.path != ttsEndpoint {
		t.Errorf("request = %s %s", r.method, r.path)
	}
	want := xttsRequest{Text: "hi", SpeakerWav: "Ana Florence", Language: "en"}
	if r.body != want {
		t.Errorf("body = %+v, want %+v", r.body, want)
	}
}

func TestSynthesize_DownmixAndResample(t *testing.T) {
	t.Parallel()

	// 4 stereo frames at 32 kHz become 2 mono samples at 16 kHz.
	stereo := pcmOf(100, 300, 100, 300, 100, 300, 100, 300)
	url, _ := fakeServer(t, audio.EncodeWAV(stereo, 32000, 2), "")
	p, _ := New(url, WithOutputSampleRate(16000))

	out, err := p.Synthesize(context.Background(), "x", tts.Voice{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if out.SampleRate != 16000 {
		t.Errorf("rate = %d", out.SampleRate)
	}
	if string(out.PCM) != string(pcmOf(200, 200)) {
		t.Errorf("pcm = %v", out.PCM)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	t.Run("status", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)
		p, _ := New(srv.URL)
		_, err := p.Synthesize(context.Background(), "x", tts.Voice{})
		if err == nil || !strings.Contains(err.Error(), "500") {
			t.Errorf("err = %v, want status 500", err)
		}
	})

	t.Run("not a wav", func(t *testing.T) {
		t.Parallel()
		url, _ := fakeServer(t, []byte("not audio"), "")
		p, _ := New(url)
		if _, err := p.Synthesize(context.Background(), "x", tts.Voice{}); err == nil {
			t.Error("expected error for malformed WAV")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		url, _ := fakeServer(t, audio.EncodeWAV(pcmOf(1), 16000, 1), "")
		p, _ := New(url)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := p.Synthesize(ctx, "x", tts.Voice{}); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestListVoices(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mode    APIMode
		body    string
		wantIDs []string
		wantTyp string
	}{
		{
			name:    "standard multi-speaker",
			mode:    APIModeStandard,
			body:    `{"model_name":"vits","speakers":["p226","p225"]}`,
			wantIDs: []string{"p225", "p226"},
			wantTyp: "speaker",
		},
		{
			name:    "standard single-speaker",
			mode:    APIModeStandard,
			body:    `{"model_name":"tts_models/ja/kokoro/tacotron2-DDC"}`,
			wantIDs: []string{""},
			wantTyp: "single-speaker",
		},
		{
			name:    "xtts studio",
			mode:    APIModeXTTS,
			body:    `{"Claribel Dervla":{},"Ana Florence":{}}`,
			wantIDs: []string{"Ana Florence", "Claribel Dervla"},
			wantTyp: "studio",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			url, _ := fakeServer(t, nil, tt.body)
			p, _ := New(url, WithAPIMode(tt.mode))

			voices, err := p.ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tt.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tt.wantIDs))
			}
			for i, v := range voices {
				if v.ID != tt.wantIDs[i] {
					t.Errorf("voice[%d].ID = %q, want %q", i, v.ID, tt.wantIDs[i])
				}
				if v.Provider != "coqui" || v.Metadata["type"] != tt.wantTyp {
					t.Errorf("voice[%d] = %+v", i, v)
				}
			}
		})
	}
}
