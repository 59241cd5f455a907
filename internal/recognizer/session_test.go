package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/kaiwa/pkg/protocol"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
	"github.com/MrWong99/kaiwa/pkg/provider/stt/mock"
)

func newTestSession(t *testing.T, model *mock.Model) *Session {
	t.Helper()
	models := NewModels("default", model)
	models.Add("big", &mock.Model{})
	return NewSession("test", models, NewPool(2, 2, nil), protocol.DefaultSessionConfig())
}

func text(t *testing.T, s *Session, msg string) (*protocol.Response, bool) {
	t.Helper()
	resp, done, err := s.Handle(context.Background(), false, []byte(msg))
	if err != nil {
		t.Fatalf("Handle(%s): %v", msg, err)
	}
	return resp, done
}

func audio(t *testing.T, s *Session, pcm []byte) *protocol.Response {
	t.Helper()
	resp, done, err := s.Handle(context.Background(), true, pcm)
	if err != nil || done {
		t.Fatalf("Handle(audio) = done:%v err:%v", done, err)
	}
	return resp
}

func TestSession_StateMachine(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Model{})
	if s.State() != StateIdle {
		t.Fatalf("initial state = %v", s.State())
	}
	text(t, s, `{"config": {"sample_rate": 16000}}`)
	if s.State() != StateConfigured {
		t.Fatalf("after config: %v", s.State())
	}
	audio(t, s, make([]byte, 8))
	if s.State() != StateStreaming {
		t.Fatalf("after audio: %v", s.State())
	}
	text(t, s, `{"reset": 1}`)
	if s.State() != StateStreaming {
		t.Fatalf("after reset: %v", s.State())
	}
	resp, done := text(t, s, `{"eof" : 1}`)
	if !done || resp == nil || !resp.Final {
		t.Fatalf("eof: resp=%+v done=%v", resp, done)
	}
	if s.State() != StateClosed {
		t.Fatalf("after eof: %v", s.State())
	}
}

func TestSession_OneResponsePerAudioEOFAndReset(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Model{})
	msgs := []struct {
		binary bool
		data   string
	}{
		{false, `{"config": {"sample_rate": 8000}}`},
		{true, "\x00\x01"},
		{true, "\x00\x02"},
		{false, `{"config": {"words": true, "colour": "red"}}`},
		{false, `{"reset": 1}`},
		{true, "\x00\x03"},
		{false, `{"config": {"max_alternatives": 2}}`},
		{false, `{"eof" : 1}`},
	}

	var responses, answerable int
	for _, m := range msgs {
		if m.binary || m.data == `{"reset": 1}` || m.data == `{"eof" : 1}` {
			answerable++
		}
		resp, _, err := s.Handle(context.Background(), m.binary, []byte(m.data))
		if err != nil {
			t.Fatalf("Handle: %v", err)
		}
		if resp != nil {
			responses++
		}
	}
	if responses != answerable {
		t.Errorf("responses = %d, want %d", responses, answerable)
	}
}

func TestSession_RepeatedResetIsIdempotent(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Model{Template: mock.Recognizer{Utterance: stt.Utterance{Text: "leftover"}}})
	audio(t, s, make([]byte, 8))

	first, _ := text(t, s, `{"reset": 1}`)
	if first.Transcript() != "leftover" {
		t.Fatalf("first reset = %q, want buffered text", first.Transcript())
	}
	for i := range 3 {
		resp, done := text(t, s, `{"reset": 1}`)
		if done {
			t.Fatalf("reset %d closed the session", i)
		}
		if resp == nil || resp.Kind() != protocol.Final || resp.Transcript() != "" {
			t.Errorf("reset %d: resp = %+v, want empty final", i, resp)
		}
	}
	if s.State() == StateClosed {
		t.Error("session closed after resets")
	}
}

func TestSession_RecreatesRecognizerOnRateOrModelChange(t *testing.T) {
	t.Parallel()

	model := &mock.Model{}
	s := newTestSession(t, model)

	audio(t, s, []byte{1, 1})
	audio(t, s, []byte{2, 2})
	text(t, s, `{"config": {"sample_rate": 16000}}`) // unchanged
	if s.Generation() != 1 {
		t.Fatalf("unchanged rate recreated recognizer: gen %d", s.Generation())
	}

	text(t, s, `{"config": {"sample_rate": 44100}}`)
	audio(t, s, []byte{3, 3})

	recs := model.Recognizers()
	if len(recs) != 2 {
		t.Fatalf("recognizers created = %d, want 2", len(recs))
	}
	if !recs[0].IsClosed() {
		t.Error("old recognizer not closed")
	}
	if recs[1].Config.SampleRate != 44100 {
		t.Errorf("new recognizer rate = %v", recs[1].Config.SampleRate)
	}
	if got := recs[1].AcceptedCount(); got != 1 {
		t.Errorf("new recognizer saw %d chunks, want only the post-change one", got)
	}
	if recs[1].Buffered != 2 {
		t.Errorf("new recognizer buffered %d bytes; state leaked", recs[1].Buffered)
	}

	text(t, s, `{"config": {"model": "big"}}`)
	if s.Generation() != 3 || s.Config().Model != "big" {
		t.Errorf("model change: gen %d, model %q", s.Generation(), s.Config().Model)
	}
}

func TestSession_PhraseListAppliesAtNextCreation(t *testing.T) {
	t.Parallel()

	model := &mock.Model{}
	s := newTestSession(t, model)

	text(t, s, `{"config": {"phrase_list": ["はい", "いいえ"]}}`)
	audio(t, s, []byte{0, 0})
	if got := model.Configs[0].PhraseList; len(got) != 2 {
		t.Fatalf("phrase list at creation = %v", got)
	}

	text(t, s, `{"config": {"phrase_list": ["やめる"]}}`)
	if s.Generation() != 1 {
		t.Error("phrase list change alone must not recreate the recognizer")
	}
	text(t, s, `{"config": {"sample_rate": 8000}}`)
	if got := model.Configs[1].PhraseList; len(got) != 1 || got[0] != "やめる" {
		t.Errorf("phrase list after recreation = %v", got)
	}
}

func TestSession_UnknownModelIgnored(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Model{})
	text(t, s, `{"config": {"model": "nope", "words": false}}`)
	if s.Config().Model != "" {
		t.Errorf("model = %q, want default", s.Config().Model)
	}
	if s.Config().Words {
		t.Error("valid field in the same message was not applied")
	}
}

func TestSession_PartialAndFinalResults(t *testing.T) {
	t.Parallel()

	model := &mock.Model{Template: mock.Recognizer{
		Partial:    "hel",
		Utterance:  stt.Utterance{Text: "hello", Words: []stt.WordDetail{{Word: "hello", Start: 100 * time.Millisecond, End: 500 * time.Millisecond, Confidence: 0.9}}},
		AcceptFunc: func(pcm []byte) bool { return pcm[0] == 0xFF },
	}}
	s := newTestSession(t, model)
	text(t, s, `{"config": {"words": true}}`)

	if r := audio(t, s, []byte{0, 0}); r.Kind() != protocol.Partial || r.Transcript() != "hel" {
		t.Errorf("partial = %+v", r)
	}
	r := audio(t, s, []byte{0xFF, 0})
	if r.Kind() != protocol.Final || r.Transcript() != "hello" {
		t.Fatalf("final = %+v", r)
	}
	if len(r.Result) != 1 || r.Result[0].Start != 0.1 || r.Result[0].Conf != 0.9 {
		t.Errorf("words = %+v", r.Result)
	}
}

func TestSession_DefaultFinalCarriesWords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		config     string
		wantResult bool
	}{
		{name: "default config", config: `{"config": {"sample_rate": 16000}}`, wantResult: true},
		{name: "words disabled", config: `{"config": {"words": false}}`, wantResult: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			// No word details: the decoder only reports text.
			model := &mock.Model{Template: mock.Recognizer{
				AcceptResult: true,
				Utterance:    stt.Utterance{Text: "hello there"},
			}}
			s := newTestSession(t, model)
			text(t, s, tt.config)

			raw, err := json.Marshal(audio(t, s, []byte{0, 0}))
			if err != nil {
				t.Fatal(err)
			}
			var got map[string]json.RawMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatal(err)
			}
			if _, ok := got["result"]; ok != tt.wantResult {
				t.Fatalf("final %s: has result = %v, want %v", raw, ok, tt.wantResult)
			}
			if _, ok := got["text"]; !ok {
				t.Errorf("final %s lacks text", raw)
			}
		})
	}
}

func TestSession_MaxAlternatives(t *testing.T) {
	t.Parallel()

	model := &mock.Model{Template: mock.Recognizer{
		AcceptResult: true,
		Utterance: stt.Utterance{Text: "a", Alternatives: []stt.Alternative{
			{Text: "a", Confidence: 0.8}, {Text: "b", Confidence: 0.1}, {Text: "c", Confidence: 0.05},
		}},
	}}
	s := newTestSession(t, model)
	text(t, s, `{"config": {"max_alternatives": 2}}`)

	r := audio(t, s, []byte{0, 0})
	if len(r.Alternatives) != 2 || r.Alternatives[1].Text != "b" || r.Text != nil {
		t.Errorf("alternatives = %+v", r)
	}
	if r.Transcript() != "a" {
		t.Errorf("transcript = %q", r.Transcript())
	}
}

func TestSession_DecoderFailureIsFatal(t *testing.T) {
	t.Parallel()

	tests := map[string]func() *mock.Model{
		"error": func() *mock.Model { return &mock.Model{Template: mock.Recognizer{AcceptErr: errors.New("bad model state")}} },
		"panic": func() *mock.Model { return &mock.Model{Template: mock.Recognizer{PanicMsg: "segfault-ish"}} },
	}
	for name, model := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := newTestSession(t, model())
			_, done, err := s.Handle(context.Background(), true, []byte{0, 0})
			if !errors.Is(err, ErrDecodeFailure) {
				t.Fatalf("err = %v, want ErrDecodeFailure", err)
			}
			if !done || s.State() != StateClosed {
				t.Errorf("done = %v, state = %v", done, s.State())
			}
		})
	}
}

func TestSession_RecognizerCreationFailure(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Model{NewRecognizerErr: errors.New("oom")})
	if _, _, err := s.Handle(context.Background(), true, []byte{0, 0}); !errors.Is(err, ErrDecodeFailure) {
		t.Fatalf("err = %v, want ErrDecodeFailure", err)
	}
}

func TestSession_UnknownTextIgnored(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &mock.Model{})
	for _, msg := range []string{`not json`, `{"hello": 1}`, `{"eof": 0}`} {
		resp, done := text(t, s, msg)
		if resp != nil || done {
			t.Errorf("%s: resp=%v done=%v", msg, resp, done)
		}
	}
}
