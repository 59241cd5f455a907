package protocol_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/MrWong99/kaiwa/pkg/protocol"
)

func TestParseConfig_AppliesValidFieldsAndWarnsOnRest(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"sample_rate": 8000, "words": true, "max_alternatives": -1, "colour": "blue", "phrase_list": ["yes","no"]}`)
	u, warnings := protocol.ParseConfig(raw)

	if u.SampleRate == nil || *u.SampleRate != 8000 {
		t.Errorf("sample_rate = %v, want 8000", u.SampleRate)
	}
	if u.Words == nil || !*u.Words {
		t.Errorf("words = %v, want true", u.Words)
	}
	if u.PhraseList == nil || len(*u.PhraseList) != 2 {
		t.Errorf("phrase_list = %v, want 2 entries", u.PhraseList)
	}
	if u.MaxAlternatives != nil {
		t.Errorf("max_alternatives should be ignored, got %d", *u.MaxAlternatives)
	}
	if len(warnings) != 2 {
		t.Fatalf("want 2 warnings (colour, max_alternatives), got %d: %v", len(warnings), warnings)
	}
	for _, w := range warnings {
		if !errors.Is(w, protocol.ErrMalformedConfig) {
			t.Errorf("warning %v does not wrap ErrMalformedConfig", w)
		}
	}
}

func TestParseConfig_NumericStrings(t *testing.T) {
	t.Parallel()

	u, warnings := protocol.ParseConfig(json.RawMessage(`{"sample_rate": "44100", "model": "ja-small"}`))
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if *u.SampleRate != 44100 {
		t.Errorf("sample_rate = %v, want 44100", *u.SampleRate)
	}
	if *u.Model != "ja-small" {
		t.Errorf("model = %q, want ja-small", *u.Model)
	}
}

func TestParseConfig_NotAnObject(t *testing.T) {
	t.Parallel()

	u, warnings := protocol.ParseConfig(json.RawMessage(`[1,2]`))
	if !u.IsZero() {
		t.Errorf("expected zero update, got %+v", u)
	}
	if len(warnings) != 1 {
		t.Errorf("want 1 warning, got %d", len(warnings))
	}
}

func TestSessionConfig_ApplyRecreate(t *testing.T) {
	t.Parallel()

	rate := func(f float64) *float64 { return &f }
	str := func(s string) *string { return &s }
	yes := true

	tests := []struct {
		name     string
		update   protocol.ConfigUpdate
		recreate bool
	}{
		{"same sample rate", protocol.ConfigUpdate{SampleRate: rate(16000)}, false},
		{"new sample rate", protocol.ConfigUpdate{SampleRate: rate(8000)}, true},
		{"new model", protocol.ConfigUpdate{Model: str("big")}, true},
		{"words only", protocol.ConfigUpdate{Words: &yes}, false},
		{"empty", protocol.ConfigUpdate{}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := protocol.DefaultSessionConfig()
			if got := cfg.Apply(tc.update); got != tc.recreate {
				t.Errorf("Apply recreate = %v, want %v", got, tc.recreate)
			}
		})
	}
}

func TestParseControl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		eof    bool
		reset  bool
		config bool
	}{
		{`{"eof" : 1}`, true, false, false},
		{`{"reset": 1}`, false, true, false},
		{`{"eof": 0}`, false, false, false},
		{`{"config": {"sample_rate": 16000}}`, false, false, true},
	}
	for _, tc := range tests {
		c, err := protocol.ParseControl([]byte(tc.in))
		if err != nil {
			t.Fatalf("ParseControl(%s): %v", tc.in, err)
		}
		if c.IsEOF() != tc.eof || c.IsReset() != tc.reset || c.IsConfig() != tc.config {
			t.Errorf("ParseControl(%s) = eof:%v reset:%v config:%v", tc.in, c.IsEOF(), c.IsReset(), c.IsConfig())
		}
	}
}

func TestResponse_KindAndTranscript(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		kind protocol.Kind
		text string
	}{
		{`{"partial": "hel"}`, protocol.Partial, "hel"},
		{`{"result": [{"word":"hello","start":0.1,"end":0.5,"conf":1}], "text": "hello"}`, protocol.Final, "hello"},
		{`{"result": [{"word":"hello"},{"word":"there"}]}`, protocol.Final, "hello there"},
		{`{"text": ""}`, protocol.Final, ""},
		{`{"alternatives": [{"confidence": 0.9, "text": "yes"}]}`, protocol.Final, "yes"},
		{`{"text": "bye", "final": true}`, protocol.Stop, "bye"},
	}
	for _, tc := range tests {
		r, err := protocol.ParseResponse([]byte(tc.in))
		if err != nil {
			t.Fatalf("ParseResponse(%s): %v", tc.in, err)
		}
		if r.Kind() != tc.kind {
			t.Errorf("%s: kind = %v, want %v", tc.in, r.Kind(), tc.kind)
		}
		if got := r.Transcript(); got != tc.text {
			t.Errorf("%s: transcript = %q, want %q", tc.in, got, tc.text)
		}
	}
}
