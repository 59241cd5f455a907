package pipeline

import "testing"

func TestFilter_Skip(t *testing.T) {
	t.Parallel()

	exact := NewFilter(DefaultIgnoreWords, 0)
	fuzzy := NewFilter(DefaultIgnoreWords, 0.85)

	tests := []struct {
		text      string
		wantExact bool
		wantFuzzy bool
	}{
		{"", true, true},
		{"   ", true, true},
		{"うん", true, true},
		{"うん。", true, true},
		{"えー と", true, true},
		{"えーっと", false, true},
		{"こんにちは", false, false},
		{"hello", false, false},
		{"今日の天気はどうですか", false, false},
	}
	for _, tt := range tests {
		if got := exact.Skip(tt.text); got != tt.wantExact {
			t.Errorf("exact.Skip(%q) = %v, want %v", tt.text, got, tt.wantExact)
		}
		if got := fuzzy.Skip(tt.text); got != tt.wantFuzzy {
			t.Errorf("fuzzy.Skip(%q) = %v, want %v", tt.text, got, tt.wantFuzzy)
		}
	}
}
