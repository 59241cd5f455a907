// Package synth turns a reply into spoken segments: [Split] cuts it at
// sentence boundaries and [Dispatcher] plays the segments in order over the
// TTS leg while holding the admission gate.
package synth

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Split cuts text into sentence-like segments. A segment ends
//   - after '.', '!' or '?' followed by whitespace or the end of text,
//   - after '。', '！' or '？',
//   - at a line break.
//
// Segments are trimmed and empty ones are dropped; order is preserved.
func Split(text string) []string {
	var (
		out   []string
		start int
	)
	emit := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i, r := range text {
		next := i + utf8.RuneLen(r)
		switch r {
		case '\n', '\r':
			emit(next)
		case '。', '！', '？':
			emit(next)
		case '.', '!', '?':
			if next == len(text) {
				emit(next)
				continue
			}
			if nr, _ := utf8.DecodeRuneInString(text[next:]); unicode.IsSpace(nr) {
				emit(next)
			}
		}
	}
	emit(len(text))
	return out
}
