package pipeline

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// DefaultIgnoreWords are Japanese fillers that never start a turn.
var DefaultIgnoreWords = []string{"あ", "あー", "え", "えー", "えーと", "う", "うん", "ん"}

// Filter decides which final transcripts are not worth a reply.
type Filter struct {
	words map[string]struct{}
	// fuzzy is the Jaro-Winkler score at or above which a short transcript
	// counts as a filler. Zero disables fuzzy matching.
	fuzzy   float64
	maxRune int
}

// NewFilter creates a filter over words. fuzzy in (0, 1] additionally
// matches near-fillers such as "えーっと"; transcripts longer than the
// longest filler plus two runes are never fuzzy-matched.
func NewFilter(words []string, fuzzy float64) *Filter {
	f := &Filter{words: make(map[string]struct{}, len(words)), fuzzy: fuzzy}
	for _, w := range words {
		w = normalize(w)
		if w == "" {
			continue
		}
		f.words[w] = struct{}{}
		f.maxRune = max(f.maxRune, utf8.RuneCountInString(w))
	}
	return f
}

// Skip reports whether text is empty or a filler.
func (f *Filter) Skip(text string) bool {
	n := normalize(text)
	if n == "" {
		return true
	}
	if _, ok := f.words[n]; ok {
		return true
	}
	if f.fuzzy <= 0 || utf8.RuneCountInString(n) > f.maxRune+2 {
		return false
	}
	for w := range f.words {
		if matchr.JaroWinkler(n, w, false) >= f.fuzzy {
			return true
		}
	}
	return false
}

// normalize drops whitespace and punctuation. Recognizers for Japanese
// often emit "えー と" or "うん。".
func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
}
