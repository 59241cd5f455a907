package responder

import (
	"strings"

	"github.com/MrWong99/kaiwa/pkg/provider/llm"
)

// DefaultHistoryWords bounds a conversation's history by whitespace-separated
// word count.
const DefaultHistoryWords = 2000

// History is the per-connection conversation memory. It is not safe for
// concurrent use; each connection owns one.
type History struct {
	limit int
	msgs  []llm.Message
	words []int
	total int
}

// NewHistory returns an empty history bounded to limit words. A limit of
// zero or less uses [DefaultHistoryWords].
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryWords
	}
	return &History{limit: limit}
}

// Add appends a message and evicts the oldest messages while the history is
// over its word budget. The message just added is never evicted.
func (h *History) Add(role, content string) {
	n := len(strings.Fields(content))
	h.msgs = append(h.msgs, llm.Message{Role: role, Content: content})
	h.words = append(h.words, n)
	h.total += n

	for h.total > h.limit && len(h.msgs) > 1 {
		h.total -= h.words[0]
		h.msgs = h.msgs[1:]
		h.words = h.words[1:]
	}
}

// Preview returns the messages h would hold after Add(role, content),
// without changing h.
func (h *History) Preview(role, content string) []llm.Message {
	total := h.total + len(strings.Fields(content))
	start := 0
	for total > h.limit && start < len(h.msgs) {
		total -= h.words[start]
		start++
	}
	out := make([]llm.Message, 0, len(h.msgs)-start+1)
	out = append(out, h.msgs[start:]...)
	return append(out, llm.Message{Role: role, Content: content})
}

// Messages returns a copy of the history, oldest first.
func (h *History) Messages() []llm.Message {
	return append([]llm.Message(nil), h.msgs...)
}

// Words returns the current word count.
func (h *History) Words() int { return h.total }

// Len returns the number of messages held.
func (h *History) Len() int { return len(h.msgs) }
