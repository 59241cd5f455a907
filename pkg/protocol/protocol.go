// Package protocol defines the wire format spoken on the ASR leg.
//
// The format is compatible with the Vosk websocket server: the client sends a
// JSON text message to configure the session, raw s16le audio as binary
// messages, and the control messages {"eof": 1} and {"reset": 1}. The server
// answers every audio, eof and reset message with exactly one JSON text
// message and never answers a configuration message.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DefaultSampleRate is the sample rate assumed until a client configures one.
const DefaultSampleRate = 16000.0

// ErrMalformedConfig marks a configuration field that was ignored because it
// was unknown or carried an invalid value.
var ErrMalformedConfig = errors.New("protocol: malformed config")

// SessionConfig is the recognizer configuration of one ASR session. It
// outlives individual recognizer instances.
type SessionConfig struct {
	// SampleRate of the incoming audio in Hz. Changing it forces a new recognizer.
	SampleRate float64

	// PhraseList restricts decoding to the listed phrases when non-empty. It is
	// applied whenever a recognizer is created.
	PhraseList []string

	// Words adds the "result" word list to final results. Default true.
	Words bool

	// MaxAlternatives > 0 switches final results to the n-best format.
	MaxAlternatives int

	// Model selects the decoding model. Empty means the server default.
	// Changing it forces a new recognizer.
	Model string
}

// DefaultSessionConfig returns the configuration a session starts with.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{SampleRate: DefaultSampleRate, Words: true}
}

// ConfigUpdate is a partial [SessionConfig]. Nil fields are left unchanged.
type ConfigUpdate struct {
	SampleRate      *float64  `json:"sample_rate,omitempty"`
	PhraseList      *[]string `json:"phrase_list,omitempty"`
	Words           *bool     `json:"words,omitempty"`
	MaxAlternatives *int      `json:"max_alternatives,omitempty"`
	Model           *string   `json:"model,omitempty"`
}

// IsZero reports whether u changes nothing.
func (u ConfigUpdate) IsZero() bool {
	return u.SampleRate == nil && u.PhraseList == nil && u.Words == nil &&
		u.MaxAlternatives == nil && u.Model == nil
}

// Apply merges u into c. It reports whether the current recognizer instance
// must be discarded, which is the case when the sample rate or model changed.
func (c *SessionConfig) Apply(u ConfigUpdate) (recreate bool) {
	if u.SampleRate != nil && *u.SampleRate != c.SampleRate {
		c.SampleRate = *u.SampleRate
		recreate = true
	}
	if u.Model != nil && *u.Model != c.Model {
		c.Model = *u.Model
		recreate = true
	}
	if u.PhraseList != nil {
		c.PhraseList = slices.Clone(*u.PhraseList)
	}
	if u.Words != nil {
		c.Words = *u.Words
	}
	if u.MaxAlternatives != nil {
		c.MaxAlternatives = *u.MaxAlternatives
	}
	return recreate
}

// ── Client → server ──────────────────────────────────────────────────────────

// ConfigMessage is the JSON envelope of a configuration message.
type ConfigMessage struct {
	Config ConfigUpdate `json:"config"`
}

// EOFMessage finalizes the session. The server closes after answering it.
var EOFMessage = []byte(`{"eof" : 1}`)

// ResetMessage flushes the recognizer but keeps the session open.
var ResetMessage = []byte(`{"reset" : 1}`)

// Control is a decoded client text message.
type Control struct {
	Config json.RawMessage `json:"config"`
	EOF    json.RawMessage `json:"eof"`
	Reset  json.RawMessage `json:"reset"`
}

// IsConfig reports whether the message carries a config object.
func (c Control) IsConfig() bool { return len(c.Config) > 0 }

// IsEOF reports whether the message requests finalization.
func (c Control) IsEOF() bool { return truthy(c.EOF) }

// IsReset reports whether the message requests a flush.
func (c Control) IsReset() bool { return truthy(c.Reset) }

// ParseControl decodes a client text message.
func ParseControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, fmt.Errorf("protocol: decode control message: %w", err)
	}
	return c, nil
}

// ParseConfig decodes the value of a "config" key. Every known field is
// decoded on its own so that one bad field does not discard the others. The
// returned warnings wrap [ErrMalformedConfig], one per ignored field.
func ParseConfig(raw json.RawMessage) (ConfigUpdate, []error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ConfigUpdate{}, []error{fmt.Errorf("%w: config is not an object: %v", ErrMalformedConfig, err)}
	}

	var (
		u        ConfigUpdate
		warnings []error
	)
	bad := func(key string, err error) {
		warnings = append(warnings, fmt.Errorf("%w: field %q: %v", ErrMalformedConfig, key, err))
	}

	// Sorted for deterministic warning order.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		val := fields[key]
		switch key {
		case "sample_rate":
			f, err := parseNumber(val)
			if err != nil {
				bad(key, err)
				continue
			}
			if f <= 0 {
				bad(key, fmt.Errorf("must be positive, got %v", f))
				continue
			}
			u.SampleRate = &f
		case "phrase_list":
			var list []string
			if err := json.Unmarshal(val, &list); err != nil {
				bad(key, err)
				continue
			}
			u.PhraseList = &list
		case "words":
			b, err := parseBool(val)
			if err != nil {
				bad(key, err)
				continue
			}
			u.Words = &b
		case "max_alternatives":
			f, err := parseNumber(val)
			if err != nil {
				bad(key, err)
				continue
			}
			n := int(f)
			if n < 0 || float64(n) != f {
				bad(key, fmt.Errorf("must be a non-negative integer, got %v", f))
				continue
			}
			u.MaxAlternatives = &n
		case "model":
			var s string
			if err := json.Unmarshal(val, &s); err != nil {
				bad(key, err)
				continue
			}
			u.Model = &s
		default:
			bad(key, errors.New("unknown field"))
		}
	}
	return u, warnings
}

// ── Server → client ──────────────────────────────────────────────────────────

// Word is one recognized word with timing in seconds and confidence in [0,1].
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

// Alternative is one n-best hypothesis.
type Alternative struct {
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
	Result     []Word  `json:"result,omitempty"`
}

// Response is a server message. Exactly one of Partial, Text/Result or
// Alternatives is populated; Final marks the last message of a session.
type Response struct {
	Partial      *string       `json:"partial,omitempty"`
	Result       []Word        `json:"result,omitempty"`
	Text         *string       `json:"text,omitempty"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	Final        bool          `json:"final,omitempty"`
}

// Kind classifies a [Response].
type Kind int

const (
	// Partial is an in-progress hypothesis.
	Partial Kind = iota
	// Final is a completed utterance.
	Final
	// Stop is a completed utterance after which the server ends the stream.
	Stop
)

// String returns the lower-case name of k.
func (k Kind) String() string {
	switch k {
	case Partial:
		return "partial"
	case Final:
		return "final"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// Kind classifies r.
func (r Response) Kind() Kind {
	switch {
	case r.Final:
		return Stop
	case r.Partial != nil:
		return Partial
	default:
		return Final
	}
}

// Transcript returns the recognized text of r. Final results prefer the
// "text" field and fall back to joining the words of "result". For n-best
// results the first alternative is used.
func (r Response) Transcript() string {
	if r.Partial != nil {
		return strings.TrimSpace(*r.Partial)
	}
	if r.Text != nil && strings.TrimSpace(*r.Text) != "" {
		return strings.TrimSpace(*r.Text)
	}
	if len(r.Result) > 0 {
		return joinWords(r.Result)
	}
	if len(r.Alternatives) > 0 {
		alt := r.Alternatives[0]
		if t := strings.TrimSpace(alt.Text); t != "" {
			return t
		}
		return joinWords(alt.Result)
	}
	return ""
}

// NewPartial builds a partial response.
func NewPartial(text string) Response {
	return Response{Partial: &text}
}

// ParseResponse decodes a server message.
func ParseResponse(data []byte) (Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	return r, nil
}

func joinWords(words []Word) string {
	parts := make([]string, 0, len(words))
	for _, w := range words {
		if s := strings.TrimSpace(w.Word); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func parseNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("expected a number, got %s", raw)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("expected a number, got %q", s)
	}
	return f, nil
}

func parseBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	f, err := parseNumber(raw)
	if err != nil {
		return false, fmt.Errorf("expected a boolean, got %s", raw)
	}
	return f != 0, nil
}

// truthy reports whether a control value is present and non-zero.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	b, err := parseBool(raw)
	return err == nil && b
}
