// Package recognizer implements the server side of the ASR leg: one
// [Session] state machine per websocket connection, a shared decode [Pool]
// and the [Server] that speaks the wire protocol.
package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MrWong99/kaiwa/pkg/protocol"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
)

// State is the lifecycle position of a [Session].
type State int

const (
	StateIdle State = iota
	StateConfigured
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is the recognizer state of one ASR connection. It is not safe for
// concurrent use: the connection's read loop drives it one message at a time,
// which is what keeps responses in request order.
type Session struct {
	id     string
	models *Models
	pool   *Pool
	log    *slog.Logger

	cfg   protocol.SessionConfig
	rec   stt.Recognizer
	gen   int
	state State
}

// NewSession creates an idle session. No recognizer exists until the first
// audio message.
func NewSession(id string, models *Models, pool *Pool, defaults protocol.SessionConfig) *Session {
	return &Session{
		id:     id,
		models: models,
		pool:   pool,
		log:    slog.With("session_id", id),
		cfg:    defaults,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Config returns a copy of the session configuration.
func (s *Session) Config() protocol.SessionConfig { return s.cfg }

// Generation returns how many recognizer instances this session has created.
func (s *Session) Generation() int { return s.gen }

// Handle processes one client message. resp is nil for messages that are not
// answered (configuration, unknown text). done reports that the session
// finished and the connection must close after resp is sent. A non-nil error
// is session-fatal.
func (s *Session) Handle(ctx context.Context, binary bool, data []byte) (resp *protocol.Response, done bool, err error) {
	if s.state == StateClosed {
		return nil, true, fmt.Errorf("recognizer: session %s is closed", s.id)
	}
	if binary {
		r, err := s.Audio(ctx, data)
		if err != nil {
			return nil, true, err
		}
		return &r, false, nil
	}

	ctl, err := protocol.ParseControl(data)
	if err != nil {
		s.log.Warn("ignoring undecodable text message", "err", err)
		return nil, false, nil
	}
	switch {
	case ctl.IsConfig():
		if err := s.Configure(ctl.Config); err != nil {
			return nil, true, err
		}
		return nil, false, nil
	case ctl.IsEOF():
		r, err := s.Finish(ctx)
		if err != nil {
			return nil, true, err
		}
		return &r, true, nil
	case ctl.IsReset():
		r, err := s.Reset(ctx)
		if err != nil {
			return nil, true, err
		}
		return &r, false, nil
	default:
		s.log.Warn("ignoring unrecognized control message", "message", string(data))
		return nil, false, nil
	}
}

// Configure applies a "config" object. Invalid fields are logged and skipped.
// If the sample rate or model changed while a recognizer exists, a new one is
// created right away so no decode state carries over.
func (s *Session) Configure(raw json.RawMessage) error {
	u, warnings := protocol.ParseConfig(raw)
	if u.Model != nil && !s.models.Has(*u.Model) {
		warnings = append(warnings, fmt.Errorf("%w: field %q: %w", protocol.ErrMalformedConfig, "model", ErrUnknownModel))
		u.Model = nil
	}
	for _, w := range warnings {
		s.log.Warn("config field ignored", "err", w)
	}

	recreate := s.cfg.Apply(u)
	if s.state == StateIdle {
		s.state = StateConfigured
	}
	s.log.Debug("session configured",
		"sample_rate", s.cfg.SampleRate,
		"model", s.cfg.Model,
		"phrases", len(s.cfg.PhraseList),
		"words", s.cfg.Words,
		"max_alternatives", s.cfg.MaxAlternatives,
		"recreate", recreate,
	)

	if recreate && s.rec != nil {
		s.dropRecognizer()
		if err := s.ensureRecognizer(); err != nil {
			return err
		}
	}
	return nil
}

// Audio decodes one chunk of s16le PCM and returns a partial or final result.
func (s *Session) Audio(ctx context.Context, pcm []byte) (protocol.Response, error) {
	if err := s.ensureRecognizer(); err != nil {
		return protocol.Response{}, err
	}
	s.state = StateStreaming

	rec := s.rec
	var resp protocol.Response
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		done, err := rec.AcceptWaveform(ctx, pcm)
		if err != nil {
			return err
		}
		if done {
			resp = s.format(rec.Result())
		} else {
			resp = protocol.NewPartial(rec.PartialResult())
		}
		return nil
	})
	if err != nil {
		return protocol.Response{}, s.fail(err)
	}
	return resp, nil
}

// Reset flushes buffered audio into a final result and keeps the session
// open. With nothing buffered the result is an empty utterance.
func (s *Session) Reset(ctx context.Context) (protocol.Response, error) {
	resp, err := s.flush(ctx)
	if err != nil {
		return protocol.Response{}, s.fail(err)
	}
	return resp, nil
}

// Finish flushes buffered audio into the last result, marked final, and
// closes the session.
func (s *Session) Finish(ctx context.Context) (protocol.Response, error) {
	s.state = StateFinalizing
	resp, err := s.flush(ctx)
	if err != nil {
		return protocol.Response{}, s.fail(err)
	}
	resp.Final = true
	_ = s.Close()
	return resp, nil
}

// Close releases the recognizer. Safe to call more than once.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.dropRecognizer()
}

func (s *Session) flush(ctx context.Context) (protocol.Response, error) {
	if s.rec == nil {
		return s.format(stt.Utterance{}), nil
	}
	rec := s.rec
	var u stt.Utterance
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		u, err = rec.FinalResult(ctx)
		return err
	})
	if err != nil {
		return protocol.Response{}, err
	}
	return s.format(u), nil
}

func (s *Session) ensureRecognizer() error {
	if s.rec != nil {
		return nil
	}
	model, err := s.models.Get(s.cfg.Model)
	if err != nil {
		return s.fail(fmt.Errorf("%w: %w", ErrDecodeFailure, err))
	}
	rec, err := model.NewRecognizer(stt.RecognizerConfig{
		SampleRate: s.cfg.SampleRate,
		PhraseList: s.cfg.PhraseList,
	})
	if err != nil {
		return s.fail(fmt.Errorf("%w: create recognizer: %w", ErrDecodeFailure, err))
	}
	s.rec = rec
	s.gen++
	s.log.Debug("recognizer created", "generation", s.gen, "sample_rate", s.cfg.SampleRate, "model", s.cfg.Model)
	return nil
}

func (s *Session) dropRecognizer() error {
	if s.rec == nil {
		return nil
	}
	err := s.rec.Close()
	s.rec = nil
	return err
}

func (s *Session) fail(err error) error {
	s.log.Error("session failed", "err", err)
	_ = s.Close()
	return err
}

// format renders an utterance according to the words and max_alternatives
// settings.
func (s *Session) format(u stt.Utterance) protocol.Response {
	if n := s.cfg.MaxAlternatives; n > 0 {
		alts := u.Alternatives
		if len(alts) == 0 {
			alts = []stt.Alternative{{Text: u.Text, Confidence: 1, Words: u.Words}}
		}
		alts = alts[:min(n, len(alts))]
		out := make([]protocol.Alternative, len(alts))
		for i, a := range alts {
			out[i] = protocol.Alternative{Text: a.Text, Confidence: a.Confidence}
			if s.cfg.Words {
				out[i].Result = words(a.Words, a.Text)
			}
		}
		return protocol.Response{Alternatives: out}
	}

	text := u.Text
	resp := protocol.Response{Text: &text}
	if s.cfg.Words {
		resp.Result = words(u.Words, u.Text)
	}
	return resp
}

// words converts decoder word details. Decoders that report none get one
// entry per whitespace-separated token of text, with unknown times and full
// confidence, so a non-empty final always carries "result".
func words(in []stt.WordDetail, text string) []protocol.Word {
	if len(in) == 0 {
		fields := strings.Fields(text)
		if len(fields) == 0 {
			return nil
		}
		out := make([]protocol.Word, len(fields))
		for i, f := range fields {
			out[i] = protocol.Word{Word: f, Conf: 1}
		}
		return out
	}
	out := make([]protocol.Word, len(in))
	for i, w := range in {
		out[i] = protocol.Word{
			Word:  w.Word,
			Start: w.Start.Seconds(),
			End:   w.End.Seconds(),
			Conf:  w.Confidence,
		}
	}
	return out
}
