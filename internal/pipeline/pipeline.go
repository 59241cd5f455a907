// Package pipeline runs the duplex conversation loop: it feeds captured
// audio to the ASR leg, turns final transcripts into replies over the LLM
// leg and speaks them over the TTS leg.
//
// All leg I/O happens on the goroutine that calls [Pipeline.Run]. Turns are
// strictly sequential: the next frame is not read before the current turn's
// synthesis has resolved.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/kaiwa/internal/gate"
	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/internal/sink"
	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/protocol"
)

// DefaultFallbackText is spoken when no reply could be obtained.
const DefaultFallbackText = "申し訳ありませんが、お手伝いできません。"

// handshakeTimeout bounds the eof exchange during shutdown.
const handshakeTimeout = 5 * time.Second

// ErrControlQueueFull is returned by [Pipeline.UpdateConfig] when the loop
// is not draining control items.
var ErrControlQueueFull = errors.New("pipeline: control queue full")

// Source produces audio frames. [audio.Capture] implements it. Frames left
// queued after Close are discarded; Close need not close the Frames channel.
type Source interface {
	Start(ctx context.Context) error
	Frames() <-chan audio.AudioFrame
	Err() <-chan error
	// FrameBytes is the exact size of every valid frame.
	FrameBytes() int
	Close() error
}

// Recognizer is the ASR leg.
type Recognizer interface {
	Configure(ctx context.Context, u protocol.ConfigUpdate) error
	Recognize(ctx context.Context, pcm []byte) (protocol.Response, error)
	Reset(ctx context.Context) (protocol.Response, error)
	Finish(ctx context.Context) (protocol.Response, error)
	Close() error
}

// Responder is the LLM leg. Send already retries once on a closed
// connection.
type Responder interface {
	Send(ctx context.Context, text string) (string, error)
	Close() error
}

// Speaker plays a reply. Speak returns with the admission gate released.
type Speaker interface {
	Speak(ctx context.Context, text string) (int, error)
	Close() error
}

var _ Source = (*audio.Capture)(nil)

// Features toggles optional pipeline behaviour.
type Features struct {
	// BargeInSuppression drops captured audio while a reply is playing.
	// The caller honours it by handing the gate to capture and speaker;
	// the pipeline verifies the gate is open whenever it resumes reading.
	BargeInSuppression bool

	// FallbackOnEmpty speaks the fallback text for an empty final
	// transcript instead of skipping the turn.
	FallbackOnEmpty bool

	// EmitEvents pushes completed turns to the sink.
	EmitEvents bool

	// EmitPartials pushes non-empty partial transcripts to the sink.
	EmitPartials bool

	// ResetAfterTurn flushes the recognizer after every spoken reply so
	// audio decoded before the reply cannot leak into the next utterance.
	ResetAfterTurn bool
}

// DefaultFeatures returns the feature set used when none is configured.
func DefaultFeatures() Features {
	return Features{BargeInSuppression: true, EmitEvents: true}
}

// Options configures a [Pipeline].
type Options struct {
	// SessionID tags logs, spans and events. Default: a random UUID.
	SessionID string

	Features Features

	// Config is sent to the ASR leg before the first frame.
	Config protocol.ConfigUpdate

	// FallbackText defaults to [DefaultFallbackText].
	FallbackText string

	// Filter defaults to [DefaultIgnoreWords] with exact matching.
	Filter *Filter
}

// Option configures optional collaborators of a [Pipeline].
type Option func(*Pipeline)

// WithSink sets the event sink. Default: [sink.Discard].
func WithSink(s sink.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithMetrics records turn metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithGate lets the pipeline check the admission gate between turns.
func WithGate(g *gate.Gate) Option {
	return func(p *Pipeline) { p.gate = g }
}

// Pipeline is one conversation session.
type Pipeline struct {
	src       Source
	rec       Recognizer
	responder Responder
	speaker   Speaker
	opts      Options

	sink    sink.Sink
	metrics *observe.Metrics
	gate    *gate.Gate
	log     *slog.Logger

	control chan protocol.ConfigUpdate
	filter  atomic.Pointer[Filter]
}

// New assembles a pipeline. It owns all four collaborators and closes them
// when Run returns.
func New(src Source, rec Recognizer, responder Responder, speaker Speaker, opts Options, extra ...Option) *Pipeline {
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.FallbackText == "" {
		opts.FallbackText = DefaultFallbackText
	}
	if opts.Filter == nil {
		opts.Filter = NewFilter(DefaultIgnoreWords, 0)
	}
	p := &Pipeline{
		src:       src,
		rec:       rec,
		responder: responder,
		speaker:   speaker,
		opts:      opts,
		sink:      sink.Discard,
		log:       slog.With("session_id", opts.SessionID),
		control:   make(chan protocol.ConfigUpdate, 8),
	}
	p.filter.Store(opts.Filter)
	for _, o := range extra {
		o(p)
	}
	return p
}

// SessionID returns the session identifier.
func (p *Pipeline) SessionID() string { return p.opts.SessionID }

// UpdateConfig queues a recognizer configuration change. It is applied by
// the loop between two frames and never interrupts a turn.
func (p *Pipeline) UpdateConfig(u protocol.ConfigUpdate) error {
	select {
	case p.control <- u:
		return nil
	default:
		return ErrControlQueueFull
	}
}

// SetFilter replaces the filler filter. The next final transcript uses it.
func (p *Pipeline) SetFilter(f *Filter) {
	if f != nil {
		p.filter.Store(f)
	}
}

// Run drives the session until the recognizer signals the end of the
// stream (nil), ctx is cancelled (ctx.Err()), or a leg fails beyond
// recovery. Every collaborator is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) (err error) {
	defer func() {
		if terr := p.teardown(); terr != nil {
			err = errors.Join(err, terr)
		}
	}()

	if !p.opts.Config.IsZero() {
		if err := p.rec.Configure(ctx, p.opts.Config); err != nil {
			return fmt.Errorf("pipeline: asr: configure: %w", err)
		}
	}
	if err := p.src.Start(ctx); err != nil {
		return fmt.Errorf("pipeline: capture: %w", err)
	}
	p.log.Info("pipeline running", "frame_bytes", p.src.FrameBytes(), "features", fmt.Sprintf("%+v", p.opts.Features))

	frames := p.src.Frames()
	for {
		p.checkGate()
		select {
		case <-ctx.Done():
			return p.shutdown(ctx)

		case u := <-p.control:
			if err := p.rec.Configure(ctx, u); err != nil {
				return fmt.Errorf("pipeline: asr: configure: %w", err)
			}
			p.log.Info("recognizer reconfigured")

		case err := <-p.src.Err():
			return fmt.Errorf("pipeline: capture: %w", err)

		case f, ok := <-frames:
			if !ok {
				if ctx.Err() != nil {
					return p.shutdown(ctx)
				}
				return errors.New("pipeline: capture stopped")
			}
			done, err := p.handleFrame(ctx, f)
			if err != nil {
				if ctx.Err() != nil {
					return p.shutdown(ctx)
				}
				return err
			}
			if done {
				p.log.Info("recognizer ended the stream")
				return nil
			}
		}
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, f audio.AudioFrame) (done bool, err error) {
	if want := p.src.FrameBytes(); len(f.Data) != want {
		p.log.Warn("discarding frame", "err", fmt.Errorf("%w: got %d bytes, want %d", audio.ErrFrameSize, len(f.Data), want))
		if p.metrics != nil {
			p.metrics.RecordFrameDrop(ctx, "size")
		}
		return false, nil
	}

	resp, err := p.rec.Recognize(ctx, f.Data)
	if err != nil {
		return false, fmt.Errorf("pipeline: asr: %w", err)
	}

	switch resp.Kind() {
	case protocol.Partial:
		if text := resp.Transcript(); text != "" && p.opts.Features.EmitPartials {
			p.sink.Push(sink.Event{Kind: sink.KindPartial, SessionID: p.opts.SessionID, Recognized: text, At: time.Now()})
		}
		return false, nil
	case protocol.Final:
		return false, p.onFinal(ctx, resp.Transcript())
	default:
		if err := p.onFinal(ctx, resp.Transcript()); err != nil {
			return false, err
		}
		last, err := p.rec.Finish(ctx)
		if err != nil {
			p.log.Warn("eof handshake failed", "err", err)
			return true, nil
		}
		return true, p.onFinal(ctx, last.Transcript())
	}
}

// onFinal runs one turn for a final transcript unless it is a filler.
func (p *Pipeline) onFinal(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" && p.opts.Features.FallbackOnEmpty {
		return p.turn(ctx, text, false)
	}
	if p.filter.Load().Skip(text) {
		if text != "" {
			p.log.Debug("ignoring filler", "text", text)
		}
		p.recordTurn(ctx, "skipped")
		return nil
	}
	return p.turn(ctx, text, true)
}

func (p *Pipeline) turn(ctx context.Context, text string, ask bool) error {
	turnID := uuid.NewString()
	ctx, span := observe.StartTurn(ctx, p.opts.SessionID, turnID, text)
	defer span.End()
	log := p.log.With("turn_id", turnID)
	start := time.Now()

	reply, fallback := p.opts.FallbackText, true
	if ask {
		r, err := p.responder.Send(ctx, text)
		switch {
		case err == nil:
			reply, fallback = r, false
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warn("responder failed, speaking fallback", "err", err)
			span.RecordError(err)
		}
	}
	log.Info("turn", "recognized", text, "reply", reply, "fallback", fallback)

	if p.opts.Features.EmitEvents {
		p.sink.Push(sink.Event{
			Kind:       sink.KindTurn,
			SessionID:  p.opts.SessionID,
			TurnID:     turnID,
			Recognized: text,
			Reply:      reply,
			Fallback:   fallback,
			At:         time.Now(),
		})
	}

	if _, err := p.speaker.Speak(ctx, reply); err != nil {
		span.RecordError(err)
		p.recordTurn(ctx, "failed")
		return fmt.Errorf("pipeline: tts: %w", err)
	}

	outcome := "replied"
	if fallback {
		outcome = "fallback"
	}
	p.recordTurn(ctx, outcome)
	if p.metrics != nil {
		p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	}

	if p.opts.Features.ResetAfterTurn {
		if _, err := p.rec.Reset(ctx); err != nil {
			return fmt.Errorf("pipeline: asr: reset: %w", err)
		}
	}
	return nil
}

// shutdown performs the eof handshake on a fresh context and reports the
// cancellation of ctx. Text in the last result is logged but not answered:
// only a server stop turns it into a final turn.
func (p *Pipeline) shutdown(ctx context.Context) error {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handshakeTimeout)
	defer cancel()
	if last, err := p.rec.Finish(hctx); err != nil {
		p.log.Debug("eof handshake failed", "err", err)
	} else if text := last.Transcript(); text != "" {
		p.log.Info("final transcript at shutdown", "recognized", text)
	}
	return ctx.Err()
}

// teardown stops capture, drains the frame queue and closes the legs in
// ASR, LLM, TTS order.
func (p *Pipeline) teardown() error {
	var errs []error
	if err := p.src.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture: %w", err))
	}
	drained := drainFrames(p.src.Frames())
	steps := []struct {
		name  string
		close func() error
	}{
		{"asr", p.rec.Close},
		{"llm", p.responder.Close},
		{"tts", p.speaker.Close},
	}
	for _, s := range steps {
		if err := s.close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s leg: %w", s.name, err))
		}
	}
	p.checkGate()
	p.log.Info("pipeline stopped", "frames_drained", drained)
	return errors.Join(errs...)
}

// drainFrames discards whatever is queued without waiting for more.
func drainFrames(frames <-chan audio.AudioFrame) int {
	n := 0
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

func (p *Pipeline) checkGate() {
	if p.gate != nil && p.gate.Held() {
		p.log.Error("admission gate held while waiting for audio")
	}
}

func (p *Pipeline) recordTurn(ctx context.Context, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordTurn(ctx, outcome)
	}
}
