package synth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/kaiwa/internal/gate"
	"github.com/MrWong99/kaiwa/internal/leg"
	"github.com/MrWong99/kaiwa/internal/observe"
)

// DefaultPause is the silence inserted between two segments of one reply.
const DefaultPause = time.Second

// Leg is the TTS connection a [Dispatcher] drives. [leg.Synthesizer]
// implements it.
type Leg interface {
	// Say sends one utterance and blocks until playback is acknowledged.
	Say(ctx context.Context, text string) error
	Redial(ctx context.Context) error
	Close() error
}

var _ Leg = (*leg.Synthesizer)(nil)

// Dispatcher speaks replies one segment at a time. It is the only writer of
// the admission gate: the gate is held from just before a segment is sent
// until its acknowledgement arrives or the send fails.
type Dispatcher struct {
	leg   Leg
	gate  *gate.Gate
	pause time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithPause sets the delay between segments. Zero disables pacing.
func WithPause(d time.Duration) Option {
	return func(s *Dispatcher) { s.pause = d }
}

// NewDispatcher creates a dispatcher. A nil gate disables barge-in
// suppression: capture keeps admitting audio during playback.
func NewDispatcher(l Leg, g *gate.Gate, opts ...Option) *Dispatcher {
	d := &Dispatcher{leg: l, gate: g, pause: DefaultPause, sleep: sleepCtx}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Speak splits text and plays every segment in order. It returns how many
// segments were acknowledged.
//
// A closed connection is redialed at most once per call and the failed
// segment is resent. Any further failure aborts the remaining segments. The
// gate is open again when Speak returns, whatever the outcome.
func (d *Dispatcher) Speak(ctx context.Context, text string) (int, error) {
	segments := Split(text)
	redialed := false

	for i, seg := range segments {
		if i > 0 && d.pause > 0 {
			if err := d.sleep(ctx, d.pause); err != nil {
				return i, err
			}
		}
		if err := d.speakSegment(ctx, seg, &redialed); err != nil {
			return i, fmt.Errorf("synth: segment %d/%d: %w", i+1, len(segments), err)
		}
	}
	return len(segments), nil
}

func (d *Dispatcher) speakSegment(ctx context.Context, seg string, redialed *bool) error {
	release := d.acquire()
	defer release()

	ctx, span := observe.StartSpan(ctx, "synth.segment")
	defer span.End()

	err := d.leg.Say(ctx, seg)
	if err == nil || !errors.Is(err, leg.ErrConnectionClosed) || *redialed {
		return err
	}

	*redialed = true
	slog.Warn("tts leg closed, redialing", "err", err)
	if rerr := d.leg.Redial(ctx); rerr != nil {
		span.RecordError(rerr)
		return errors.Join(err, rerr)
	}
	return d.leg.Say(ctx, seg)
}

func (d *Dispatcher) acquire() func() {
	if d.gate == nil {
		return func() {}
	}
	return d.gate.Acquire()
}

// Close closes the TTS leg.
func (d *Dispatcher) Close() error {
	return d.leg.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
