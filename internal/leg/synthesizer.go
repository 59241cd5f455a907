package leg

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaiwa/internal/observe"
)

// Synthesizer is the client of the TTS leg. Say blocks until the server
// acknowledges that the utterance finished playing. Retrying is left to the
// caller, which decides how many redials a turn may spend.
type Synthesizer struct {
	conn    *Conn
	metrics *observe.Metrics
}

// NewSynthesizer wraps a TTS connection. metrics may be nil.
func NewSynthesizer(conn *Conn, metrics *observe.Metrics) *Synthesizer {
	return &Synthesizer{conn: conn, metrics: metrics}
}

// Say sends one utterance and waits for the acknowledgement. The ack payload
// is ignored.
func (s *Synthesizer) Say(ctx context.Context, text string) error {
	start := time.Now()
	if err := s.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return err
	}
	if _, _, err := s.conn.Read(ctx); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	return nil
}

// Redial replaces the connection with a fresh one.
func (s *Synthesizer) Redial(ctx context.Context) error {
	return s.conn.Redial(ctx)
}

// Close closes the connection.
func (s *Synthesizer) Close() error {
	return s.conn.Close()
}
