package leg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaiwa/internal/observe"
)

// Responder is the client of the LLM leg: one utterance in, one reply out.
// It is safe for concurrent use but only ever has one request outstanding.
type Responder struct {
	mu      sync.Mutex
	conn    *Conn
	metrics *observe.Metrics
}

// NewResponder wraps an LLM connection. metrics may be nil.
func NewResponder(conn *Conn, metrics *observe.Metrics) *Responder {
	return &Responder{conn: conn, metrics: metrics}
}

// Send returns the reply to text. If the connection is closed it redials
// once and resends the same text; a second failure is returned.
func (r *Responder) Send(ctx context.Context, text string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "leg.llm.send")
	defer span.End()

	start := time.Now()
	reply, err := r.roundTrip(ctx, text)
	if errors.Is(err, ErrConnectionClosed) {
		slog.Warn("llm leg closed, redialing", "err", err)
		if rerr := r.conn.Redial(ctx); rerr != nil {
			return "", fmt.Errorf("leg: llm: %w", errors.Join(err, rerr))
		}
		reply, err = r.roundTrip(ctx, text)
	}
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if r.metrics != nil {
		r.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	return reply, nil
}

// Close closes the connection.
func (r *Responder) Close() error {
	return r.conn.Close()
}

func (r *Responder) roundTrip(ctx context.Context, text string) (string, error) {
	if err := r.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return "", err
	}
	typ, data, err := r.conn.Read(ctx)
	if err != nil {
		return "", err
	}
	if typ != websocket.MessageText {
		return "", fmt.Errorf("leg: llm: unexpected %v reply", typ)
	}
	return string(data), nil
}
