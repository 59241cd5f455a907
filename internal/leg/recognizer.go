package leg

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/pkg/protocol"
)

// Recognizer is the client of the ASR leg. Every call except Configure sends
// one message and waits for its one response, so responses stay in request
// order. Connection failures are not retried.
type Recognizer struct {
	conn    *Conn
	metrics *observe.Metrics
}

// NewRecognizer wraps an ASR connection. metrics may be nil.
func NewRecognizer(conn *Conn, metrics *observe.Metrics) *Recognizer {
	return &Recognizer{conn: conn, metrics: metrics}
}

// Configure sends a configuration message. The server never answers it.
func (r *Recognizer) Configure(ctx context.Context, u protocol.ConfigUpdate) error {
	data, err := json.Marshal(protocol.ConfigMessage{Config: u})
	if err != nil {
		return fmt.Errorf("leg: asr: encode config: %w", err)
	}
	return r.conn.Write(ctx, websocket.MessageText, data)
}

// Recognize sends one audio frame and returns the server's partial or final
// result for it.
func (r *Recognizer) Recognize(ctx context.Context, pcm []byte) (protocol.Response, error) {
	return r.roundTrip(ctx, websocket.MessageBinary, pcm)
}

// Reset flushes the server-side recognizer. The session stays open.
func (r *Recognizer) Reset(ctx context.Context) (protocol.Response, error) {
	return r.roundTrip(ctx, websocket.MessageText, protocol.ResetMessage)
}

// Finish sends eof and returns the last result. The server closes the
// session afterwards.
func (r *Recognizer) Finish(ctx context.Context) (protocol.Response, error) {
	resp, err := r.roundTrip(ctx, websocket.MessageText, protocol.EOFMessage)
	if err != nil {
		return protocol.Response{}, err
	}
	// Older servers answer eof with a plain final result.
	resp.Final = true
	return resp, nil
}

// Close closes the connection.
func (r *Recognizer) Close() error {
	return r.conn.Close()
}

func (r *Recognizer) roundTrip(ctx context.Context, typ websocket.MessageType, data []byte) (protocol.Response, error) {
	start := time.Now()
	if err := r.conn.Write(ctx, typ, data); err != nil {
		return protocol.Response{}, err
	}
	_, reply, err := r.conn.Read(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := protocol.ParseResponse(reply)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("leg: asr: %w", err)
	}
	if r.metrics != nil {
		r.metrics.ASRRoundTrip.Record(ctx, time.Since(start).Seconds())
	}
	return resp, nil
}
