// Package leg implements the client side of the three pipeline legs: the ASR
// leg ([Recognizer]), the LLM leg ([Responder]) and the TTS leg
// ([Synthesizer]). Each leg is one persistent websocket [Conn].
package leg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/kaiwa/internal/observe"
)

// ErrConnectionClosed marks a failure of the underlying connection. The LLM
// and TTS legs redial once on it; on the ASR leg it is fatal.
var ErrConnectionClosed = errors.New("leg: connection closed")

// DefaultReadLimit bounds a single server message.
const DefaultReadLimit = 1 << 20

// Conn is a redialable websocket connection to one endpoint. Read and Write
// must not be called concurrently with Redial; the leg clients serialize
// their calls.
type Conn struct {
	name      string
	url       string
	session   string
	readLimit int64
	metrics   *observe.Metrics

	mu sync.Mutex
	ws *websocket.Conn
}

// Option configures a [Conn].
type Option func(*Conn)

// WithMetrics records redials on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Conn) { c.metrics = m }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) Option {
	return func(c *Conn) { c.readLimit = n }
}

// WithSession adds a session query parameter to the endpoint so the server
// can resume per-session state on every (re)dial.
func WithSession(id string) Option {
	return func(c *Conn) { c.session = id }
}

// Dial connects to rawURL. name identifies the leg in logs and metrics.
func Dial(ctx context.Context, name, rawURL string, opts ...Option) (*Conn, error) {
	c := &Conn{name: name, url: rawURL, readLimit: DefaultReadLimit}
	for _, o := range opts {
		o(c)
	}
	if c.session != "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("leg: %s: parse %s: %w", name, rawURL, err)
		}
		q := u.Query()
		q.Set("session", c.session)
		u.RawQuery = q.Encode()
		c.url = u.String()
	}
	ws, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	return c, nil
}

// Name returns the leg name given to [Dial].
func (c *Conn) Name() string { return c.name }

// URL returns the endpoint address.
func (c *Conn) URL() string { return c.url }

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	ws, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("leg: %s: dial %s: %w", c.name, c.url, err)
	}
	ws.SetReadLimit(c.readLimit)
	return ws, nil
}

// Redial drops the current connection and opens a fresh one to the same
// endpoint.
func (c *Conn) Redial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ws != nil {
		_ = c.ws.CloseNow()
		c.ws = nil
	}
	ws, err := c.dial(ctx)
	if err != nil {
		c.recordReconnect(ctx, "failed")
		return err
	}
	c.ws = ws
	c.recordReconnect(ctx, "ok")
	slog.Info("leg reconnected", "leg", c.name, "url", c.url)
	return nil
}

func (c *Conn) recordReconnect(ctx context.Context, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordReconnect(context.WithoutCancel(ctx), c.name, outcome)
	}
}

func (c *Conn) current() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil, fmt.Errorf("%w: %s: not connected", ErrConnectionClosed, c.name)
	}
	return c.ws, nil
}

// Write sends one message.
func (c *Conn) Write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	ws, err := c.current()
	if err != nil {
		return err
	}
	if err := ws.Write(ctx, typ, data); err != nil {
		return c.classify(ctx, "write", err)
	}
	return nil
}

// Read receives one message.
func (c *Conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	ws, err := c.current()
	if err != nil {
		return 0, nil, err
	}
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return 0, nil, c.classify(ctx, "read", err)
	}
	return typ, data, nil
}

// classify reports caller cancellation as is and every other transport
// failure as [ErrConnectionClosed].
func (c *Conn) classify(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("leg: %s: %s: %w", c.name, op, ctxErr)
	}
	return fmt.Errorf("%w: %s: %s: %w", ErrConnectionClosed, c.name, op, err)
}

// Close performs a normal closing handshake. Closing a connection the peer
// already closed is not an error.
func (c *Conn) Close() error {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	err := ws.Close(websocket.StatusNormalClosure, "")
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return fmt.Errorf("leg: %s: close: %w", c.name, err)
}
