package recognizer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/pkg/protocol"
)

// DefaultReadLimit bounds a single client message. One second of 48 kHz
// audio is under 100 KiB.
const DefaultReadLimit = 1 << 20

// Server accepts ASR websocket connections and runs one [Session] per
// connection.
type Server struct {
	models    *Models
	pool      *Pool
	defaults  protocol.SessionConfig
	metrics   *observe.Metrics
	readLimit int64
}

// ServerOption configures a [Server].
type ServerOption func(*Server)

// WithMetrics records active sessions on m.
func WithMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithReadLimit overrides [DefaultReadLimit].
func WithReadLimit(n int64) ServerOption {
	return func(s *Server) { s.readLimit = n }
}

// NewServer creates a server. defaults is the configuration every session
// starts from.
func NewServer(models *Models, pool *Pool, defaults protocol.SessionConfig, opts ...ServerOption) *Server {
	s := &Server{models: models, pool: pool, defaults: defaults, readLimit: DefaultReadLimit}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and serves one session until the client
// sends eof, disconnects, or the session fails.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("asr: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	conn.SetReadLimit(s.readLimit)

	ctx := r.Context()
	sess := NewSession(uuid.NewString(), s.models, s.pool, s.defaults)
	defer sess.Close()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	log := slog.With("session_id", sess.ID(), "remote", r.RemoteAddr)
	log.Info("asr session opened")

	status, reason := s.serve(ctx, conn, sess, log)
	_ = conn.Close(status, reason)
	log.Info("asr session closed", "status", status.String(), "state", sess.State().String())
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("client closed connection")
			default:
				if ctx.Err() != nil {
					return websocket.StatusGoingAway, "server shutting down"
				}
				log.Warn("asr read failed", "err", err)
			}
			return websocket.StatusNormalClosure, ""
		}

		resp, done, err := sess.Handle(ctx, typ == websocket.MessageBinary, data)
		if err != nil {
			if errors.Is(err, ErrPoolSaturated) {
				return websocket.StatusTryAgainLater, "decode pool saturated"
			}
			return websocket.StatusInternalError, "decode failure"
		}
		if resp != nil {
			payload, err := json.Marshal(resp)
			if err != nil {
				return websocket.StatusInternalError, "encode failure"
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				log.Warn("asr write failed", "err", err)
				return websocket.StatusInternalError, "write failure"
			}
		}
		if done {
			return websocket.StatusNormalClosure, "eof"
		}
	}
}
