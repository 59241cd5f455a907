// Package speaker implements the TTS leg server: each text message is
// synthesized, played on the local output device, and acknowledged with an
// empty text message once playback has finished.
package speaker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/pkg/provider/tts"
)

// DefaultTimeout bounds synthesis plus playback of one utterance.
const DefaultTimeout = 2 * time.Minute

var errAllBackendsOpen = errors.New("speaker: every tts backend has an open circuit breaker")

// Config holds the synthesis parameters shared by every connection.
type Config struct {
	Voice tts.Voice

	// Timeout bounds one utterance. Zero uses [DefaultTimeout].
	Timeout time.Duration

	// ProviderName labels metrics.
	ProviderName string
}

// Server accepts TTS leg connections.
type Server struct {
	provider tts.Provider
	player   Player
	cfg      Config
	metrics  *observe.Metrics
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records synthesis latency and provider outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server that synthesizes with p and plays through
// player.
func NewServer(p tts.Provider, player Player, cfg Config, opts ...Option) *Server {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "tts"
	}
	s := &Server{provider: p, player: player, cfg: cfg}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and speaks messages until the client
// disconnects. A synthesis failure closes the connection with an internal
// error status and no acknowledgement.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("tts: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	log := slog.With("remote", r.RemoteAddr)
	log.Info("tts connection opened")

	status, reason := s.serve(r.Context(), conn, log)
	_ = conn.Close(status, reason)
	log.Info("tts connection closed", "status", status.String())
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Warn("tts read failed", "err", err)
			}
			return websocket.StatusNormalClosure, ""
		}
		if typ != websocket.MessageText {
			return websocket.StatusUnsupportedData, "text messages only"
		}

		if text := strings.TrimSpace(string(data)); text != "" {
			if err := s.speak(ctx, text); err != nil {
				log.Error("tts utterance failed", "err", err, "text", text)
				return websocket.StatusInternalError, "synthesis failed"
			}
		}
		if err := conn.Write(ctx, websocket.MessageText, nil); err != nil {
			log.Warn("tts ack failed", "err", err)
			return websocket.StatusInternalError, "write failure"
		}
	}
}

func (s *Server) speak(ctx context.Context, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "speaker.utterance",
		trace.WithAttributes(
			attribute.String("provider", s.cfg.ProviderName),
			attribute.Int("text.runes", len([]rune(text))),
		))
	defer span.End()

	start := time.Now()
	out, err := s.provider.Synthesize(ctx, text, s.cfg.Voice)
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, "tts")
		}
		s.metrics.RecordProviderRequest(ctx, s.cfg.ProviderName, "tts", status)
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err == nil {
		err = s.player.Play(ctx, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Voices serves the provider's voice list as JSON.
func (s *Server) Voices(w http.ResponseWriter, r *http.Request) {
	voices, err := s.provider.ListVoices(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(voices)
}

// Check reports the provider unhealthy when every backend's breaker is open.
func (s *Server) Check(context.Context) error {
	if h, ok := s.provider.(interface{ Healthy() bool }); ok && !h.Healthy() {
		return errAllBackendsOpen
	}
	return nil
}
