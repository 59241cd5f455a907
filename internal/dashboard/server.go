// Package dashboard serves a live HTML view of the conversation: recognized
// utterances and replies pushed over a websocket, the stored turn history,
// and an endpoint that reconfigures the recognizer mid-session.
package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/internal/pipeline"
	"github.com/MrWong99/kaiwa/internal/sink"
	"github.com/MrWong99/kaiwa/pkg/protocol"
)

//go:embed index.html
var indexHTML []byte

// writeTimeout bounds one push to a websocket client.
const writeTimeout = 5 * time.Second

// maxConfigBody bounds POST /api/config.
const maxConfigBody = 64 << 10

// HistorySource returns stored turns, oldest first. [sink.Redis] and [Hub]
// implement it.
type HistorySource interface {
	History(ctx context.Context, n int64) ([]sink.Event, error)
}

var (
	_ HistorySource = (*sink.Redis)(nil)
	_ HistorySource = (*Hub)(nil)
)

// Configurer applies recognizer changes. [pipeline.Pipeline] implements it.
type Configurer interface {
	UpdateConfig(u protocol.ConfigUpdate) error
}

var _ Configurer = (*pipeline.Pipeline)(nil)

// Server routes the dashboard endpoints.
type Server struct {
	hub        *Hub
	history    HistorySource
	configurer Configurer
	historyLen int64
	metrics    *observe.Metrics
}

// Option configures a [Server].
type Option func(*Server)

// WithHistory serves /api/history from h instead of the hub's memory.
func WithHistory(h HistorySource) Option {
	return func(s *Server) { s.history = h }
}

// WithHistoryLen sets the default number of turns of /api/history.
func WithHistoryLen(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.historyLen = n
		}
	}
}

// WithMetrics records HTTP request metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a dashboard. configurer may be nil, which disables
// POST /api/config.
func NewServer(hub *Hub, configurer Configurer, opts ...Option) *Server {
	s := &Server{hub: hub, history: hub, configurer: configurer, historyLen: 50}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes returns the dashboard router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}
	r.Get("/", s.index)
	r.Get("/ws", s.events)
	r.Get("/api/history", s.historyHandler)
	r.Post("/api/config", s.configHandler)
	return r
}

func (s *Server) index(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexHTML)
}

// events streams every published event to one client as JSON text messages.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	events, slow, cancel, err := s.hub.Subscribe()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("dashboard: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// The client never sends; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-slow:
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case e := <-events:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, e)
			wcancel()
			if err != nil {
				log.Debug("dashboard: client gone", "err", err)
				return
			}
		}
	}
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	n := s.historyLen
	if q := r.URL.Query().Get("n"); q != "" {
		v, err := strconv.ParseInt(q, 10, 64)
		if err != nil || v <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
			return
		}
		n = v
	}
	turns, err := s.history.History(r.Context(), n)
	if err != nil {
		observe.Logger(r.Context()).Warn("dashboard: history unavailable", "err", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "history unavailable"})
		return
	}
	if turns == nil {
		turns = []sink.Event{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// configHandler accepts a partial recognizer config, e.g.
// {"phrase_list": ["はい", "いいえ"], "model": "small"}.
func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	if s.configurer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "no running pipeline"})
		return
	}
	var u protocol.ConfigUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfigBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	if u.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty config update"})
		return
	}
	if u.SampleRate != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sample_rate is fixed by the capture device"})
		return
	}
	if err := s.configurer.UpdateConfig(u); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pipeline.ErrControlQueueFull) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	slog.Info("dashboard: recognizer config queued", "phrase_list", u.PhraseList != nil, "model", u.Model != nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
