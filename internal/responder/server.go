// Package responder implements the LLM leg server: each text message on a
// websocket connection is one user utterance, answered by exactly one text
// message with the model's reply.
//
// A client that connects with a session query parameter resumes that
// session's history on every reconnect. Without one, history lives as long
// as the connection.
package responder

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/pkg/provider/llm"
)

// DefaultPersona is the system prompt used when none is configured.
const DefaultPersona = `あなたは日本語で会話する高齢者介護スタッフです。あなたのプロフィールは以下です。
名前: わんこ
性別: 男
年齢: 25歳
出身: 東京都調布市
職業: 介護スタッフ（5年目）、公認介護度認定士
スキル: 長谷川式認知症診断法
趣味: ハイキング、映画鑑賞、楽器演奏（ドラム）。
あなたは、高齢者のお世話が仕事です。特に、高齢者の悩みに対して身の上相談をして助けてあげたいと思っています。
高齢者の老化に伴う肉体的、精神的な痛みに対して、相談に乗ってあげてください。
高齢者と会話する時には、簡潔にわかりやすく答えてください。
わからない質問には、適当に答えないで、素直にわかりませんと答えてください。
自分のプロフィールについては聞かれた時だけに答えてください。`

var errAllBackendsOpen = errors.New("responder: every llm backend has an open circuit breaker")

// DefaultTimeout bounds one completion.
const DefaultTimeout = 60 * time.Second

// Config holds the conversation parameters shared by every connection.
type Config struct {
	// Persona is the system prompt. Empty uses [DefaultPersona].
	Persona string

	// HistoryWords is the per-conversation history budget.
	HistoryWords int

	// MaxConversations bounds the session histories kept across
	// reconnects. Zero uses [DefaultMaxConversations].
	MaxConversations int

	// IdleTimeout drops a session history unused for this long. Zero uses
	// [DefaultIdleTimeout].
	IdleTimeout time.Duration

	// Temperature is sent with every request; zero is greedy decoding.
	Temperature float64

	MaxTokens int

	// Timeout bounds one completion. Zero uses [DefaultTimeout].
	Timeout time.Duration

	// ProviderName labels metrics.
	ProviderName string
}

// Server accepts LLM leg connections.
type Server struct {
	provider llm.Provider
	cfg      Config
	metrics  *observe.Metrics
	convs    *conversations
}

// Option configures a [Server].
type Option func(*Server)

// WithMetrics records reply latency and provider outcomes on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a server answering with p.
func NewServer(p llm.Provider, cfg Config, opts ...Option) *Server {
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "llm"
	}
	s := &Server{
		provider: p,
		cfg:      cfg,
		convs:    newConversations(cfg.MaxConversations, cfg.IdleTimeout, cfg.HistoryWords),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and answers messages until the client
// disconnects. A provider failure closes the connection with an internal
// error status; the client is expected to redial.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Warn("llm: websocket accept failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	conv, resumed, release := s.convs.acquire(r.URL.Query().Get("session"))
	defer release()
	log := slog.With("conversation_id", conv.id, "remote", r.RemoteAddr)
	log.Info("llm conversation opened", "resumed", resumed)

	status, reason := s.serve(r.Context(), conn, conv, log)
	_ = conn.Close(status, reason)
	log.Info("llm conversation closed", "status", status.String())
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, conv *conversation, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Warn("llm read failed", "err", err)
			}
			return websocket.StatusNormalClosure, ""
		}
		if typ != websocket.MessageText {
			return websocket.StatusUnsupportedData, "text messages only"
		}

		text := string(data)
		log.Debug("llm request", "text", text)

		// A failed turn leaves the history untouched so the client's resend
		// is not recorded twice.
		conv.mu.Lock()
		reply, err := s.reply(ctx, conv.hist.Preview(llm.RoleUser, text))
		if err == nil {
			conv.hist.Add(llm.RoleUser, text)
			conv.hist.Add(llm.RoleAssistant, reply)
		}
		words := conv.hist.Words()
		conv.mu.Unlock()
		if err != nil {
			log.Error("llm completion failed", "err", err)
			return websocket.StatusInternalError, "completion failed"
		}
		log.Debug("llm reply", "text", reply, "history_words", words)

		if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
			log.Warn("llm write failed", "err", err)
			return websocket.StatusInternalError, "write failure"
		}
	}
}

func (s *Server) reply(ctx context.Context, msgs []llm.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "responder.complete",
		trace.WithAttributes(
			attribute.String("provider", s.cfg.ProviderName),
			attribute.Int("history.messages", len(msgs)),
		))
	defer span.End()

	start := time.Now()
	resp, err := s.provider.Complete(ctx, llm.Request{
		SystemPrompt: s.cfg.Persona,
		Messages:     msgs,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	if s.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
			s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, "llm")
		}
		s.metrics.RecordProviderRequest(ctx, s.cfg.ProviderName, "llm", status)
		s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(
		attribute.Int("usage.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("usage.completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Text, nil
}

// Check reports the provider unhealthy when it exposes breaker state and
// every backend is currently rejecting calls.
func (s *Server) Check(context.Context) error {
	if h, ok := s.provider.(interface{ Healthy() bool }); ok && !h.Healthy() {
		return errAllBackendsOpen
	}
	return nil
}
