package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/kaiwa/internal/config"
	"github.com/MrWong99/kaiwa/internal/health"
	"github.com/MrWong99/kaiwa/internal/recognizer"
	"github.com/MrWong99/kaiwa/internal/resilience"
	"github.com/MrWong99/kaiwa/internal/responder"
	"github.com/MrWong99/kaiwa/internal/speaker"
	"github.com/MrWong99/kaiwa/pkg/protocol"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
	"github.com/MrWong99/kaiwa/pkg/provider/tts"
)

// NewASR builds the speech recognition leg server. Every configured model
// is loaded before the listener is bound.
func NewASR(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := newApp("asr", cfg, reg, opts)
	if err := a.initASR(); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) initASR() error {
	acfg := a.cfg.ASR
	if len(acfg.Models) == 0 {
		return errors.New("app: asr.models must name at least one decoding model")
	}
	def := acfg.DefaultModel
	if def == "" {
		def = acfg.Models[0].ID
	}

	loaded := make(map[string]stt.Model, len(acfg.Models))
	for _, mc := range acfg.Models {
		m, err := a.reg.CreateSTT(mc.ProviderEntry)
		if err != nil {
			for _, m := range loaded {
				_ = m.Close()
			}
			return fmt.Errorf("app: asr model %q: %w", mc.ID, err)
		}
		loaded[mc.ID] = m
		slog.Info("decoding model loaded", "id", mc.ID, "provider", mc.Name, "default", mc.ID == def)
	}
	defModel, ok := loaded[def]
	if !ok {
		for _, m := range loaded {
			_ = m.Close()
		}
		return fmt.Errorf("app: %w: default %q", recognizer.ErrUnknownModel, def)
	}
	models := recognizer.NewModels(def, defModel)
	for id, m := range loaded {
		if id != def {
			models.Add(id, m)
		}
	}
	a.closers = append(a.closers, models.Close)

	pool := recognizer.NewPool(acfg.Workers, acfg.Workers*acfg.QueueDepth, a.metrics)
	srv := recognizer.NewServer(models, pool, protocol.DefaultSessionConfig(), recognizer.WithMetrics(a.metrics))

	a.health.Add(health.Checker{Name: "decode_pool", Check: func(context.Context) error {
		if limit := int64(pool.Workers() * (acfg.QueueDepth + 1)); pool.Pending() >= limit {
			return fmt.Errorf("%w: %d decodes pending", recognizer.ErrPoolSaturated, pool.Pending())
		}
		return nil
	}})

	r := a.newRouter()
	r.Handle("/", srv)
	a.adminRoutes(r)
	return a.listen("asr", acfg.ListenAddr, r)
}

// NewLLM builds the reply generation leg server. The primary provider and
// every fallback sit behind their own circuit breaker.
func NewLLM(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := newApp("llm", cfg, reg, opts)
	if err := a.initLLM(); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) initLLM() error {
	lcfg := a.cfg.LLM
	if lcfg.Provider.Name == "" {
		return errors.New("app: llm.provider.name is required")
	}
	primary, err := a.reg.CreateLLM(lcfg.Provider)
	if err != nil {
		return fmt.Errorf("app: llm provider: %w", err)
	}
	slog.Info("provider created", "kind", "llm", "name", lcfg.Provider.Name, "model", lcfg.Provider.Model)

	group := resilience.NewLLMFallback(primary, lcfg.Provider.Name, fallbackConfig("llm", lcfg.CircuitBreaker))
	for i, fb := range lcfg.Fallbacks {
		p, err := a.reg.CreateLLM(fb)
		if err != nil {
			return fmt.Errorf("app: llm fallback %d (%s): %w", i, fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
		slog.Info("provider created", "kind", "llm", "name", fb.Name, "model", fb.Model, "fallback", i+1)
	}

	srv := responder.NewServer(group, responder.Config{
		Persona:          lcfg.Persona,
		HistoryWords:     lcfg.HistoryWords,
		MaxConversations: lcfg.MaxConversations,
		IdleTimeout:      lcfg.ConversationIdle,
		Temperature:      lcfg.Temperature,
		MaxTokens:        lcfg.MaxTokens,
		Timeout:          lcfg.Timeout,
		ProviderName:     lcfg.Provider.Name,
	}, responder.WithMetrics(a.metrics))
	a.health.Add(health.Checker{Name: "llm", Check: srv.Check})

	r := a.newRouter()
	r.Handle("/", srv)
	a.adminRoutes(r)
	return a.listen("llm", lcfg.ListenAddr, r)
}

// NewTTS builds the synthesis and playback leg server.
func NewTTS(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := newApp("tts", cfg, reg, opts)
	if err := a.initTTS(); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) initTTS() error {
	tcfg := a.cfg.TTS
	if tcfg.Provider.Name == "" {
		return errors.New("app: tts.provider.name is required")
	}
	primary, err := a.reg.CreateTTS(tcfg.Provider)
	if err != nil {
		return fmt.Errorf("app: tts provider: %w", err)
	}
	slog.Info("provider created", "kind", "tts", "name", tcfg.Provider.Name, "voice", tcfg.Voice)

	group := resilience.NewTTSFallback(primary, tcfg.Provider.Name, fallbackConfig("tts", tcfg.CircuitBreaker))
	for i, fb := range tcfg.Fallbacks {
		p, err := a.reg.CreateTTS(fb.ProviderEntry)
		if err != nil {
			return fmt.Errorf("app: tts fallback %d (%s): %w", i, fb.Name, err)
		}
		group.AddFallback(fb.Name, p, tts.Voice{ID: fb.Voice, Provider: fb.Name})
		slog.Info("provider created", "kind", "tts", "name", fb.Name, "voice", fb.Voice, "fallback", i+1)
	}

	player := a.player
	if player == nil {
		if tcfg.Playback.Silent {
			player = speaker.Silent{Realtime: true}
		} else {
			op, err := speaker.NewOtoPlayer(tcfg.Playback.SampleRate, tcfg.Playback.BufferMs)
			if err != nil {
				return fmt.Errorf("app: %w", err)
			}
			player = op
		}
	}

	srv := speaker.NewServer(group, player, speaker.Config{
		Voice:        tts.Voice{ID: tcfg.Voice, Provider: tcfg.Provider.Name},
		Timeout:      tcfg.Timeout,
		ProviderName: tcfg.Provider.Name,
	}, speaker.WithMetrics(a.metrics))
	a.health.Add(health.Checker{Name: "tts", Check: srv.Check})

	r := a.newRouter()
	r.Handle("/", srv)
	r.Get("/voices", srv.Voices)
	a.adminRoutes(r)
	return a.listen("tts", tcfg.ListenAddr, r)
}

// fallbackConfig applies the configured breaker tuning to every entry of a
// fallback group and logs what happens to them.
func fallbackConfig(kind string, b config.BreakerConfig) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "kind", kind, "provider", name, "from", from.String(), "to", to.String())
			},
		},
		OnAttempt: func(name string, err error) {
			if err != nil {
				slog.Warn("provider attempt failed", "kind", kind, "provider", name, "err", err)
			}
		},
	}
}
