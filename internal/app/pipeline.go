package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/MrWong99/kaiwa/internal/config"
	"github.com/MrWong99/kaiwa/internal/dashboard"
	"github.com/MrWong99/kaiwa/internal/gate"
	"github.com/MrWong99/kaiwa/internal/leg"
	"github.com/MrWong99/kaiwa/internal/pipeline"
	"github.com/MrWong99/kaiwa/internal/sink"
	"github.com/MrWong99/kaiwa/internal/synth"
	"github.com/MrWong99/kaiwa/pkg/audio"
	"github.com/MrWong99/kaiwa/pkg/audio/device"
)

// NewPipeline builds the conversation process: it opens the capture
// device, dials the three legs, starts the configured sinks and binds the
// dashboard and admin listeners. The session starts with [App.Run].
func NewPipeline(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := newApp("pipeline", cfg, nil, opts)
	if err := a.initPipeline(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) initPipeline(ctx context.Context) error {
	pcfg := a.cfg.Pipeline

	// ── 1. Admission gate ────────────────────────────────────────────────
	var g *gate.Gate
	if pcfg.Features.BargeInSuppression {
		g = gate.New(gate.WithObserver(func(held bool) {
			slog.Debug("admission gate", "held", held)
		}))
	}

	// ── 2. Capture ───────────────────────────────────────────────────────
	src := a.source
	if src == nil {
		dev, err := device.Open(device.Config{Selector: pcfg.Device, SampleRate: pcfg.SampleRate})
		if err != nil {
			return fmt.Errorf("app: open capture device: %w", err)
		}
		// A nil *gate.Gate must not become a non-nil Admission.
		var admission audio.Admission
		if g != nil {
			admission = g
		}
		src = audio.NewCapture(dev, audio.CaptureConfig{
			SampleRate: pcfg.SampleRate,
			BlockSize:  pcfg.BlockSize,
			QueueDepth: pcfg.QueueDepth,
			OnDrop: func(r audio.DropReason) {
				a.metrics.RecordFrameDrop(context.Background(), string(r))
			},
		}, admission)
	}

	// Until Run hands them to the pipeline, the collaborators are ours to
	// close.
	var handedOver atomic.Bool
	var owned []func() error
	a.closers = append(a.closers, func() error {
		if handedOver.Load() {
			return nil
		}
		var errs []error
		for i := len(owned) - 1; i >= 0; i-- {
			errs = append(errs, owned[i]())
		}
		return errors.Join(errs...)
	})
	owned = append(owned, src.Close)

	// ── 3. Legs ──────────────────────────────────────────────────────────
	// The session ID travels with every dial so the LLM leg resumes the
	// conversation after a reconnect.
	sessionID := uuid.NewString()
	dial := func(name, url string) (*leg.Conn, error) {
		c, err := leg.Dial(ctx, name, url, leg.WithMetrics(a.metrics), leg.WithSession(sessionID))
		if err != nil {
			return nil, fmt.Errorf("app: dial %s leg: %w", name, err)
		}
		owned = append(owned, c.Close)
		slog.Info("leg connected", "leg", name, "url", url)
		return c, nil
	}
	asrConn, err := dial("asr", pcfg.ASRURL)
	if err != nil {
		return err
	}
	llmConn, err := dial("llm", pcfg.LLMURL)
	if err != nil {
		return err
	}
	ttsConn, err := dial("tts", pcfg.TTSURL)
	if err != nil {
		return err
	}

	rec := leg.NewRecognizer(asrConn, a.metrics)
	responder := leg.NewResponder(llmConn, a.metrics)
	speaker := synth.NewDispatcher(leg.NewSynthesizer(ttsConn, a.metrics), g, synth.WithPause(pcfg.Pause))

	// ── 4. Sinks ─────────────────────────────────────────────────────────
	var hub *dashboard.Hub
	if a.cfg.Dashboard.ListenAddr != "" {
		hub = dashboard.NewHub(int(a.cfg.Dashboard.HistoryLen))
	}
	pubs, redisPub, err := a.buildPublishers(ctx, hub)
	if err != nil {
		return err
	}
	fanout := sink.NewFanout(a.cfg.Sinks.Buffer, pubs...)
	a.closers = append(a.closers, func() error {
		if n := fanout.Dropped(); n > 0 {
			slog.Warn("sink events dropped", "count", n)
		}
		return fanout.Close()
	})

	// ── 5. Session ───────────────────────────────────────────────────────
	p := pipeline.New(src, rec, responder, speaker, pipeline.Options{
		Features: pipeline.Features{
			BargeInSuppression: pcfg.Features.BargeInSuppression,
			FallbackOnEmpty:    pcfg.Features.FallbackOnEmpty,
			EmitEvents:         pcfg.Features.EmitEvents,
			EmitPartials:       pcfg.Features.EmitPartials,
			ResetAfterTurn:     pcfg.Features.ResetAfterTurn,
		},
		Config:       pcfg.Recognizer.RecognizerUpdate(pcfg.SampleRate),
		FallbackText: pcfg.FallbackText,
		Filter:       pipeline.NewFilter(pcfg.IgnoreWords, pcfg.FuzzyThreshold),
		SessionID:    sessionID,
	}, pipeline.WithSink(fanout), pipeline.WithMetrics(a.metrics), pipeline.WithGate(g))
	a.pipe = p
	a.run = func(ctx context.Context) error {
		handedOver.Store(true)
		return p.Run(ctx)
	}
	slog.Info("pipeline session created", "session_id", p.SessionID())

	// ── 6. Listeners ─────────────────────────────────────────────────────
	if hub != nil {
		dopts := []dashboard.Option{
			dashboard.WithHistoryLen(a.cfg.Dashboard.HistoryLen),
			dashboard.WithMetrics(a.metrics),
		}
		if redisPub != nil {
			dopts = append(dopts, dashboard.WithHistory(redisPub))
		}
		srv := dashboard.NewServer(hub, p, dopts...)
		if err := a.listen("dashboard", a.cfg.Dashboard.ListenAddr, srv.Routes()); err != nil {
			return err
		}
	}
	if addr := a.cfg.Server.AdminAddr; addr != "" {
		r := a.newRouter()
		a.adminRoutes(r)
		if err := a.listen("admin", addr, r); err != nil {
			return err
		}
	}
	return nil
}

// buildPublishers connects every configured sink backend. The hub, when
// set, is always first so the dashboard sees events before slower
// backends. The returned Redis publisher, if any, also serves history.
func (a *App) buildPublishers(ctx context.Context, hub *dashboard.Hub) ([]sink.Publisher, *sink.Redis, error) {
	var pubs []sink.Publisher
	if hub != nil {
		pubs = append(pubs, hub)
	}
	if a.cfg.Sinks.Log {
		pubs = append(pubs, sink.Log{})
	}

	var redisPub *sink.Redis
	if rc := a.cfg.Sinks.Redis; rc != nil {
		r, err := sink.NewRedis(ctx, sink.RedisConfig{
			Addr:       rc.Addr,
			Password:   rc.Password,
			DB:         rc.DB,
			Channel:    rc.Channel,
			HistoryKey: rc.HistoryKey,
			HistoryLen: rc.HistoryLen,
		})
		if err != nil {
			closePublishers(pubs)
			return nil, nil, fmt.Errorf("app: redis sink: %w", err)
		}
		pubs = append(pubs, r)
		redisPub = r
		slog.Info("sink connected", "sink", "redis", "addr", rc.Addr)
	}

	if mc := a.cfg.Sinks.MQTT; mc != nil {
		m, err := sink.NewMQTT(sink.MQTTConfig{
			BrokerURL:   mc.BrokerURL,
			ClientID:    mc.ClientID,
			Username:    mc.Username,
			Password:    mc.Password,
			TopicPrefix: mc.TopicPrefix,
			QoS:         mc.QoS,
		})
		if err != nil {
			closePublishers(pubs)
			return nil, nil, fmt.Errorf("app: mqtt sink: %w", err)
		}
		pubs = append(pubs, m)
		slog.Info("sink connected", "sink", "mqtt", "broker", mc.BrokerURL)
	}
	return pubs, redisPub, nil
}

func closePublishers(pubs []sink.Publisher) {
	for _, p := range pubs {
		_ = p.Close()
	}
}
