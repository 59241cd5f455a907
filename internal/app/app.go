// Package app wires kaiwa's components into runnable processes.
//
// Each process is an [App]: [NewPipeline] builds the client-side duplex
// loop, [NewASR], [NewLLM] and [NewTTS] build the three leg servers. New*
// performs all initialisation synchronously and binds every listener, so a
// returned App is ready to [App.Run]. [App.Shutdown] releases whatever Run
// did not.
//
// For testing, inject doubles via functional options (WithSource,
// WithPlayer, WithMetrics). When an option is not provided, New* creates
// the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kaiwa/internal/config"
	"github.com/MrWong99/kaiwa/internal/health"
	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/internal/pipeline"
	"github.com/MrWong99/kaiwa/internal/speaker"
)

// readHeaderTimeout bounds request headers on every listener.
const readHeaderTimeout = 10 * time.Second

// App owns the lifetime of one kaiwa process.
type App struct {
	name    string
	cfg     *config.Config
	reg     *config.Registry
	metrics *observe.Metrics
	level   *slog.LevelVar
	health  *health.Handler

	// Injected doubles. Nil means "build from config".
	source pipeline.Source
	player speaker.Player

	servers []*server

	// pipe and run are only set for the pipeline process.
	pipe *pipeline.Pipeline
	run  func(ctx context.Context) error

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

type server struct {
	name string
	ln   net.Listener
	srv  *http.Server
}

// Option is a functional option for the New* constructors.
type Option func(*App)

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel lets [App.ApplyConfig] change the log level of the handler
// that owns lv.
func WithLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithSource replaces the capture device of the pipeline.
func WithSource(src pipeline.Source) Option {
	return func(a *App) { a.source = src }
}

// WithPlayer replaces the output device of the TTS leg.
func WithPlayer(p speaker.Player) Option {
	return func(a *App) { a.player = p }
}

func newApp(name string, cfg *config.Config, reg *config.Registry, opts []Option) *App {
	a := &App{
		name:   name,
		cfg:    cfg,
		reg:    reg,
		health: health.New(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// listen binds addr and registers handler to be served by [App.Run].
func (a *App) listen(name, addr string, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: listen %s on %q: %w", name, addr, err)
	}
	a.servers = append(a.servers, &server{
		name: name,
		ln:   ln,
		srv:  &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout},
	})
	return nil
}

// adminRoutes mounts /metrics, /healthz and /readyz on r.
func (a *App) adminRoutes(r chi.Router) {
	r.Handle("/metrics", observe.MetricsHandler())
	a.health.Register(r)
}

// newRouter returns a router carrying the middleware every listener uses.
func (a *App) newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(a.metrics))
	return r
}

// Addr returns the bound address of the named listener ("asr", "llm",
// "tts", "dashboard" or "admin"), or "" if there is none.
func (a *App) Addr(name string) string {
	for _, s := range a.servers {
		if s.name == name {
			return s.ln.Addr().String()
		}
	}
	return ""
}

// Pipeline returns the conversation session, or nil for leg servers.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Run serves every listener and, for the pipeline process, drives the
// session. It blocks until ctx is cancelled, the session ends or a
// listener fails. A cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range a.servers {
		g.Go(func() error {
			slog.Info("listening", "process", a.name, "server", s.name, "addr", s.ln.Addr().String())
			if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", s.name, err)
			}
			return nil
		})
	}
	if a.run != nil {
		g.Go(func() error {
			// The session ending ends the process.
			defer cancel()
			if err := a.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.stopServers()
	})

	slog.Info("app running", "process", a.name, "listeners", len(a.servers))
	return g.Wait()
}

func (a *App) stopServers() error {
	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.Default().Server.ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, s := range a.servers {
		if err := s.srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: shutdown %s: %w", s.name, err))
			_ = s.srv.Close()
		}
	}
	return errors.Join(errs...)
}

// ApplyConfig applies the hot-reloadable part of a config change. It is
// the [config.Watcher] callback of every process.
func (a *App) ApplyConfig(_, next *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if a.pipe == nil {
		return
	}
	if !d.Recognizer.IsZero() {
		if err := a.pipe.UpdateConfig(d.Recognizer); err != nil {
			slog.Warn("recognizer config not applied", "err", err)
		}
	}
	if d.FilterChanged {
		a.pipe.SetFilter(pipeline.NewFilter(next.Pipeline.IgnoreWords, next.Pipeline.FuzzyThreshold))
		slog.Info("ignore words updated", "count", len(next.Pipeline.IgnoreWords))
	}
}

// Shutdown closes listeners and releases every resource in reverse
// acquisition order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "process", a.name, "closers", len(a.closers))

		for _, s := range a.servers {
			if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Warn("listener close error", "server", s.name, "err", err)
			}
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete", "process", a.name)
	})
	return shutdownErr
}

// closeAll runs closers after a failed construction.
func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}
