// Command kaiwa runs the duplex voice conversation pipeline and its three
// leg servers.
//
//	kaiwa [pipeline] [-config kaiwa.yaml] [-list-devices]
//	kaiwa asr|llm|tts [-config kaiwa.yaml]
//	kaiwa devices
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/kaiwa/internal/app"
	"github.com/MrWong99/kaiwa/internal/config"
	"github.com/MrWong99/kaiwa/internal/observe"
	"github.com/MrWong99/kaiwa/pkg/audio/device"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `usage: kaiwa <command> [flags]

commands:
  pipeline   run the conversation loop (default)
  asr        run the speech recognition leg server
  llm        run the reply generation leg server
  tts        run the synthesis and playback leg server
  devices    list audio devices and exit
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cmd := "pipeline"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "pipeline", "asr", "llm", "tts":
	case "devices":
		return listDevices(stdout, stderr)
	case "help":
		fmt.Fprint(stdout, usage)
		return 0
	default:
		fmt.Fprintf(stderr, "kaiwa: unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("kaiwa "+cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "kaiwa.yaml", "path to the YAML configuration file")
	envFile := fs.String("env", ".env", "dotenv file with provider API keys; missing is fine")
	watch := fs.Bool("watch", true, "apply log level, recognizer and ignore word changes without a restart")
	var listOnly *bool
	if cmd == "pipeline" {
		listOnly = fs.Bool("list-devices", false, "list audio devices and exit")
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if listOnly != nil && *listOnly {
		return listDevices(stdout, stderr)
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "kaiwa: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fileMissing, err := loadConfig(fs, *configPath)
	if err != nil {
		fmt.Fprintf(stderr, "kaiwa: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("kaiwa starting",
		"command", cmd,
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)
	if fileMissing {
		slog.Warn("config file not found; running with defaults", "config", *configPath)
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kaiwa-" + cmd,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltins(reg, cfg.ASR.Endpointing)

	printStartupSummary(stdout, cmd, cfg)

	application, err := build(ctx, cmd, cfg, reg, app.WithLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch && !fileMissing {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("ready; press Ctrl+C to shut down")

	code := 0
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+5*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// loadConfig reads path. A missing file is only tolerated when -config was
// not given explicitly; the defaults then describe a local setup.
func loadConfig(fs *flag.FlagSet, path string) (cfg *config.Config, missing bool, err error) {
	cfg, err = config.Load(path)
	if err == nil {
		return cfg, false, nil
	}
	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), true, nil
	}
	return nil, false, err
}

func build(ctx context.Context, cmd string, cfg *config.Config, reg *config.Registry, opts ...app.Option) (*app.App, error) {
	switch cmd {
	case "asr":
		return app.NewASR(ctx, cfg, reg, opts...)
	case "llm":
		return app.NewLLM(ctx, cfg, reg, opts...)
	case "tts":
		return app.NewTTS(ctx, cfg, reg, opts...)
	default:
		return app.NewPipeline(ctx, cfg, opts...)
	}
}

func listDevices(stdout, stderr io.Writer) int {
	capture, playback, err := device.List()
	if err != nil {
		fmt.Fprintf(stderr, "kaiwa: %v\n", err)
		return 1
	}
	printDevices(stdout, "capture", capture)
	printDevices(stdout, "playback", playback)
	return 0
}

func printDevices(w io.Writer, kind string, infos []device.Info) {
	fmt.Fprintf(w, "%s devices:\n", kind)
	if len(infos) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, d := range infos {
		mark := " "
		if d.IsDefault {
			mark = "*"
		}
		fmt.Fprintf(w, " %s %2d  %s\n", mark, d.Index, d.Name)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cmd string, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintf(w, "║  kaiwa %-12s startup summary  ║\n", cmd)
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	switch cmd {
	case "asr":
		printRow(w, "Listen addr", cfg.ASR.ListenAddr)
		for _, m := range cfg.ASR.Models {
			printRow(w, "Model "+m.ID, m.Name)
		}
		printRow(w, "Workers", fmt.Sprint(cfg.ASR.Workers))
	case "llm":
		printRow(w, "Listen addr", cfg.LLM.ListenAddr)
		printRow(w, "Provider", providerLabel(cfg.LLM.Provider))
		printRow(w, "Fallbacks", fmt.Sprint(len(cfg.LLM.Fallbacks)))
		printRow(w, "History words", fmt.Sprint(cfg.LLM.HistoryWords))
	case "tts":
		printRow(w, "Listen addr", cfg.TTS.ListenAddr)
		printRow(w, "Provider", providerLabel(cfg.TTS.Provider))
		printRow(w, "Fallbacks", fmt.Sprint(len(cfg.TTS.Fallbacks)))
		printRow(w, "Silent", fmt.Sprint(cfg.TTS.Playback.Silent))
	default:
		p := cfg.Pipeline
		printRow(w, "ASR leg", p.ASRURL)
		printRow(w, "LLM leg", p.LLMURL)
		printRow(w, "TTS leg", p.TTSURL)
		printRow(w, "Device", orDefault(p.Device, "(system default)"))
		printRow(w, "Barge-in gate", fmt.Sprint(p.Features.BargeInSuppression))
		printRow(w, "Dashboard", orDefault(cfg.Dashboard.ListenAddr, "(disabled)"))
	}
	if cfg.Server.AdminAddr != "" {
		printRow(w, "Admin addr", cfg.Server.AdminAddr)
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, key, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Fprintf(w, "║  %-14s  : %-19s ║\n", key, value)
}

func providerLabel(e config.ProviderEntry) string {
	if e.Name == "" {
		return "(not configured)"
	}
	if e.Model != "" {
		return e.Name + " / " + e.Model
	}
	return e.Name
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
