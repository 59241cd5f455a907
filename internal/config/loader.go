package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "gemini", "anthropic", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"whisper", "whisper-native"},
	"tts": {"coqui", "elevenlabs"},
}

// Default returns the configuration used for every field the YAML file
// leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel:        LogInfo,
			ShutdownTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			ASRURL:       "ws://localhost:2700",
			LLMURL:       "ws://localhost:8765",
			TTSURL:       "ws://localhost:8766",
			SampleRate:   16000,
			BlockSize:    4000,
			QueueDepth:   256,
			Pause:        time.Second,
			FallbackText: "申し訳ありませんが、お手伝いできません。",
			IgnoreWords:  []string{"あ", "あー", "え", "えー", "えーと", "う", "うん", "ん"},
			Features: FeaturesConfig{
				BargeInSuppression: true,
				EmitEvents:         true,
			},
			Recognizer: RecognizerConfig{
				Words: true,
			},
		},
		Dashboard: DashboardConfig{
			HistoryLen: 50,
		},
		Sinks: SinksConfig{
			Buffer: 64,
		},
		ASR: ASRConfig{
			ListenAddr: ":2700",
			Workers:    runtime.GOMAXPROCS(0),
			QueueDepth: 4,
		},
		LLM: LLMConfig{
			ListenAddr:       ":8765",
			HistoryWords:     2000,
			MaxConversations: 64,
			ConversationIdle: 30 * time.Minute,
			Timeout:          60 * time.Second,
		},
		TTS: TTSConfig{
			ListenAddr: ":8766",
			Timeout:    2 * time.Minute,
			Playback: PlaybackConfig{
				BufferMs: 100,
			},
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Sections are validated only as far as they are present; a pipeline-only
// file need not configure any leg provider.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}

	// Pipeline
	p := cfg.Pipeline
	for _, leg := range []struct{ field, url string }{
		{"asr_url", p.ASRURL},
		{"llm_url", p.LLMURL},
		{"tts_url", p.TTSURL},
	} {
		if err := validateWSURL(leg.url); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.%s: %w", leg.field, err))
		}
	}
	if p.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d must be positive", p.SampleRate))
	}
	if p.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.block_size %d must be positive", p.BlockSize))
	}
	if p.QueueDepth <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.queue_depth %d must be positive", p.QueueDepth))
	}
	if p.Pause < 0 {
		errs = append(errs, fmt.Errorf("pipeline.pause %s must not be negative", p.Pause))
	}
	if p.FuzzyThreshold < 0 || p.FuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline.fuzzy_threshold %.2f is out of range [0, 1]", p.FuzzyThreshold))
	}
	if p.Recognizer.MaxAlternatives < 0 {
		errs = append(errs, fmt.Errorf("pipeline.recognizer.max_alternatives %d must not be negative", p.Recognizer.MaxAlternatives))
	}
	if p.FallbackText == "" {
		slog.Warn("pipeline.fallback_text is empty; failed turns will be silent")
	}
	if p.Features.FallbackOnEmpty && !p.Features.ResetAfterTurn {
		slog.Warn("pipeline.features.fallback_on_empty without reset_after_turn may answer stale audio")
	}

	// Sinks
	if r := cfg.Sinks.Redis; r != nil && r.Addr == "" {
		errs = append(errs, errors.New("sinks.redis.addr is required when sinks.redis is set"))
	}
	if m := cfg.Sinks.MQTT; m != nil {
		if m.BrokerURL == "" {
			errs = append(errs, errors.New("sinks.mqtt.broker_url is required when sinks.mqtt is set"))
		}
		if m.QoS > 2 {
			errs = append(errs, fmt.Errorf("sinks.mqtt.qos %d is invalid; valid values: 0, 1, 2", m.QoS))
		}
	}
	if cfg.Dashboard.ListenAddr != "" && cfg.Sinks.Redis == nil {
		slog.Warn("dashboard is enabled without sinks.redis; /api/history will only cover this process's lifetime")
	}

	// ASR
	if cfg.ASR.Workers <= 0 {
		errs = append(errs, fmt.Errorf("asr.workers %d must be positive", cfg.ASR.Workers))
	}
	if cfg.ASR.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("asr.queue_depth %d must not be negative", cfg.ASR.QueueDepth))
	}
	ids := make(map[string]int, len(cfg.ASR.Models))
	for i, m := range cfg.ASR.Models {
		prefix := fmt.Sprintf("asr.models[%d]", i)
		if m.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := ids[m.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of asr.models[%d]", prefix, m.ID, prev))
		} else {
			ids[m.ID] = i
		}
		if m.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		validateProviderName("stt", m.Name)
	}
	if d := cfg.ASR.DefaultModel; d != "" {
		if _, ok := ids[d]; !ok {
			errs = append(errs, fmt.Errorf("asr.default_model %q does not name an entry of asr.models", d))
		}
	}

	// LLM
	validateProviderName("llm", cfg.LLM.Provider.Name)
	for i, fb := range cfg.LLM.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm.fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	if len(cfg.LLM.Fallbacks) > 0 && cfg.LLM.Provider.Name == "" {
		errs = append(errs, errors.New("llm.fallbacks requires llm.provider"))
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		errs = append(errs, fmt.Errorf("llm.temperature %.2f is out of range [0, 2]", cfg.LLM.Temperature))
	}
	if cfg.LLM.HistoryWords <= 0 {
		errs = append(errs, fmt.Errorf("llm.history_words %d must be positive", cfg.LLM.HistoryWords))
	}
	if cfg.LLM.MaxConversations < 0 {
		errs = append(errs, fmt.Errorf("llm.max_conversations %d must not be negative", cfg.LLM.MaxConversations))
	}
	if cfg.LLM.ConversationIdle < 0 {
		errs = append(errs, fmt.Errorf("llm.conversation_idle %s must not be negative", cfg.LLM.ConversationIdle))
	}
	if cfg.LLM.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must not be negative", cfg.LLM.MaxTokens))
	}
	errs = append(errs, validateBreaker("llm.circuit_breaker", cfg.LLM.CircuitBreaker)...)

	// TTS
	validateProviderName("tts", cfg.TTS.Provider.Name)
	for i, fb := range cfg.TTS.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("tts.fallbacks[%d].name is required", i))
		}
		validateProviderName("tts", fb.Name)
	}
	if len(cfg.TTS.Fallbacks) > 0 && cfg.TTS.Provider.Name == "" {
		errs = append(errs, errors.New("tts.fallbacks requires tts.provider"))
	}
	if cfg.TTS.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("tts.playback.sample_rate %d must not be negative", cfg.TTS.Playback.SampleRate))
	}
	errs = append(errs, validateBreaker("tts.circuit_breaker", cfg.TTS.CircuitBreaker)...)

	return errors.Join(errs...)
}

func validateWSURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is invalid; valid values: ws, wss", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func validateBreaker(prefix string, b BreakerConfig) []error {
	var errs []error
	if b.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("%s.max_failures %d must not be negative", prefix, b.MaxFailures))
	}
	if b.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("%s.reset_timeout %s must not be negative", prefix, b.ResetTimeout))
	}
	if b.HalfOpenMax < 0 {
		errs = append(errs, fmt.Errorf("%s.half_open_max %d must not be negative", prefix, b.HalfOpenMax))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not in the
// known list for kind. Unknown names are not errors: a custom factory may be
// registered under them.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidProviderNames[kind], name) {
		slog.Warn("unknown provider name; it must be registered in the provider registry",
			"kind", kind,
			"name", name,
			"known", ValidProviderNames[kind],
		)
	}
}
