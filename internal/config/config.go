// Package config provides the configuration schema, loader, and provider registry
// for the kaiwa voice conversation pipeline and its three leg servers.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure. Every process reads the same
// file and uses the sections it needs: the pipeline reads server, pipeline,
// dashboard and sinks; each leg server reads server and its own section.
//
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Sinks     SinksConfig     `yaml:"sinks"`
	ASR       ASRConfig       `yaml:"asr"`
	LLM       LLMConfig       `yaml:"llm"`
	TTS       TTSConfig       `yaml:"tts"`
}

// ServerConfig holds settings shared by every process.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// AdminAddr serves /metrics, /healthz and /readyz for the pipeline
	// process. Leg servers mount the same routes on their own listener.
	// Empty disables the admin listener.
	AdminAddr string `yaml:"admin_addr"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PipelineConfig configures the duplex conversation loop.
type PipelineConfig struct {
	// ASRURL, LLMURL and TTSURL are the websocket endpoints of the legs.
	ASRURL string `yaml:"asr_url"`
	LLMURL string `yaml:"llm_url"`
	TTSURL string `yaml:"tts_url"`

	// Device selects the capture device: empty for the system default, a
	// decimal index, or a substring of the device name.
	Device string `yaml:"device"`

	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per captured frame.
	BlockSize int `yaml:"block_size"`

	// QueueDepth bounds frames waiting for the loop.
	QueueDepth int `yaml:"queue_depth"`

	// Pause is inserted between spoken segments of one reply.
	Pause time.Duration `yaml:"pause"`

	// FallbackText is spoken when the LLM leg cannot produce a reply.
	FallbackText string `yaml:"fallback_text"`

	// IgnoreWords are filler utterances that never start a turn.
	// Hot-reloadable.
	IgnoreWords []string `yaml:"ignore_words"`

	// FuzzyThreshold > 0 also ignores transcripts whose Jaro-Winkler
	// similarity to an ignore word reaches it. Hot-reloadable.
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`

	Features FeaturesConfig `yaml:"features"`

	// Recognizer is sent to the ASR leg at session start. Hot-reloadable.
	Recognizer RecognizerConfig `yaml:"recognizer"`
}

// FeaturesConfig toggles optional pipeline behaviour.
type FeaturesConfig struct {
	BargeInSuppression bool `yaml:"barge_in_suppression"`
	FallbackOnEmpty    bool `yaml:"fallback_on_empty"`
	EmitEvents         bool `yaml:"emit_events"`
	EmitPartials       bool `yaml:"emit_partials"`
	ResetAfterTurn     bool `yaml:"reset_after_turn"`
}

// RecognizerConfig is the client-selectable part of an ASR session.
type RecognizerConfig struct {
	Model           string   `yaml:"model"`
	PhraseList      []string `yaml:"phrase_list"`
	Words           bool     `yaml:"words"`
	MaxAlternatives int      `yaml:"max_alternatives"`
}

// DashboardConfig configures the live HTML dashboard of the pipeline process.
type DashboardConfig struct {
	// ListenAddr enables the dashboard when non-empty.
	ListenAddr string `yaml:"listen_addr"`

	// HistoryLen is the number of turns returned by /api/history.
	HistoryLen int64 `yaml:"history_len"`
}

// SinksConfig selects where turn events are published.
type SinksConfig struct {
	// Log writes every event to the process log.
	Log bool `yaml:"log"`

	// Redis publishes events and keeps the dashboard history. Nil disables it.
	Redis *RedisSinkConfig `yaml:"redis"`

	// MQTT publishes events per kind. Nil disables it.
	MQTT *MQTTSinkConfig `yaml:"mqtt"`

	// Buffer bounds events queued per publisher.
	Buffer int `yaml:"buffer"`
}

// RedisSinkConfig configures the Redis publisher.
type RedisSinkConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	Channel    string `yaml:"channel"`
	HistoryKey string `yaml:"history_key"`
	HistoryLen int64  `yaml:"history_len"`
}

// MQTTSinkConfig configures the MQTT publisher.
type MQTTSinkConfig struct {
	BrokerURL   string `yaml:"broker_url"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// ASRConfig configures the speech recognition leg server.
type ASRConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// Workers bounds concurrent decodes across all sessions.
	Workers int `yaml:"workers"`

	// QueueDepth bounds decodes waiting for a worker, per worker.
	QueueDepth int `yaml:"queue_depth"`

	// DefaultModel names the model used when a session selects none.
	// Default: the first entry of Models.
	DefaultModel string `yaml:"default_model"`

	Models []ModelConfig `yaml:"models"`

	Endpointing EndpointingConfig `yaml:"endpointing"`
}

// ModelConfig is one decoding model offered by the ASR leg.
type ModelConfig struct {
	// ID is the name clients select through the "model" config field.
	ID string `yaml:"id"`

	ProviderEntry `yaml:",inline"`
}

// EndpointingConfig tunes energy-based utterance segmentation for batch
// decoders.
type EndpointingConfig struct {
	RMSThreshold float64 `yaml:"rms_threshold"`
	SilenceMs    int     `yaml:"silence_ms"`
	MaxBufferMs  int     `yaml:"max_buffer_ms"`
}

// LLMConfig configures the reply generation leg server.
type LLMConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	Provider  ProviderEntry   `yaml:"provider"`
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Persona is the system prompt. Empty selects the built-in persona.
	Persona string `yaml:"persona"`

	// HistoryWords caps the conversation history in whitespace-separated words.
	HistoryWords int `yaml:"history_words"`

	// MaxConversations bounds the session histories kept so a reconnecting
	// pipeline resumes its conversation.
	MaxConversations int `yaml:"max_conversations"`

	// ConversationIdle drops a session history unused for this long.
	ConversationIdle time.Duration `yaml:"conversation_idle"`

	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// TTSConfig configures the synthesis and playback leg server.
type TTSConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	Provider ProviderEntry `yaml:"provider"`

	// Voice is the provider voice ID. Empty uses the provider default.
	Voice string `yaml:"voice"`

	Fallbacks []TTSFallbackConfig `yaml:"fallbacks"`

	Timeout time.Duration `yaml:"timeout"`

	Playback PlaybackConfig `yaml:"playback"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

// TTSFallbackConfig is a secondary synthesis backend with its own voice,
// since voice IDs are provider specific.
type TTSFallbackConfig struct {
	ProviderEntry `yaml:",inline"`

	Voice string `yaml:"voice"`
}

// PlaybackConfig configures the local output device.
type PlaybackConfig struct {
	// Silent discards audio instead of playing it, pacing acks by the audio
	// duration. Useful on headless hosts.
	Silent bool `yaml:"silent"`

	SampleRate int `yaml:"sample_rate"`
	BufferMs   int `yaml:"buffer_ms"`
}

// BreakerConfig configures the circuit breaker in front of every backend.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "coqui").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	// Empty falls back to the provider's conventional environment variable.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a model within the provider, or the model file path for
	// local decoders.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// Key returns the configured API key or, when empty, the value of env.
func (e ProviderEntry) Key(env string) string {
	if e.APIKey != "" {
		return e.APIKey
	}
	return os.Getenv(env)
}

// OptionString returns the string option key, or def when absent.
func (e ProviderEntry) OptionString(key, def string) string {
	v, ok := e.Options[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// OptionInt returns the integer option key, or def when absent or not a number.
func (e ProviderEntry) OptionInt(key string, def int) int {
	switch v := e.Options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// OptionDuration returns the duration option key, or def when absent or
// unparsable.
func (e ProviderEntry) OptionDuration(key string, def time.Duration) time.Duration {
	s, ok := e.Options[key].(string)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
