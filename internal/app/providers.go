package app

import (
	"context"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/kaiwa/internal/config"
	"github.com/MrWong99/kaiwa/pkg/provider/llm"
	"github.com/MrWong99/kaiwa/pkg/provider/llm/anyllm"
	"github.com/MrWong99/kaiwa/pkg/provider/llm/gemini"
	"github.com/MrWong99/kaiwa/pkg/provider/llm/openai"
	"github.com/MrWong99/kaiwa/pkg/provider/stt"
	"github.com/MrWong99/kaiwa/pkg/provider/stt/whisper"
	"github.com/MrWong99/kaiwa/pkg/provider/tts"
	"github.com/MrWong99/kaiwa/pkg/provider/tts/coqui"
	"github.com/MrWong99/kaiwa/pkg/provider/tts/elevenlabs"
)

// anyllmKeys maps the providers served through any-llm-go to the
// environment variable holding their API key. Local servers need none.
var anyllmKeys = map[string]string{
	"anthropic": "ANTHROPIC_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
	"ollama":    "",
	"llamacpp":  "",
	"llamafile": "",
}

// RegisterBuiltins registers every provider shipped with kaiwa. Batch
// decoders segment audio with ep unless the model entry overrides it
// through its options.
func RegisterBuiltins(reg *config.Registry, ep config.EndpointingConfig) {
	// ── LLM providers ─────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		if org := e.OptionString("organization", ""); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := e.OptionDuration("timeout", 0); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(e.Key("OPENAI_API_KEY"), modelOr(e, "gpt-4o-mini"), opts...)
	})

	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []gemini.Option
		if e.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(e.BaseURL))
		}
		return gemini.New(context.Background(), e.Key("GEMINI_API_KEY"), modelOr(e, "gemini-2.0-flash"), opts...)
	})

	for name, env := range anyllmKeys {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if env != "" {
				if key := e.Key(env); key != "" {
					opts = append(opts, anyllmlib.WithAPIKey(key))
				}
			} else if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	// ── Decoding models ───────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Model, error) {
		opts := []whisper.Option{whisper.WithLanguage(e.OptionString("language", "ja"))}
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if d := e.OptionDuration("timeout", 0); d > 0 {
			opts = append(opts, whisper.WithTimeout(d))
		}
		t, err := whisper.NewHTTP(baseURLOr(e, "http://localhost:8080"), opts...)
		if err != nil {
			return nil, err
		}
		return stt.NewBatchModel(t, batchOptions(e, ep), nil), nil
	})

	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Model, error) {
		return whisper.NewNativeModel(e.Model, batchOptions(e, ep),
			whisper.WithNativeLanguage(e.OptionString("language", "ja")))
	})

	// ── TTS providers ─────────────────────────────────────────────────────────

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithLanguage(e.OptionString("language", "ja"))}
		if mode := e.OptionString("api_mode", ""); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := e.OptionDuration("timeout", 0); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		if rate := e.OptionInt("output_sample_rate", 0); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(baseURLOr(e, "http://localhost:5002"), opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.OptionString("output_format", ""); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if e.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(e.BaseURL))
		}
		return elevenlabs.New(e.Key("ELEVENLABS_API_KEY"), opts...)
	})

	slog.Debug("registered builtin providers",
		"llm", reg.Names("llm"),
		"stt", reg.Names("stt"),
		"tts", reg.Names("tts"),
	)
}

func batchOptions(e config.ProviderEntry, ep config.EndpointingConfig) stt.BatchOptions {
	return stt.BatchOptions{
		RMSThreshold: optionFloat(e, "rms_threshold", ep.RMSThreshold),
		SilenceMs:    e.OptionInt("silence_ms", ep.SilenceMs),
		MaxBufferMs:  e.OptionInt("max_buffer_ms", ep.MaxBufferMs),
	}
}

func optionFloat(e config.ProviderEntry, key string, def float64) float64 {
	switch v := e.Options[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

func modelOr(e config.ProviderEntry, def string) string {
	if e.Model != "" {
		return e.Model
	}
	return def
}

func baseURLOr(e config.ProviderEntry, def string) string {
	if e.BaseURL != "" {
		return e.BaseURL
	}
	return def
}
