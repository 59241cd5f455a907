package config

import (
	"slices"

	"github.com/MrWong99/kaiwa/pkg/protocol"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; everything else is
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Recognizer holds only the recognizer fields that changed. It is zero
	// when none did.
	Recognizer protocol.ConfigUpdate

	// FilterChanged is true when the ignore words or the fuzzy threshold
	// changed.
	FilterChanged bool

	// RestartRequired names changed sections that only take effect after a
	// restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && d.Recognizer.IsZero() && !d.FilterChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Recognizer = diffRecognizer(old.Pipeline.Recognizer, new.Pipeline.Recognizer)

	if !slices.Equal(old.Pipeline.IgnoreWords, new.Pipeline.IgnoreWords) ||
		old.Pipeline.FuzzyThreshold != new.Pipeline.FuzzyThreshold {
		d.FilterChanged = true
	}

	// Everything else needs new connections, listeners or providers.
	op, np := old.Pipeline, new.Pipeline
	if op.ASRURL != np.ASRURL || op.LLMURL != np.LLMURL || op.TTSURL != np.TTSURL {
		d.RestartRequired = append(d.RestartRequired, "pipeline.legs")
	}
	if op.Device != np.Device || op.SampleRate != np.SampleRate || op.BlockSize != np.BlockSize || op.QueueDepth != np.QueueDepth {
		d.RestartRequired = append(d.RestartRequired, "pipeline.capture")
	}
	if op.Pause != np.Pause || op.FallbackText != np.FallbackText || op.Features != np.Features {
		d.RestartRequired = append(d.RestartRequired, "pipeline.behaviour")
	}
	if old.Dashboard != new.Dashboard {
		d.RestartRequired = append(d.RestartRequired, "dashboard")
	}
	if !equalSinks(old.Sinks, new.Sinks) {
		d.RestartRequired = append(d.RestartRequired, "sinks")
	}
	return d
}

// diffRecognizer returns an update carrying only the changed fields.
func diffRecognizer(old, new RecognizerConfig) protocol.ConfigUpdate {
	var u protocol.ConfigUpdate
	if old.Model != new.Model {
		u.Model = &new.Model
	}
	if !slices.Equal(old.PhraseList, new.PhraseList) {
		pl := slices.Clone(new.PhraseList)
		if pl == nil {
			pl = []string{}
		}
		u.PhraseList = &pl
	}
	if old.Words != new.Words {
		u.Words = &new.Words
	}
	if old.MaxAlternatives != new.MaxAlternatives {
		u.MaxAlternatives = &new.MaxAlternatives
	}
	return u
}

func equalSinks(a, b SinksConfig) bool {
	if a.Log != b.Log || a.Buffer != b.Buffer {
		return false
	}
	if (a.Redis == nil) != (b.Redis == nil) || (a.Redis != nil && *a.Redis != *b.Redis) {
		return false
	}
	if (a.MQTT == nil) != (b.MQTT == nil) || (a.MQTT != nil && *a.MQTT != *b.MQTT) {
		return false
	}
	return true
}

// RecognizerUpdate converts the full recognizer section into the update sent
// to the ASR leg at session start. Words is always sent since the server
// default may differ.
func (r RecognizerConfig) RecognizerUpdate(sampleRate int) protocol.ConfigUpdate {
	rate := float64(sampleRate)
	u := protocol.ConfigUpdate{SampleRate: &rate}
	if r.Model != "" {
		u.Model = &r.Model
	}
	if len(r.PhraseList) > 0 {
		pl := slices.Clone(r.PhraseList)
		u.PhraseList = &pl
	}
	words := r.Words
	u.Words = &words
	if r.MaxAlternatives > 0 {
		u.MaxAlternatives = &r.MaxAlternatives
	}
	return u
}
