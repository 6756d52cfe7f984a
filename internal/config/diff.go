package config

import "slices"

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied to a running process are tracked; everything else needs a
// restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ThresholdChanged bool
	NewThreshold     float64

	// ExitPhrasesChanged covers both the patterns and the fuzzy threshold.
	ExitPhrasesChanged bool

	// RestartRequired lists the top-level sections that changed in ways
	// that are not hot-reloadable.
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ThresholdChanged && !d.ExitPhrasesChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD.SilentDecibel != new.VAD.SilentDecibel {
		d.ThresholdChanged = true
		d.NewThreshold = new.VAD.SilentDecibel
	}

	if !slices.Equal(old.Session.ExitPhrases, new.Session.ExitPhrases) ||
		old.Session.ExitFuzzyThreshold != new.Session.ExitFuzzyThreshold {
		d.ExitPhrasesChanged = true
	}

	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Audio.Source != new.Audio.Source ||
		old.Audio.Device() != new.Audio.Device() ||
		old.Audio.Loopback != new.Audio.Loopback ||
		old.Audio.SampleRate != new.Audio.SampleRate ||
		old.Audio.FrameDuration != new.Audio.FrameDuration {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	ov, nv := old.VAD, new.VAD
	ov.SilentDecibel, nv.SilentDecibel = 0, 0
	if ov != nv {
		d.RestartRequired = append(d.RestartRequired, "vad")
	}
	if !recognitionEqual(old.Recognition, new.Recognition) {
		d.RestartRequired = append(d.RestartRequired, "recognition")
	}
	if old.Session.SilenceAbort != new.Session.SilenceAbort ||
		old.Session.MinChunkFrames != new.Session.MinChunkFrames ||
		old.Session.RepeatEnabled() != new.Session.RepeatEnabled() {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Recorder != new.Recorder {
		d.RestartRequired = append(d.RestartRequired, "recorder")
	}
	if old.Journal != new.Journal {
		d.RestartRequired = append(d.RestartRequired, "journal")
	}

	return d
}

func recognitionEqual(a, b RecognitionConfig) bool {
	if !entryEqual(a.Primary, b.Primary) ||
		!slices.EqualFunc(a.Fallbacks, b.Fallbacks, entryEqual) {
		return false
	}
	return a.Language == b.Language &&
		a.Encoding == b.Encoding &&
		a.MaxAlternatives == b.MaxAlternatives &&
		deref(a.InterimResults, true) == deref(b.InterimResults, true) &&
		deref(a.SingleUtterance, true) == deref(b.SingleUtterance, true) &&
		a.Deadline == b.Deadline &&
		a.Host == b.Host &&
		a.Port == b.Port &&
		a.Scope == b.Scope &&
		a.CircuitBreaker == b.CircuitBreaker
}

// entryEqual ignores Options, which are opaque to this package.
func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		a.CredentialsFile == b.CredentialsFile
}
