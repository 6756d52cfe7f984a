package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSampleRate      = 16000
	DefaultFrameDuration   = 100 * time.Millisecond
	DefaultSilentDecibel   = 20
	DefaultOnsetFrames     = 4
	DefaultPreRollFrames   = 5
	DefaultPollDivisor     = 4
	DefaultLanguage        = "ja-JP"
	DefaultDeadline        = 3*time.Minute + 5*time.Second
	DefaultHost            = "speech.googleapis.com"
	DefaultPort            = 443
	DefaultScope           = "https://www.googleapis.com/auth/cloud-platform"
	DefaultMinChunkFrames  = 1
	DefaultMaxAlternatives = 1
)

// ValidProviderNames lists known provider names per kind. [Validate] warns
// about names outside these lists since third-party factories may be
// registered under any name.
var ValidProviderNames = map[string][]string{
	"recognition": {"google", "deepgram"},
	"audio":       {string(SourcePortAudio), string(SourceMalgo)},
}

// Load reads the YAML file at path and returns a defaulted, validated
// [Config].
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

// LoadFromReader decodes YAML from r, fills defaults and validates the
// result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration holding only defaults.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = SourcePortAudio
		if a.Loopback {
			a.Source = SourceMalgo
		}
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.FrameDuration == 0 {
		a.FrameDuration = DefaultFrameDuration
	}

	v := &cfg.VAD
	if v.SilentDecibel == 0 {
		v.SilentDecibel = DefaultSilentDecibel
	}
	if v.OnsetFrames == 0 {
		v.OnsetFrames = DefaultOnsetFrames
	}
	if v.PreRollFrames == 0 {
		v.PreRollFrames = DefaultPreRollFrames
	}
	if v.PollDivisor == 0 {
		v.PollDivisor = DefaultPollDivisor
	}

	rc := &cfg.Recognition
	if rc.Primary.Name == "" {
		rc.Primary.Name = "google"
	}
	if rc.Language == "" {
		rc.Language = DefaultLanguage
	}
	if rc.Encoding == "" {
		rc.Encoding = stt.LINEAR16
	}
	if rc.MaxAlternatives == 0 {
		rc.MaxAlternatives = DefaultMaxAlternatives
	}
	if rc.Deadline == 0 {
		rc.Deadline = DefaultDeadline
	}
	if rc.Host == "" {
		rc.Host = DefaultHost
	}
	if rc.Port == 0 {
		rc.Port = DefaultPort
	}
	if rc.Scope == "" {
		rc.Scope = DefaultScope
	}

	if cfg.Session.MinChunkFrames == 0 {
		cfg.Session.MinChunkFrames = DefaultMinChunkFrames
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if !a.Source.IsValid() {
		validateProviderName("audio", string(a.Source))
	}
	if a.Loopback && a.Source != SourceMalgo {
		errs = append(errs, fmt.Errorf("audio.loopback requires source %q, got %q", SourceMalgo, a.Source))
	}
	if a.DeviceIndex != nil && *a.DeviceIndex < -1 {
		errs = append(errs, fmt.Errorf("audio.device_index %d is invalid; use -1 for the default device", *a.DeviceIndex))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s must be positive", a.FrameDuration))
	} else if a.SampleRate > 0 && a.FrameSamples() == 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration %s is shorter than one sample at %d Hz", a.FrameDuration, a.SampleRate))
	}

	// VAD
	v := cfg.VAD
	if v.SilentDecibel < 0 {
		errs = append(errs, fmt.Errorf("vad.silent_decibel %.1f must not be negative", v.SilentDecibel))
	}
	if v.OnsetFrames < 1 {
		errs = append(errs, fmt.Errorf("vad.onset_frames %d must be at least 1", v.OnsetFrames))
	}
	if v.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("vad.preroll_frames %d must not be negative", v.PreRollFrames))
	}
	if v.PollDivisor < 1 {
		errs = append(errs, fmt.Errorf("vad.poll_divisor %d must be at least 1", v.PollDivisor))
	}

	// Recognition
	rc := cfg.Recognition
	seen := make(map[string]string, 1+len(rc.Fallbacks))
	entries := append([]ProviderEntry{rc.Primary}, rc.Fallbacks...)
	for i, e := range entries {
		prefix := "recognition.primary"
		if i > 0 {
			prefix = fmt.Sprintf("recognition.fallbacks[%d]", i-1)
		}
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("recognition", e.Name)
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of %s", prefix, e.Name, prev))
		}
		seen[e.Name] = prefix
		if e.Name == "deepgram" && e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s: deepgram requires api_key", prefix))
		}
	}
	if rc.Encoding != stt.LINEAR16 {
		errs = append(errs, fmt.Errorf("recognition.encoding %q is invalid; valid values: %s", rc.Encoding, stt.LINEAR16))
	}
	if rc.MaxAlternatives < 0 || rc.MaxAlternatives > 30 {
		errs = append(errs, fmt.Errorf("recognition.max_alternatives %d is out of range [0, 30]", rc.MaxAlternatives))
	}
	if rc.Deadline <= 0 {
		errs = append(errs, fmt.Errorf("recognition.deadline %s must be positive", rc.Deadline))
	}
	if rc.Port <= 0 || rc.Port > 65535 {
		errs = append(errs, fmt.Errorf("recognition.port %d is out of range", rc.Port))
	}
	if rc.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("recognition.circuit_breaker.max_failures %d must not be negative", rc.CircuitBreaker.MaxFailures))
	}
	if rc.CircuitBreaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("recognition.circuit_breaker.reset_timeout %s must not be negative", rc.CircuitBreaker.ResetTimeout))
	}

	// Session
	s := cfg.Session
	if s.MinChunkFrames < 1 {
		errs = append(errs, fmt.Errorf("session.min_chunk_frames %d must be at least 1", s.MinChunkFrames))
	}
	for i, p := range s.ExitPhrases {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("session.exit_phrases[%d]: %w", i, err))
		}
	}
	if s.ExitFuzzyThreshold < 0 || s.ExitFuzzyThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.exit_fuzzy_threshold %.2f is out of range [0, 1]", s.ExitFuzzyThreshold))
	}
	if s.SilenceAbort && !a.Loopback {
		slog.Warn("session.silence_abort is meant for loopback capture; quiet microphone chunks will end sessions early")
	}

	if cfg.Journal.MemoryCapacity < 0 {
		errs = append(errs, fmt.Errorf("journal.memory_capacity %d must not be negative", cfg.Journal.MemoryCapacity))
	}
	if cfg.Journal.PostgresDSN == "" {
		slog.Debug("journal.postgres_dsn is empty; utterances are journaled in memory only")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is not in the
// [ValidProviderNames] list for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
