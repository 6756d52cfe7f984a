package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/kikitori/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("Diff of identical configs = %+v", d)
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		mutate      func(*config.Config)
		check       func(t *testing.T, d config.ConfigDiff)
		wantRestart []string
	}{
		{
			name:   "log level",
			mutate: func(c *config.Config) { c.Server.LogLevel = config.LogDebug },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
					t.Errorf("log level diff = %+v", d)
				}
			},
		},
		{
			name:   "threshold",
			mutate: func(c *config.Config) { c.VAD.SilentDecibel = 12 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ThresholdChanged || d.NewThreshold != 12 {
					t.Errorf("threshold diff = %+v", d)
				}
			},
		},
		{
			name:   "exit phrases",
			mutate: func(c *config.Config) { c.Session.ExitPhrases = []string{"stop"} },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ExitPhrasesChanged {
					t.Error("ExitPhrasesChanged = false")
				}
			},
		},
		{
			name:   "fuzzy threshold",
			mutate: func(c *config.Config) { c.Session.ExitFuzzyThreshold = 0.8 },
			check: func(t *testing.T, d config.ConfigDiff) {
				if !d.ExitPhrasesChanged {
					t.Error("ExitPhrasesChanged = false")
				}
			},
		},
		{
			name:        "device",
			mutate:      func(c *config.Config) { i := 3; c.Audio.DeviceIndex = &i },
			wantRestart: []string{"audio"},
		},
		{
			name:        "onset frames",
			mutate:      func(c *config.Config) { c.VAD.OnsetFrames = 6 },
			wantRestart: []string{"vad"},
		},
		{
			name: "fallback added",
			mutate: func(c *config.Config) {
				c.Recognition.Fallbacks = append(c.Recognition.Fallbacks, config.ProviderEntry{Name: "deepgram", APIKey: "k"})
			},
			wantRestart: []string{"recognition"},
		},
		{
			name: "several sections",
			mutate: func(c *config.Config) {
				c.Server.MetricsAddr = ":9100"
				c.Session.SilenceAbort = true
				c.Recorder.Dir = "rec"
				c.Journal.PostgresDSN = "postgres://db"
			},
			wantRestart: []string{"server", "session", "recorder", "journal"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			old := config.Default()
			updated := config.Default()
			tc.mutate(updated)

			d := config.Diff(old, updated)
			if d.Empty() {
				t.Fatal("Diff reported no change")
			}
			if tc.check != nil {
				tc.check(t, d)
			}
			if !slices.Equal(d.RestartRequired, tc.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tc.wantRestart)
			}
		})
	}
}

func TestDiff_ProviderOptionsIgnored(t *testing.T) {
	t.Parallel()

	old := config.Default()
	updated := config.Default()
	updated.Recognition.Primary.Options = map[string]any{"x": 1}
	if d := config.Diff(old, updated); !d.Empty() {
		t.Errorf("Diff = %+v, want empty", d)
	}
}
