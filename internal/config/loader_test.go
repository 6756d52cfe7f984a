package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/kikitori/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "bad log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "loopback on portaudio",
			yaml:    "audio:\n  source: portaudio\n  loopback: true\n",
			wantErr: []string{"audio.loopback"},
		},
		{
			name:    "device index",
			yaml:    "audio:\n  device_index: -2\n",
			wantErr: []string{"audio.device_index"},
		},
		{
			name:    "frame shorter than a sample",
			yaml:    "audio:\n  frame_duration: 1us\n",
			wantErr: []string{"audio.frame_duration"},
		},
		{
			name:    "negative vad values",
			yaml:    "vad:\n  silent_decibel: -1\n  onset_frames: -1\n  preroll_frames: -1\n  poll_divisor: -4\n",
			wantErr: []string{"vad.silent_decibel", "vad.onset_frames", "vad.preroll_frames", "vad.poll_divisor"},
		},
		{
			name:    "deepgram without key",
			yaml:    "recognition:\n  fallbacks:\n    - name: deepgram\n",
			wantErr: []string{"recognition.fallbacks[0]: deepgram requires api_key"},
		},
		{
			name:    "duplicate recognizer",
			yaml:    "recognition:\n  primary:\n    name: google\n  fallbacks:\n    - name: google\n",
			wantErr: []string{"duplicate"},
		},
		{
			name:    "unnamed fallback",
			yaml:    "recognition:\n  fallbacks:\n    - model: nova-3\n",
			wantErr: []string{"recognition.fallbacks[0].name is required"},
		},
		{
			name:    "encoding",
			yaml:    "recognition:\n  encoding: FLAC\n",
			wantErr: []string{"recognition.encoding"},
		},
		{
			name:    "ranges",
			yaml:    "recognition:\n  max_alternatives: 31\n  port: 70000\n  deadline: -1s\n",
			wantErr: []string{"recognition.max_alternatives", "recognition.port", "recognition.deadline"},
		},
		{
			name:    "breaker",
			yaml:    "recognition:\n  circuit_breaker:\n    max_failures: -1\n    reset_timeout: -1s\n",
			wantErr: []string{"max_failures", "reset_timeout"},
		},
		{
			name:    "bad exit phrase",
			yaml:    "session:\n  exit_phrases: [\"(unclosed\"]\n",
			wantErr: []string{"session.exit_phrases[0]"},
		},
		{
			name:    "fuzzy threshold",
			yaml:    "session:\n  exit_fuzzy_threshold: 1.5\n  min_chunk_frames: -1\n",
			wantErr: []string{"session.exit_fuzzy_threshold", "session.min_chunk_frames"},
		},
		{
			name:    "negative journal capacity",
			yaml:    "journal:\n  memory_capacity: -5\n",
			wantErr: []string{"journal.memory_capacity"},
		},
		{
			name: "third-party recognizer is accepted",
			yaml: "recognition:\n  primary:\n    name: in-house\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if len(tc.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %v, got nil", tc.wantErr)
			}
			for _, want := range tc.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestValidate_DefaultConfig(t *testing.T) {
	t.Parallel()

	if err := config.Validate(config.Default()); err != nil {
		t.Errorf("Validate(Default()) = %v", err)
	}
}
