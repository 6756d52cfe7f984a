package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"

	"github.com/MrWong99/kikitori/internal/config"
	"github.com/MrWong99/kikitori/internal/resilience"
	"github.com/MrWong99/kikitori/pkg/audio"
	"github.com/MrWong99/kikitori/pkg/audio/malgo"
	"github.com/MrWong99/kikitori/pkg/audio/portaudio"
	"github.com/MrWong99/kikitori/pkg/provider/stt"
	"github.com/MrWong99/kikitori/pkg/provider/stt/deepgram"
	"github.com/MrWong99/kikitori/pkg/provider/stt/google"
)

// ── Capture backends ──────────────────────────────────────────────────────────

func registerBuiltinSources(reg *config.Registry) {
	reg.RegisterSource(string(config.SourcePortAudio), func() (audio.Source, error) {
		return portaudio.New(), nil
	})
	reg.RegisterSource(string(config.SourceMalgo), func() (audio.Source, error) {
		return malgo.New(), nil
	})
}

// ── Recognizers ───────────────────────────────────────────────────────────────

// registerBuiltinRecognizers wires the recognizers that ship with kikitori.
// rc supplies the Google endpoint settings shared by every entry.
func registerBuiltinRecognizers(reg *config.Registry, rc config.RecognitionConfig) {
	reg.RegisterRecognizer("google", func(ctx context.Context, entry config.ProviderEntry) (stt.Provider, error) {
		endpoint := net.JoinHostPort(rc.Host, strconv.Itoa(rc.Port))
		if entry.BaseURL != "" {
			endpoint = entry.BaseURL
		}
		opts := []google.Option{
			google.WithEndpoint(endpoint),
			google.WithScopes(rc.Scope),
		}
		if entry.CredentialsFile != "" {
			opts = append(opts, google.WithCredentialsFile(entry.CredentialsFile))
		}
		return google.New(ctx, opts...)
	})

	reg.RegisterRecognizer("deepgram", func(_ context.Context, entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(rc.Language)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	for _, name := range reg.Recognizers() {
		slog.Debug("registered recognizer", "name", name)
	}
}

// buildRecognizers instantiates the primary and fallback recognizers behind
// circuit breakers. Entries that fail to build are skipped with a warning as
// long as one remains. The returned func closes every recognizer holding a
// connection.
func buildRecognizers(ctx context.Context, rc config.RecognitionConfig, reg *config.Registry) (*resilience.STTFallback, func(), error) {
	fbCfg := resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  rc.CircuitBreaker.MaxFailures,
			ResetTimeout: rc.CircuitBreaker.ResetTimeout,
		},
	}

	var (
		fb      *resilience.STTFallback
		closers []io.Closer
		errs    []error
	)
	for _, entry := range append([]config.ProviderEntry{rc.Primary}, rc.Fallbacks...) {
		p, err := reg.CreateRecognizer(ctx, entry)
		if err != nil {
			slog.Warn("skipping recognizer", "name", entry.Name, "err", err)
			errs = append(errs, fmt.Errorf("recognizer %q: %w", entry.Name, err))
			continue
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
		if fb == nil {
			fb = resilience.NewSTTFallback(p, entry.Name, fbCfg)
		} else {
			fb.AddFallback(entry.Name, p)
		}
		slog.Info("recognizer created", "name", entry.Name, "model", entry.Model)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				slog.Warn("recognizer close error", "err", err)
			}
		}
	}
	if fb == nil {
		return nil, closeAll, errors.Join(errs...)
	}
	return fb, closeAll, nil
}

// optString extracts a string value from a provider Options map. It returns
// "" if the key is absent or not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
