// Command kikitori listens on a capture device and streams every detected
// utterance to a speech recognizer, printing interim and final transcripts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/kikitori/internal/capture"
	"github.com/MrWong99/kikitori/internal/config"
	"github.com/MrWong99/kikitori/internal/display"
	"github.com/MrWong99/kikitori/internal/driver"
	"github.com/MrWong99/kikitori/internal/exitphrase"
	"github.com/MrWong99/kikitori/internal/health"
	"github.com/MrWong99/kikitori/internal/journal"
	"github.com/MrWong99/kikitori/internal/journal/postgres"
	"github.com/MrWong99/kikitori/internal/observe"
	"github.com/MrWong99/kikitori/internal/recorder"
	"github.com/MrWong99/kikitori/internal/session"
	"github.com/MrWong99/kikitori/internal/vad"
	"github.com/MrWong99/kikitori/pkg/audio"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fl := registerFlags(flag.CommandLine)
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, watchable, err := loadConfig(fl.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kikitori: %v\n", err)
		return 1
	}
	if err := fl.apply(flag.CommandLine, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "kikitori: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Capture backend ───────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinSources(reg)
	registerBuiltinRecognizers(reg, cfg.Recognition)

	src, err := reg.CreateSource(cfg.Audio.Source)
	if err != nil {
		slog.Error("failed to create audio source", "source", cfg.Audio.Source, "err", err)
		return 1
	}
	defer src.Close()

	if cfg.Audio.ListDevices {
		if err := printDevices(os.Stdout, src); err != nil {
			slog.Error("failed to list devices", "err", err)
			return 1
		}
		return 0
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Recognizers ───────────────────────────────────────────────────────────
	recognizers, closeRecognizers, err := buildRecognizers(ctx, cfg.Recognition, reg)
	if err != nil {
		slog.Error("failed to build recognizers", "err", err)
		return 1
	}
	defer closeRecognizers()

	// ── Journal ───────────────────────────────────────────────────────────────
	var (
		jrnl     journal.Journal = journal.NewMemory(cfg.Journal.MemoryCapacity)
		checkers []health.Checker
	)
	if dsn := cfg.Journal.PostgresDSN; dsn != "" {
		store, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to open journal", "err", err)
			return 1
		}
		defer store.Close()
		jrnl = store
		checkers = append(checkers, health.Ping("journal", store))
	}

	// ── Recorder ──────────────────────────────────────────────────────────────
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: 1}
	var rec *recorder.Recorder
	if dir := cfg.Recorder.Dir; dir != "" {
		var opts []recorder.Option
		if p := cfg.Recorder.FilenamePattern; p != "" {
			opts = append(opts, recorder.WithPattern(p))
		}
		rec, err = recorder.New(afero.NewOsFs(), dir, format, opts...)
		if err != nil {
			slog.Error("failed to create recorder", "dir", dir, "err", err)
			return 1
		}
	}

	exit, err := newExitMatcher(cfg.Session)
	if err != nil {
		slog.Error("invalid exit phrases", "err", err)
		return 1
	}

	// ── Driver ────────────────────────────────────────────────────────────────
	queue := capture.NewQueue()
	defer queue.Close()
	if err := metrics.ObserveCapturedFrames(queue.Pushed); err != nil {
		slog.Warn("frames captured metric disabled", "err", err)
	}

	var displayOpts []display.Option
	if cfg.Server.LogLevel == config.LogDebug {
		displayOpts = append(displayOpts, display.WithLevelMeter())
	}
	if !isTerminal(os.Stdout) {
		displayOpts = append(displayOpts, display.WithPlain())
	}
	term := display.New(os.Stdout, displayOpts...)

	drv := driver.New(driverConfig(cfg, format), queue, recognizers, term,
		driver.WithFaults(src.Faults()),
		driver.WithExitMatcher(exit),
		driver.WithRecorder(rec),
		driver.WithJournal(jrnl),
		driver.WithMetrics(metrics),
	)

	// ── Hot reload ────────────────────────────────────────────────────────────
	if watchable {
		w, err := config.NewWatcher(fl.configPath, func(old, new *config.Config) {
			applyReload(config.Diff(old, new), new, &level, drv)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Metrics and health listener ───────────────────────────────────────────
	var capturing atomic.Bool
	checkers = append(checkers,
		health.Capture(capturing.Load),
		health.Recognizers(recognizers),
	)
	if addr := cfg.Server.MetricsAddr; addr != "" {
		srv, err := serveMetrics(ctx, addr, tel.Handler(), health.New(checkers...), jrnl, metrics)
		if err != nil {
			slog.Error("failed to start metrics listener", "addr", addr, "err", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// ── Start capture ─────────────────────────────────────────────────────────
	capCfg := audio.CaptureConfig{
		Format:       format,
		FrameSamples: cfg.Audio.FrameSamples(),
		DeviceIndex:  cfg.Audio.Device(),
		Loopback:     cfg.Audio.Loopback,
	}
	if err := src.Start(ctx, capCfg, queue); err != nil {
		slog.Error("failed to start capture", "source", cfg.Audio.Source, "device", capCfg.DeviceIndex, "err", err)
		return 1
	}
	capturing.Store(true)

	slog.Info("kikitori listening",
		"version", version,
		"source", cfg.Audio.Source,
		"device", capCfg.DeviceIndex,
		"loopback", cfg.Audio.Loopback,
		"language", cfg.Recognition.Language,
		"silent_decibel", cfg.VAD.SilentDecibel,
		"recognizers", recognizers.Names(),
	)

	err = drv.Run(ctx)
	capturing.Store(false)
	if err != nil {
		var fault *audio.CaptureFault
		if errors.As(err, &fault) {
			slog.Error("capture device failed", "device", fault.Device, "err", fault.Err)
		} else {
			slog.Error("run error", "err", err)
		}
		return 1
	}
	slog.Info("goodbye", "utterances", drv.Utterances())
	return 0
}

// loadConfig reads path. A missing file at the default path yields the
// defaults; watchable reports whether the file exists and can be watched.
func loadConfig(path string) (cfg *config.Config, watchable bool, err error) {
	cfg, err = config.Load(path)
	switch {
	case err == nil:
		return cfg, true, nil
	case errors.Is(err, os.ErrNotExist) && path == defaultConfigPath:
		return config.Default(), false, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, false, fmt.Errorf("config file %q not found", path)
	default:
		return nil, false, err
	}
}

func driverConfig(cfg *config.Config, format audio.Format) driver.Config {
	return driver.Config{
		VAD: vad.Config{
			SilentDecibel: cfg.VAD.SilentDecibel,
			OnsetFrames:   cfg.VAD.OnsetFrames,
			PreRollFrames: cfg.VAD.PreRollFrames,
			Tick:          cfg.Audio.FrameDuration / time.Duration(cfg.VAD.PollDivisor),
		},
		Session: session.Config{
			Stream:         cfg.Recognition.Stream(format),
			Deadline:       cfg.Recognition.Deadline,
			SilenceAbort:   cfg.Session.SilenceAbort,
			MinChunkFrames: cfg.Session.MinChunkFrames,
			SilentDecibel:  cfg.VAD.SilentDecibel,
			ProviderName:   cfg.Recognition.Primary.Name,
		},
		Repeat: cfg.Session.RepeatEnabled(),
	}
}

func newExitMatcher(s config.SessionConfig) (*exitphrase.Matcher, error) {
	var opts []exitphrase.Option
	if s.ExitFuzzyThreshold > 0 {
		opts = append(opts, exitphrase.WithFuzzyThreshold(s.ExitFuzzyThreshold))
	}
	return exitphrase.New(s.ExitPhrases, opts...)
}

// reloadTarget is the part of the driver that accepts live changes.
type reloadTarget interface {
	SetThreshold(db float64)
	SetExitMatcher(m *exitphrase.Matcher)
}

func applyReload(d config.ConfigDiff, cfg *config.Config, level *slog.LevelVar, t reloadTarget) {
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ThresholdChanged {
		t.SetThreshold(d.NewThreshold)
		slog.Info("silence threshold changed", "silent_decibel", d.NewThreshold)
	}
	if d.ExitPhrasesChanged {
		m, err := newExitMatcher(cfg.Session)
		if err != nil {
			slog.Warn("keeping previous exit phrases", "err", err)
		} else {
			t.SetExitMatcher(m)
			slog.Info("exit phrases changed", "patterns", len(cfg.Session.ExitPhrases))
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("configuration changes take effect after restart", "sections", d.RestartRequired)
	}
}

func serveMetrics(ctx context.Context, addr string, metricsHandler http.Handler, h *health.Handler, j journal.Journal, m *observe.Metrics) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("GET /journal", journal.Handler(j))
	h.Register(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           observe.Middleware(m)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener stopped", "err", err)
		}
	}()
	slog.Info("metrics listener started", "addr", ln.Addr().String())
	return srv, nil
}

func printDevices(w io.Writer, src audio.Source) error {
	enum, ok := src.(audio.Enumerator)
	if !ok {
		return errors.New("source cannot enumerate devices")
	}
	devs, err := enum.Devices()
	if err != nil {
		return err
	}
	for _, d := range devs {
		fmt.Fprintf(w, "%3d  %s  (%d ch, %.0f Hz)\n", d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate)
	}
	return nil
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
