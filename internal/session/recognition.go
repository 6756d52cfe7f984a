// Package session runs one streaming recognition exchange per utterance.
//
// A [Session] opens a stream on an [stt.Provider], replays the onset seed,
// then forwards frames from the capture queue as they arrive. Results are
// consumed concurrently on a second goroutine. The exchange ends on the first
// final result, a service error, a silence abort, or the deadline, and that
// ending is reported as a tagged [Outcome] rather than an error.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kikitori/internal/capture"
	"github.com/MrWong99/kikitori/internal/observe"
	"github.com/MrWong99/kikitori/internal/vad"
	"github.com/MrWong99/kikitori/pkg/audio"
	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// DefaultDeadline bounds a session when Config.Deadline is zero.
const DefaultDeadline = 3*time.Minute + 5*time.Second

var (
	errFinal    = errors.New("session: final result received")
	errSilence  = errors.New("session: buffered audio below silence threshold")
	errNoResult = errors.New("session: stream ended without a final result")
	errStopped  = errors.New("session: sending stopped")
)

// Config holds the per-session parameters.
type Config struct {
	// Stream is sent as the configuration message when the stream opens.
	Stream stt.StreamConfig

	// Deadline bounds the whole exchange. Default: [DefaultDeadline].
	Deadline time.Duration

	// SilenceAbort buffers outbound audio until more than MinChunkFrames
	// frames are pending, sends them as one chunk and aborts the session when a chunk's level is
	// below SilentDecibel. When false every frame is sent as it arrives.
	SilenceAbort   bool
	MinChunkFrames int
	SilentDecibel  float64

	// ProviderName labels metrics and spans.
	ProviderName string
}

// Display receives interim results while the session runs.
type Display interface {
	Interim(stt.Transcript)
}

// Option configures a [Session].
type Option func(*Session)

// WithDisplay sets the interim result sink.
func WithDisplay(d Display) Option {
	return func(s *Session) { s.display = d }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithTap registers fn to receive a copy of every chunk after it was sent.
// fn is called from the sender goroutine and must not block.
func WithTap(fn func(pcm []byte)) Option {
	return func(s *Session) { s.tap = fn }
}

// Session is a single-use recognition exchange. Create one per utterance
// with [New] and call Run once.
type Session struct {
	cfg      Config
	provider stt.Provider
	queue    *capture.Queue
	seed     []audio.Frame
	display  Display
	metrics  *observe.Metrics
	tap      func([]byte)

	// sendMu serializes sends against stop so that nothing is sent once a
	// final result has been seen.
	sendMu  sync.Mutex
	stopped bool
	sent    int

	mu     sync.Mutex
	result stt.Transcript
}

// New prepares a session that streams seed followed by everything pushed to
// q. The session is the only consumer of q while it runs.
func New(cfg Config, p stt.Provider, q *capture.Queue, seed []audio.Frame, opts ...Option) *Session {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.MinChunkFrames < 1 {
		cfg.MinChunkFrames = 1
	}
	s := &Session{
		cfg:      cfg,
		provider: p,
		queue:    q,
		seed:     slices.Clone(seed),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Run performs the exchange and blocks until it ends. The stream is closed
// before Run returns.
func (s *Session) Run(ctx context.Context) Outcome {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "session.run",
		trace.WithAttributes(
			attribute.String("provider", s.cfg.ProviderName),
			attribute.Int("seed_frames", len(s.seed)),
		),
	)
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Deadline)
	defer cancel()

	var out Outcome
	h, err := s.provider.StartStream(runCtx, s.cfg.Stream)
	if err != nil {
		s.metrics.RecordProviderRequest(ctx, s.cfg.ProviderName, "error")
		out = s.classify(runCtx, fmt.Errorf("session: start stream: %w", err))
	} else {
		s.metrics.RecordProviderRequest(ctx, s.cfg.ProviderName, "ok")
		s.metrics.ActiveSessions.Add(ctx, 1)
		out = s.exchange(runCtx, h)
		s.metrics.ActiveSessions.Add(ctx, -1)
	}

	out.Duration = time.Since(start)
	s.report(ctx, span, out)
	return out
}

func (s *Session) exchange(ctx context.Context, h stt.SessionHandle) Outcome {
	g, gctx := errgroup.WithContext(ctx)

	// A sender blocked inside SendAudio is released by closing the stream.
	stopClose := context.AfterFunc(gctx, func() { _ = h.Close() })
	defer stopClose()

	g.Go(func() error { return s.send(gctx, h) })
	g.Go(func() error { return s.receive(gctx, h) })
	err := g.Wait()
	if cerr := h.Close(); cerr != nil {
		observe.Logger(ctx).Debug("close recognition stream", "err", cerr)
	}
	return s.classify(ctx, err)
}

func (s *Session) classify(ctx context.Context, err error) Outcome {
	out := Outcome{FramesSent: s.framesSent()}
	switch {
	case errors.Is(err, errFinal):
		out.Kind = Success
		out.Result = s.Result()
	case errors.Is(err, errSilence):
		out.Kind = SilenceAbort
		out.Err = err
	case ctx.Err() != nil:
		out.Kind = Timeout
		out.Err = fmt.Errorf("session: %w", ctx.Err())
	case err == nil || errors.Is(err, errNoResult):
		out.Kind = SilenceAbort
		out.Err = errNoResult
	default:
		out.Kind = ServiceError
		out.Err = err
	}
	return out
}

func (s *Session) report(ctx context.Context, span trace.Span, out Outcome) {
	s.metrics.RecordOutcome(ctx, out.Kind.String(), out.Duration)
	span.SetAttributes(
		attribute.String("outcome", out.Kind.String()),
		attribute.Int("frames_sent", out.FramesSent),
	)

	log := observe.Logger(ctx).With(
		slog.String("outcome", out.Kind.String()),
		slog.Int("frames_sent", out.FramesSent),
		slog.Duration("duration", out.Duration),
	)
	switch out.Kind {
	case Success:
		log.Debug("recognition finished", slog.String("transcript", out.Result.Text))
	case ServiceError:
		kind := "stream"
		var svc *stt.ServiceError
		if errors.As(out.Err, &svc) {
			kind = "service"
		}
		s.metrics.RecordProviderError(ctx, s.cfg.ProviderName, kind)
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
		log.Debug("recognition failed", slog.Any("err", out.Err))
	default:
		log.Debug("recognition aborted", slog.Any("err", out.Err))
	}
}

// send replays the seed, then forwards queued frames until the context ends
// or the queue is closed.
func (s *Session) send(ctx context.Context, h stt.SessionHandle) error {
	pending := s.seed
	for {
		var err error
		pending, err = s.flush(ctx, h, pending)
		switch {
		case errors.Is(err, errStopped):
			return nil
		case err != nil:
			return err
		}

		if err := s.queue.Wait(ctx); err != nil {
			if errors.Is(err, capture.ErrClosed) {
				return s.closeSend(h)
			}
			return err
		}
		pending = append(pending, s.queue.DrainAll()...)
	}
}

// flush sends pending and returns what is left unsent.
func (s *Session) flush(ctx context.Context, h stt.SessionHandle, pending []audio.Frame) ([]audio.Frame, error) {
	if len(pending) == 0 {
		return pending, nil
	}
	if !s.cfg.SilenceAbort {
		for i, f := range pending {
			if err := s.sendChunk(ctx, h, f.Data, 1); err != nil {
				return pending[i:], err
			}
		}
		return pending[:0], nil
	}

	if len(pending) <= s.cfg.MinChunkFrames {
		return pending, nil
	}
	chunk := audio.Frame{
		Data:       audio.Join(pending),
		SampleRate: pending[0].SampleRate,
		Channels:   pending[0].Channels,
	}
	if level := vad.Level(chunk); level < s.cfg.SilentDecibel {
		return nil, fmt.Errorf("%w: %.1f dB over %d frames", errSilence, level, len(pending))
	}
	if err := s.sendChunk(ctx, h, chunk.Data, len(pending)); err != nil {
		return pending, err
	}
	return pending[:0], nil
}

func (s *Session) sendChunk(ctx context.Context, h stt.SessionHandle, pcm []byte, frames int) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.stopped || ctx.Err() != nil {
		return errStopped
	}
	if err := h.SendAudio(pcm); err != nil {
		// The receiver reports why the stream went away.
		observe.Logger(ctx).Debug("send audio", "err", err)
		s.stopped = true
		return errStopped
	}
	s.sent += frames
	s.metrics.FramesSent.Add(ctx, int64(frames))
	if s.tap != nil {
		s.tap(pcm)
	}
	return nil
}

func (s *Session) closeSend(h stt.SessionHandle) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if err := h.CloseSend(); err != nil && !errors.Is(err, stt.ErrSessionClosed) {
		return fmt.Errorf("session: close send: %w", err)
	}
	return nil
}

func (s *Session) stop() {
	s.sendMu.Lock()
	s.stopped = true
	s.sendMu.Unlock()
}

func (s *Session) framesSent() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sent
}

// receive applies result events in order until a final result, an error
// event, or the end of the stream.
func (s *Session) receive(ctx context.Context, h stt.SessionHandle) error {
	events := h.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errNoResult
			}
			if ev.Err != nil {
				return ev.Err
			}
			for _, r := range ev.Results {
				tr := r.Top()
				s.setResult(tr)
				if r.IsFinal {
					s.stop()
					return errFinal
				}
				if s.display != nil {
					s.display.Interim(tr)
				}
			}
		}
	}
}

func (s *Session) setResult(tr stt.Transcript) {
	s.mu.Lock()
	s.result = tr
	s.mu.Unlock()
}

// Result returns the latest result seen so far. It may be an interim one
// while the session is running.
func (s *Session) Result() stt.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}
