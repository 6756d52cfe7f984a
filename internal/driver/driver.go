// Package driver runs the listen, recognize, report loop.
//
// Each iteration waits on the voice activity gate for an onset, runs one
// recognition session seeded with the recovered audio, reports the outcome,
// and starts over. Recognition failures only end the current iteration; a
// capture fault ends the loop and is returned from [Driver.Run].
package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/kikitori/internal/capture"
	"github.com/MrWong99/kikitori/internal/exitphrase"
	"github.com/MrWong99/kikitori/internal/journal"
	"github.com/MrWong99/kikitori/internal/observe"
	"github.com/MrWong99/kikitori/internal/recorder"
	"github.com/MrWong99/kikitori/internal/session"
	"github.com/MrWong99/kikitori/internal/vad"
	"github.com/MrWong99/kikitori/pkg/audio"
	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// State is the phase of the current iteration.
type State int32

const (
	Idle State = iota
	AwaitingOnset
	Streaming
	Finished
	Aborted
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingOnset:
		return "awaiting_onset"
	case Streaming:
		return "streaming"
	case Finished:
		return "finished"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Display presents progress and results.
type Display interface {
	session.Display

	// Final commits a successful transcript.
	Final(stt.Transcript)

	// Level shows the level of the newest frame while awaiting onset.
	Level(db float64)

	// Status prints a one-line message.
	Status(msg string)

	// Clear erases any pending progress line.
	Clear()
}

// Config holds the loop parameters.
type Config struct {
	// VAD configures the onset gate. Its Meter is replaced by the driver.
	VAD vad.Config

	// Session is the template for every recognition session. SilentDecibel
	// is taken from the gate's current threshold at session start.
	Session session.Config

	// Repeat keeps listening after an utterance. When false the loop ends
	// after the first session, whatever its outcome.
	Repeat bool
}

// Option configures a [Driver].
type Option func(*Driver)

// WithFaults sets the channel that reports capture faults, usually
// [audio.Source.Faults].
func WithFaults(faults <-chan error) Option {
	return func(d *Driver) { d.faults = faults }
}

// WithExitMatcher stops the loop when a final transcript matches m.
func WithExitMatcher(m *exitphrase.Matcher) Option {
	return func(d *Driver) { d.exit.Store(m) }
}

// WithRecorder writes the audio of every session to a WAV file.
func WithRecorder(r *recorder.Recorder) Option {
	return func(d *Driver) { d.recorder = r }
}

// WithJournal records one entry per session.
func WithJournal(j journal.Journal) Option {
	return func(d *Driver) { d.journal = j }
}

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// Driver owns the gate and serializes sessions: at most one recognition
// stream is open at any time.
type Driver struct {
	cfg      Config
	queue    *capture.Queue
	gate     *vad.Gate
	provider stt.Provider
	display  Display
	faults   <-chan error
	recorder *recorder.Recorder
	journal  journal.Journal
	metrics  *observe.Metrics

	exit  atomic.Pointer[exitphrase.Matcher]
	state atomic.Int32
	count atomic.Uint64
}

// New returns a driver that reads frames from q and recognizes them with p.
func New(cfg Config, q *capture.Queue, p stt.Provider, disp Display, opts ...Option) *Driver {
	d := &Driver{
		cfg:      cfg,
		queue:    q,
		provider: p,
		display:  disp,
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}

	vcfg := cfg.VAD
	vcfg.Meter = d.meter
	d.gate = vad.New(vcfg, q)
	return d
}

// State returns the current state. Safe for concurrent use.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Utterances reports how many sessions have been run.
func (d *Driver) Utterances() uint64 {
	return d.count.Load()
}

// SetThreshold changes the speech threshold for onset detection and silence
// abort. It takes effect on the next poll.
func (d *Driver) SetThreshold(db float64) {
	d.gate.SetThreshold(db)
}

// SetExitMatcher replaces the exit phrase matcher. nil disables exit
// phrases.
func (d *Driver) SetExitMatcher(m *exitphrase.Matcher) {
	d.exit.Store(m)
}

// Run loops until ctx ends, an exit phrase is recognized, or a single
// utterance has been handled with Repeat disabled. It returns nil in all of
// those cases and the [*audio.CaptureFault] when the capture device fails.
func (d *Driver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if d.faults != nil {
		go func() {
			select {
			case err := <-d.faults:
				cancel(err)
			case <-ctx.Done():
			}
		}()
	}
	defer d.setState(Idle)

	for {
		d.setState(Idle)
		d.gate.Reset()

		d.setState(AwaitingOnset)
		seed, err := d.gate.Await(ctx)
		if err != nil {
			return d.stopErr(ctx)
		}
		d.metrics.Onsets.Add(ctx, 1)
		d.display.Clear()

		d.setState(Streaming)
		out, stop := d.utterance(ctx, seed)
		if ctx.Err() != nil {
			return d.stopErr(ctx)
		}
		if out.Kind == session.Success {
			d.setState(Finished)
		} else {
			d.setState(Aborted)
		}
		if stop || !d.cfg.Repeat {
			return nil
		}
	}
}

// utterance runs one session and reports it. stop is true when the
// transcript matched an exit phrase.
func (d *Driver) utterance(ctx context.Context, seed []audio.Frame) (out session.Outcome, stop bool) {
	id := uuid.New()
	started := time.Now()
	d.count.Add(1)

	ctx, span := observe.StartSpan(ctx, "utterance",
		trace.WithNewRoot(),
		trace.WithAttributes(attribute.String("utterance.id", id.String())),
	)
	defer span.End()
	log := observe.Logger(ctx).With(slog.String("utterance", id.String()))
	log.Debug("onset confirmed", slog.Int("seed_frames", len(seed)))

	scfg := d.cfg.Session
	scfg.SilentDecibel = d.gate.Threshold()
	opts := []session.Option{session.WithDisplay(d.display), session.WithMetrics(d.metrics)}

	var take *recorder.Take
	if d.recorder != nil {
		var err error
		if take, err = d.recorder.Open(id); err != nil {
			log.Warn("recording disabled for utterance", slog.Any("err", err))
		} else {
			opts = append(opts, session.WithTap(func(pcm []byte) { _ = take.Write(pcm) }))
		}
	}

	out = session.New(scfg, d.provider, d.queue, seed, opts...).Run(ctx)
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))

	audioPath := d.finishTake(log, take, out)
	stop = d.report(ctx, log, out)
	d.record(ctx, log, journal.Entry{
		ID:         id,
		StartedAt:  started,
		Duration:   out.Duration,
		Outcome:    out.Kind.String(),
		Transcript: out.Result.Text,
		Confidence: out.Result.Confidence,
		Error:      errString(out.Err),
		Language:   scfg.Stream.Language,
		FramesSent: out.FramesSent,
		AudioPath:  audioPath,
	})
	return out, stop
}

func (d *Driver) report(ctx context.Context, log *slog.Logger, out session.Outcome) bool {
	switch out.Kind {
	case session.Success:
		d.display.Final(out.Result)
		log.Info("utterance recognized",
			slog.String("transcript", out.Result.Text),
			slog.Float64("confidence", out.Result.Confidence),
			slog.Duration("duration", out.Duration),
		)
		if m := d.exit.Load(); m != nil {
			if phrase, score, ok := m.Match(out.Result.Text); ok {
				log.Info("exit phrase recognized", slog.String("phrase", phrase), slog.Float64("score", score))
				d.display.Status("Exiting..")
				return true
			}
		}
	case session.ServiceError:
		d.display.Clear()
		log.Warn("recognition service error", slog.Any("err", out.Err))
	default:
		d.display.Clear()
		if ctx.Err() == nil {
			log.Info("utterance dropped", slog.String("outcome", out.Kind.String()), slog.Any("err", out.Err))
		}
	}
	return false
}

// finishTake closes or discards the recording and returns the path of a
// kept file.
func (d *Driver) finishTake(log *slog.Logger, take *recorder.Take, out session.Outcome) string {
	if take == nil {
		return ""
	}
	if out.Kind == session.SilenceAbort || take.Samples() == 0 {
		if err := take.Discard(); err != nil {
			log.Warn("discard recording", slog.Any("err", err))
		}
		return ""
	}
	if err := take.Close(); err != nil {
		log.Warn("finish recording", slog.Any("err", err))
		return ""
	}
	return take.Path()
}

func (d *Driver) record(ctx context.Context, log *slog.Logger, e journal.Entry) {
	if d.journal == nil {
		return
	}
	// The journal write outlives a cancelled loop context so the last
	// utterance before shutdown is still stored.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.journal.Record(wctx, e); err != nil {
		log.Warn("journal write failed", slog.Any("err", err))
	}
}

func (d *Driver) meter(level float64) {
	d.display.Level(level)
	d.metrics.QueueDepth.Record(context.Background(), int64(d.queue.Len()))
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

// stopErr translates the end of the loop context into Run's return value.
func (d *Driver) stopErr(ctx context.Context) error {
	var fault *audio.CaptureFault
	if errors.As(context.Cause(ctx), &fault) {
		return fault
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
