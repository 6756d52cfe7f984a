package vad

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kikitori/internal/capture"
	"github.com/MrWong99/kikitori/pkg/audio"
)

// Config holds the gate parameters.
type Config struct {
	// SilentDecibel is the level a frame must reach to count as speech.
	SilentDecibel float64

	// OnsetFrames is the number of consecutive frames at or above
	// SilentDecibel that confirm onset.
	OnsetFrames int

	// PreRollFrames caps how many rejected frames are kept and replayed in
	// front of the utterance once onset is confirmed.
	PreRollFrames int

	// Tick is the polling period of [Gate.Await].
	Tick time.Duration

	// Meter, if set, receives the level of the newest frame examined on each
	// poll. It is called from the goroutine running [Gate.Await].
	Meter func(level float64)
}

// Decision is the result of a single [Gate.Poll].
type Decision struct {
	// Onset reports that speech was confirmed this poll.
	Onset bool

	// Seed holds the onset-recovered audio: pre-roll followed by everything
	// that was queued. Only set when Onset is true.
	Seed []audio.Frame

	// Rejected is the number of frames moved from the queue into the
	// pre-roll because the scan hit a quiet frame.
	Rejected int

	// Level is the level of the last frame examined, or 0 when the queue
	// held too few frames to evaluate.
	Level float64
}

// Gate watches a [capture.Queue] and confirms utterance onset once
// OnsetFrames consecutive frames reach the threshold. Frames that precede a
// quiet frame are moved into a bounded pre-roll so the start of the word is
// not lost.
//
// A Gate must be the only consumer of its queue while it is polling. The
// threshold may be changed concurrently through [Gate.SetThreshold].
type Gate struct {
	queue     *capture.Queue
	preroll   *capture.PreRoll
	onset     int
	tick      time.Duration
	meter     func(float64)
	threshold atomic.Uint64
}

// New returns a gate reading from q.
func New(cfg Config, q *capture.Queue) *Gate {
	onset := cfg.OnsetFrames
	if onset < 1 {
		onset = 1
	}
	tick := cfg.Tick
	if tick <= 0 {
		tick = 25 * time.Millisecond
	}
	g := &Gate{
		queue:   q,
		preroll: capture.NewPreRoll(cfg.PreRollFrames),
		onset:   onset,
		tick:    tick,
		meter:   cfg.Meter,
	}
	g.SetThreshold(cfg.SilentDecibel)
	return g
}

// SetThreshold replaces the speech threshold. Safe for concurrent use.
func (g *Gate) SetThreshold(db float64) {
	g.threshold.Store(math.Float64bits(db))
}

// Threshold returns the current speech threshold.
func (g *Gate) Threshold() float64 {
	return math.Float64frombits(g.threshold.Load())
}

// Poll evaluates the oldest OnsetFrames queued frames once.
//
// If fewer frames are queued nothing happens. If any examined frame is below
// the threshold, every frame up to and including the first such frame is
// moved into the pre-roll. Otherwise onset is confirmed and the pre-roll
// plus the whole queue is returned as the seed.
func (g *Gate) Poll() Decision {
	window := g.queue.PeekRange(g.onset)
	if len(window) < g.onset {
		return Decision{}
	}

	threshold := g.Threshold()
	var level float64
	for i, f := range window {
		level = Level(f)
		if level < threshold {
			g.preroll.Add(g.queue.DropFront(i + 1)...)
			g.observe(level)
			return Decision{Rejected: i + 1, Level: level}
		}
	}
	g.observe(level)

	seed := append(g.preroll.Frames(), g.queue.DrainAll()...)
	g.preroll.Reset()
	return Decision{Onset: true, Seed: seed, Level: level}
}

// Await polls every Tick until onset is confirmed and returns the seed. It
// returns ctx.Err() if ctx ends first. After a rejection it polls again
// immediately so a backlog is worked off without waiting for the next tick.
func (g *Gate) Await(ctx context.Context) ([]audio.Frame, error) {
	timer := time.NewTimer(g.tick)
	defer timer.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := g.Poll()
		if d.Onset {
			return d.Seed, nil
		}
		if d.Rejected > 0 && g.queue.Len() >= g.onset {
			continue
		}
		timer.Reset(g.tick)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Reset discards the pre-roll.
func (g *Gate) Reset() {
	g.preroll.Reset()
}

func (g *Gate) observe(level float64) {
	if g.meter != nil {
		g.meter(level)
	}
}
