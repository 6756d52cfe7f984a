// Package display renders recognition progress on a terminal.
//
// Interim results and the level meter share a single line that is rewritten
// in place. A final result replaces that line in bold and ends it, so the
// scrollback only ever contains committed transcripts and status messages.
package display

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

const (
	clearLine = "\r\033[2K"
	bold      = "\033[1m"
	reset     = "\033[0m"
)

// Terminal writes progress to an ANSI-capable stream. All methods are safe
// for concurrent use.
type Terminal struct {
	mu    sync.Mutex
	w     io.Writer
	plain bool
	meter bool
	dirty bool
}

// Option configures a [Terminal].
type Option func(*Terminal)

// WithPlain disables ANSI escapes. Every update is written on its own line.
func WithPlain() Option {
	return func(t *Terminal) { t.plain = true }
}

// WithLevelMeter enables the live level line while waiting for speech.
func WithLevelMeter() Option {
	return func(t *Terminal) { t.meter = true }
}

// New returns a Terminal writing to w.
func New(w io.Writer, opts ...Option) *Terminal {
	t := &Terminal{w: w}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Interim shows a non-final transcript with its stability.
func (t *Terminal) Interim(tr stt.Transcript) {
	t.rewrite(fmt.Sprintf("%s  stability: %d%%", tr.Text, Percent(tr.Stability)))
}

// Final commits a transcript with its confidence.
func (t *Terminal) Final(tr stt.Transcript) {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("%s  confidence: %d%%", tr.Text, Percent(tr.Confidence))
	if t.plain {
		fmt.Fprintln(t.w, line)
	} else {
		fmt.Fprint(t.w, clearLine+bold+line+reset+"\n")
	}
	t.dirty = false
}

// Level shows the level of the newest frame. It is a no-op unless the meter
// was enabled with [WithLevelMeter].
func (t *Terminal) Level(db float64) {
	if !t.meter {
		return
	}
	rms := math.Pow(10, db/20)
	if db <= 0 {
		rms = 0
	}
	t.rewrite(fmt.Sprintf("rms %5.0f  level %5.1f dB", rms, db))
}

// Status prints msg on a line of its own, clearing any pending progress line.
func (t *Terminal) Status(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.plain && t.dirty {
		fmt.Fprint(t.w, clearLine)
	}
	fmt.Fprintln(t.w, msg)
	t.dirty = false
}

// Clear erases the progress line.
func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.plain && t.dirty {
		fmt.Fprint(t.w, clearLine)
	}
	t.dirty = false
}

func (t *Terminal) rewrite(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.plain {
		fmt.Fprintln(t.w, line)
		return
	}
	fmt.Fprint(t.w, clearLine+line)
	t.dirty = true
}

// Percent converts a score in [0, 1] to a whole percentage, truncating.
// Out-of-range scores are clamped.
func Percent(v float64) int {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 1:
		return 100
	}
	// 0.92*100 is 92.00000000000001 but 0.29*100 is 28.999999999999996.
	return int(math.Floor(v*100 + 1e-9))
}
