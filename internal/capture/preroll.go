package capture

import "github.com/MrWong99/kikitori/pkg/audio"

// PreRoll is a fixed-capacity ring of the most recent sub-threshold frames.
// Once full, each Add overwrites the oldest entry. PreRoll is owned by a
// single goroutine and is not safe for concurrent use.
type PreRoll struct {
	buf  []audio.Frame
	head int
	size int
}

// NewPreRoll returns a ring holding at most capacity frames. A capacity of
// zero or less disables pre-roll: Add discards everything.
func NewPreRoll(capacity int) *PreRoll {
	if capacity < 0 {
		capacity = 0
	}
	return &PreRoll{buf: make([]audio.Frame, capacity)}
}

// Add appends frames in order, discarding the oldest entries beyond capacity.
func (p *PreRoll) Add(frames ...audio.Frame) {
	if len(p.buf) == 0 {
		return
	}
	for _, f := range frames {
		p.buf[(p.head+p.size)%len(p.buf)] = f
		if p.size < len(p.buf) {
			p.size++
		} else {
			p.head = (p.head + 1) % len(p.buf)
		}
	}
}

// Frames returns the retained frames, oldest first.
func (p *PreRoll) Frames() []audio.Frame {
	out := make([]audio.Frame, p.size)
	for i := range p.size {
		out[i] = p.buf[(p.head+i)%len(p.buf)]
	}
	return out
}

// Len reports how many frames are retained.
func (p *PreRoll) Len() int { return p.size }

// Cap reports the configured capacity.
func (p *PreRoll) Cap() int { return len(p.buf) }

// Reset empties the ring.
func (p *PreRoll) Reset() {
	clear(p.buf)
	p.head = 0
	p.size = 0
}
