// Package capture holds the buffers shared between the audio producer and the
// recognition loop: the FIFO [Queue] that capture backends push into and the
// bounded [PreRoll] ring that keeps audio from just before speech onset.
package capture

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/kikitori/pkg/audio"
)

// ErrClosed is returned by [Queue.Wait] once the queue has been closed and
// drained.
var ErrClosed = errors.New("capture: queue closed")

// Queue is an unbounded FIFO of captured frames.
//
// Push is called from the capture callback and never waits on a consumer;
// the lock is held only for the append. Consumers poll with [Queue.TryPop]
// or block with [Queue.Wait]. All methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	frames []audio.Frame
	notify chan struct{}
	closed bool
	pushed uint64
}

var _ audio.Sink = (*Queue)(nil)

// NewQueue returns an empty, open queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{})}
}

// Push appends f. Pushes after [Queue.Close] are dropped.
func (q *Queue) Push(f audio.Frame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.frames = append(q.frames, f)
	q.pushed++
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}

// TryPop removes and returns the oldest frame. ok is false when the queue is
// empty.
func (q *Queue) TryPop() (f audio.Frame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return audio.Frame{}, false
	}
	f = q.frames[0]
	q.frames[0] = audio.Frame{}
	q.frames = q.frames[1:]
	return f, true
}

// PeekRange returns a copy of up to n of the oldest frames without removing
// them.
func (q *Queue) PeekRange(n int) []audio.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.frames) {
		n = len(q.frames)
	}
	if n <= 0 {
		return nil
	}
	out := make([]audio.Frame, n)
	copy(out, q.frames[:n])
	return out
}

// DropFront removes up to n of the oldest frames and returns them in order.
func (q *Queue) DropFront(n int) []audio.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.frames) {
		n = len(q.frames)
	}
	if n <= 0 {
		return nil
	}
	out := make([]audio.Frame, n)
	copy(out, q.frames[:n])
	clear(q.frames[:n])
	q.frames = q.frames[n:]
	return out
}

// DrainAll removes and returns every queued frame in order.
func (q *Queue) DrainAll() []audio.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// Len reports the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Pushed reports the total number of frames accepted since creation.
func (q *Queue) Pushed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushed
}

// Wait blocks until at least one frame is queued, the queue is closed, or
// ctx is done. It returns nil when frames are available, [ErrClosed] when the
// queue is closed and empty, and ctx.Err() on cancellation.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.frames) > 0 {
			q.mu.Unlock()
			return nil
		}
		if q.closed {
			q.mu.Unlock()
			return ErrClosed
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting frames and wakes all waiters. Frames already queued
// remain readable.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	ch := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(ch)
}
