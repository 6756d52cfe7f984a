// Package journal keeps a durable record of every recognition attempt.
//
// The driver writes one [Entry] per utterance after its session ends,
// whatever the outcome. Implementations live in sub-packages; [Memory] is an
// in-process store for tests and short-lived runs.
package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry describes one utterance.
type Entry struct {
	// ID identifies the utterance. The recorder uses the same ID in the WAV
	// file name.
	ID uuid.UUID

	// StartedAt is the moment onset was confirmed.
	StartedAt time.Time

	// Duration is the wall time of the recognition session.
	Duration time.Duration

	// Outcome is the session outcome name ("success", "service_error",
	// "silence_abort", "timeout").
	Outcome string

	// Transcript and Confidence are set only for successful sessions.
	Transcript string
	Confidence float64

	// Error holds the failure message of unsuccessful sessions.
	Error string

	// Language is the recognition language tag.
	Language string

	// FramesSent is the number of audio frames streamed.
	FramesSent int

	// AudioPath is the WAV file of the utterance, when recording is enabled.
	AudioPath string
}

// DefaultLimit is the number of entries [Journal.Recent] returns when called
// with a non-positive limit.
const DefaultLimit = 100

// DefaultCapacity is the number of entries a zero [Memory] keeps.
const DefaultCapacity = 1000

// Journal stores entries. Implementations must be safe for concurrent use.
type Journal interface {
	// Record appends e.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first. A limit <= 0 means
	// [DefaultLimit].
	Recent(ctx context.Context, limit int) ([]Entry, error)
}

// Memory is an in-memory [Journal] that keeps the newest Capacity entries
// and overwrites the oldest once full. The zero value keeps
// [DefaultCapacity] entries.
type Memory struct {
	// Capacity bounds the number of retained entries. It must not change
	// after the first Record.
	Capacity int

	mu      sync.Mutex
	entries []Entry
	next    int // slot the next Record overwrites once entries is full
}

var _ Journal = (*Memory)(nil)

// NewMemory returns a [Memory] keeping at most capacity entries. A
// non-positive capacity means [DefaultCapacity].
func NewMemory(capacity int) *Memory {
	return &Memory{Capacity: capacity}
}

func (m *Memory) capacity() int {
	if m.Capacity <= 0 {
		return DefaultCapacity
	}
	return m.Capacity
}

// Record implements [Journal].
func (m *Memory) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) < m.capacity() {
		m.entries = append(m.entries, e)
		return nil
	}
	m.entries[m.next] = e
	m.next = (m.next + 1) % len(m.entries)
	return nil
}

// Recent implements [Journal].
func (m *Memory) Recent(_ context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := min(limit, len(m.entries))
	out := make([]Entry, 0, n)
	// Newest entry sits just before next.
	for i := range n {
		idx := (m.next - 1 - i + 2*len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out, nil
}

// Len reports the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
