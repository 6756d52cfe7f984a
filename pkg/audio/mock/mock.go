// Package mock provides in-memory test doubles for the [audio.Source] and
// [audio.Enumerator] interfaces.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	_ = src.Start(ctx, cfg, queue)
//	src.Feed(frameA, frameB) // delivered to queue in order
//	src.Fail(errors.New("device unplugged"))
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/kikitori/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// StartCall records the arguments of a single [Source.Start] invocation.
type StartCall struct {
	// Cfg is the capture configuration passed to Start.
	Cfg audio.CaptureConfig
}

// Source is a mock implementation of [audio.Source]. Frames are injected by
// the test through [Source.Feed] and forwarded synchronously to the sink
// registered by the most recent Start call.
type Source struct {
	mu sync.Mutex

	// StartError is returned by Start. When non-nil the sink is not retained.
	StartError error

	// CloseError is returned by Close.
	CloseError error

	// StartCalls records all Start invocations.
	StartCalls []StartCall

	// CallCountClose records how many times Close was called.
	CallCountClose int

	sink   audio.Sink
	seq    uint64
	faults chan error
	once   sync.Once
}

var _ audio.Source = (*Source)(nil)

func (s *Source) faultCh() chan error {
	s.once.Do(func() { s.faults = make(chan error, 1) })
	return s.faults
}

// Start implements [audio.Source].
func (s *Source) Start(_ context.Context, cfg audio.CaptureConfig, sink audio.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StartCalls = append(s.StartCalls, StartCall{Cfg: cfg})
	if s.StartError != nil {
		return s.StartError
	}
	s.sink = sink
	return nil
}

// Faults implements [audio.Source].
func (s *Source) Faults() <-chan error { return s.faultCh() }

// Close implements [audio.Source]. Subsequent Feed calls are dropped.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.sink = nil
	return s.CloseError
}

// Feed pushes frames to the started sink in order, assigning consecutive
// sequence numbers. It reports false when no sink is attached.
func (s *Source) Feed(frames ...audio.Frame) bool {
	s.mu.Lock()
	sink := s.sink
	if sink == nil {
		s.mu.Unlock()
		return false
	}
	for i := range frames {
		frames[i].Seq = s.seq
		s.seq++
	}
	s.mu.Unlock()

	for _, f := range frames {
		sink.Push(f)
	}
	return true
}

// Fail delivers a [*audio.CaptureFault] wrapping err on the Faults channel.
// Only the first call has an effect.
func (s *Source) Fail(err error) {
	if err == nil {
		err = errors.New("mock: capture fault")
	}
	select {
	case s.faultCh() <- &audio.CaptureFault{Device: "mock", Err: err}:
	default:
	}
}

// ─── Enumerator ───────────────────────────────────────────────────────────────

// Enumerator is a mock implementation of [audio.Enumerator].
type Enumerator struct {
	// DevicesResult is returned by Devices.
	DevicesResult []audio.Device

	// DevicesError is returned by Devices.
	DevicesError error
}

// Devices implements [audio.Enumerator].
func (e *Enumerator) Devices() ([]audio.Device, error) {
	return e.DevicesResult, e.DevicesError
}
