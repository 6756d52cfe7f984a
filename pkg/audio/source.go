// Package audio defines the frame type and capture abstractions used by
// kikitori.
//
// The central abstraction is [Source]: a push-based capture device (microphone
// or loopback) that delivers fixed-size PCM [Frame] values to a [Sink] from
// its own goroutine or audio callback, independently of the caller's control
// flow. Platform adapters live in sub-packages (audio/portaudio, audio/malgo).
//
// This package lives under pkg/ because third-party capture backends are
// expected to implement [Source].
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultDevice selects the platform's default capture device.
const DefaultDevice = -1

// ErrDeviceNotFound is returned by [Source.Start] when the requested device
// index does not name a capture-capable device.
var ErrDeviceNotFound = errors.New("audio: capture device not found")

// Format describes the sample rate and channel count of an audio stream.
// All kikitori audio is signed 16-bit little-endian PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// CaptureConfig describes the stream a [Source] should open.
type CaptureConfig struct {
	// Format is the delivered frame format. Sources convert internally when
	// the device runs at a different rate or channel count.
	Format Format

	// FrameSamples is the number of samples per channel in every delivered
	// frame.
	FrameSamples int

	// DeviceIndex selects the capture device by its enumeration index.
	// [DefaultDevice] selects the platform default.
	DeviceIndex int

	// Loopback captures the system output mix instead of an input device.
	// Only backends that report loopback support honour it.
	Loopback bool
}

// FrameSamplesFor returns the per-channel sample count of a frame lasting d at
// sampleRate.
func FrameSamplesFor(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// Device describes one enumerated capture device.
type Device struct {
	Index             int
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
}

// Sink receives captured frames. Push is called from the capture context and
// must never block.
type Sink interface {
	Push(Frame)
}

// Source is a push-based capture device.
//
// Implementations must be safe for concurrent use. Start returns once the
// device is running; frames are then delivered to sink until Close is called
// or ctx is cancelled.
type Source interface {
	// Start opens the device described by cfg and begins delivering frames to
	// sink. It returns an error if the device cannot be opened.
	Start(ctx context.Context, cfg CaptureConfig, sink Sink) error

	// Faults returns a channel that receives at most one [*CaptureFault] when
	// the running device fails. The channel is never closed.
	Faults() <-chan error

	// Close stops capture and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Enumerator lists capture devices in the index order accepted by
// [CaptureConfig.DeviceIndex].
type Enumerator interface {
	Devices() ([]Device, error)
}

// CaptureFault reports an unrecoverable failure of a running capture device.
// It is fatal to the process.
type CaptureFault struct {
	Device string
	Err    error
}

// Error implements error.
func (f *CaptureFault) Error() string {
	return fmt.Sprintf("audio: capture fault on %q: %v", f.Device, f.Err)
}

// Unwrap returns the underlying device error.
func (f *CaptureFault) Unwrap() error { return f.Err }
