// Package portaudio provides a microphone [audio.Source] backed by PortAudio.
//
// The source opens a blocking input stream on the selected device and runs a
// read loop on its own goroutine, converting each filled buffer into an
// [audio.Frame] and pushing it to the sink. PortAudio must be installed on
// the host (libportaudio19-dev on Debian, portaudio via Homebrew on macOS).
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/kikitori/pkg/audio"
)

// Source captures a microphone through PortAudio. The zero value is not
// usable; create one with [New].
type Source struct {
	mu      sync.Mutex
	stream  *portaudio.Stream
	device  string
	running bool

	done   chan struct{}
	wg     sync.WaitGroup
	faults chan error
	once   sync.Once
}

var (
	_ audio.Source     = (*Source)(nil)
	_ audio.Enumerator = (*Source)(nil)
)

// New returns an idle PortAudio source.
func New() *Source {
	return &Source{faults: make(chan error, 1)}
}

// Devices lists every PortAudio device in enumeration order. Output-only
// devices are included so that indices line up with PortAudio's own; their
// MaxInputChannels is zero.
func (s *Source) Devices() ([]audio.Device, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	defer portaudio.Terminate()

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]audio.Device, 0, len(infos))
	for _, d := range infos {
		out = append(out, audio.Device{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}

// Start opens the capture stream and begins the read loop.
func (s *Source) Start(ctx context.Context, cfg audio.CaptureConfig, sink audio.Sink) error {
	if cfg.Loopback {
		return errors.New("portaudio: loopback capture is not supported; use the malgo source")
	}
	if cfg.FrameSamples <= 0 {
		return fmt.Errorf("portaudio: frame size must be positive, got %d", cfg.FrameSamples)
	}
	channels := cfg.Format.Channels
	if channels <= 0 {
		channels = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("portaudio: source already started")
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	dev, err := selectDevice(cfg.DeviceIndex)
	if err != nil {
		portaudio.Terminate()
		return err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = channels
	params.SampleRate = float64(cfg.Format.SampleRate)
	params.FramesPerBuffer = cfg.FrameSamples

	buf := make([]int16, cfg.FrameSamples*channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return fmt.Errorf("portaudio: open stream on %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream on %q: %w", dev.Name, err)
	}

	s.stream = stream
	s.device = dev.Name
	s.running = true
	s.done = make(chan struct{})

	slog.Info("portaudio capture started",
		"device", dev.Name,
		"index", dev.Index,
		"sample_rate", cfg.Format.SampleRate,
		"frame_samples", cfg.FrameSamples,
	)

	s.wg.Add(1)
	go s.readLoop(ctx, stream, buf, cfg.Format.SampleRate, channels, sink)
	return nil
}

// readLoop blocks on PortAudio reads and forwards every buffer as a frame.
func (s *Source) readLoop(ctx context.Context, stream *portaudio.Stream, buf []int16, rate, channels int, sink audio.Sink) {
	defer s.wg.Done()

	var seq uint64
	var elapsed time.Duration
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				slog.Debug("portaudio input overflowed, continuing", "device", s.device)
				continue
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.fail(err)
			return
		}

		frame := audio.Frame{
			Data:       audio.SamplesToBytes(buf),
			SampleRate: rate,
			Channels:   channels,
			Seq:        seq,
			Timestamp:  elapsed,
		}
		seq++
		elapsed += frame.Duration()
		sink.Push(frame)
	}
}

func (s *Source) fail(err error) {
	select {
	case s.faults <- &audio.CaptureFault{Device: s.device, Err: err}:
	default:
	}
}

// Faults implements [audio.Source].
func (s *Source) Faults() <-chan error { return s.faults }

// Close stops the stream, waits for the read loop and terminates PortAudio.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.running {
			return
		}
		close(s.done)
		if stopErr := s.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop stream: %w", stopErr)
		}
		s.wg.Wait()
		if closeErr := s.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close stream: %w", closeErr)
		}
		if termErr := portaudio.Terminate(); termErr != nil && err == nil {
			err = fmt.Errorf("portaudio: terminate: %w", termErr)
		}
		s.running = false
	})
	return err
}

// selectDevice resolves index to a capture-capable device. PortAudio must
// already be initialised.
func selectDevice(index int) (*portaudio.DeviceInfo, error) {
	if index == audio.DefaultDevice {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("portaudio: default input device: %w", err)
		}
		return dev, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	return pickDevice(devs, index)
}

// pickDevice returns the device at index if it can capture audio.
func pickDevice(devs []*portaudio.DeviceInfo, index int) (*portaudio.DeviceInfo, error) {
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("%w: index %d (have %d devices)", audio.ErrDeviceNotFound, index, len(devs))
	}
	dev := devs[index]
	if dev.MaxInputChannels < 1 {
		return nil, fmt.Errorf("%w: %q at index %d has no input channels", audio.ErrDeviceNotFound, dev.Name, index)
	}
	return dev, nil
}
