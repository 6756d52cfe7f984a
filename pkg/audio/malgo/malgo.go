// Package malgo provides an [audio.Source] backed by miniaudio through the
// malgo bindings. Unlike the PortAudio source it can capture the system
// output mix (loopback) on backends that support it, such as WASAPI.
//
// miniaudio delivers audio from its own callback thread in periods whose size
// is chosen by the backend. The source downmixes each period to mono,
// resamples it to the requested rate and re-slices the result into fixed-size
// frames before handing them to the sink.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/kikitori/pkg/audio"
)

// Source captures through miniaudio. Create one with [New].
type Source struct {
	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	name    string
	running bool
	closing bool

	faults chan error
	once   sync.Once
}

var (
	_ audio.Source     = (*Source)(nil)
	_ audio.Enumerator = (*Source)(nil)
)

// New returns an idle miniaudio source.
func New() *Source {
	return &Source{faults: make(chan error, 1)}
}

// Devices lists miniaudio capture devices in enumeration order.
func (s *Source) Devices() ([]audio.Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: list capture devices: %w", err)
	}
	out := make([]audio.Device, 0, len(infos))
	for i, d := range infos {
		out = append(out, audio.Device{
			Index:            i,
			Name:             d.Name(),
			MaxInputChannels: 2,
		})
	}
	return out, nil
}

// Start initialises miniaudio, opens the device and starts capture.
func (s *Source) Start(ctx context.Context, cfg audio.CaptureConfig, sink audio.Sink) error {
	if cfg.FrameSamples <= 0 {
		return fmt.Errorf("malgo: frame size must be positive, got %d", cfg.FrameSamples)
	}
	target := cfg.Format
	if target.Channels <= 0 {
		target.Channels = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("malgo: source already started")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", msg)
	})
	if err != nil {
		return fmt.Errorf("malgo: init context: %w", err)
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	kind := malgo.Capture
	if cfg.Loopback {
		kind = malgo.Loopback
	}
	devCfg := malgo.DefaultDeviceConfig(kind)
	devCfg.Capture.Format = malgo.FormatS16
	if cfg.Loopback {
		// Loopback runs at the mix format; conversion happens in the callback.
		devCfg.Capture.Channels = 2
		devCfg.SampleRate = 0
	} else {
		devCfg.Capture.Channels = 1
		devCfg.SampleRate = uint32(target.SampleRate)
	}

	name := "default"
	if cfg.DeviceIndex != audio.DefaultDevice {
		lookup := malgo.Capture
		if cfg.Loopback {
			lookup = malgo.Playback
		}
		infos, err := mctx.Devices(lookup)
		if err != nil {
			release()
			return fmt.Errorf("malgo: list devices: %w", err)
		}
		if cfg.DeviceIndex < 0 || cfg.DeviceIndex >= len(infos) {
			release()
			return fmt.Errorf("%w: index %d (have %d devices)", audio.ErrDeviceNotFound, cfg.DeviceIndex, len(infos))
		}
		info := infos[cfg.DeviceIndex]
		devCfg.Capture.DeviceID = info.ID.Pointer()
		name = info.Name()
	}

	fr := newFramer(target, cfg.FrameSamples, sink)
	var dev *malgo.Device
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			fr.write(input)
		},
		Stop: func() {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.fail(errors.New("device stopped unexpectedly"))
			}
		},
	}
	dev, err = malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		release()
		return fmt.Errorf("malgo: init device %q: %w", name, err)
	}
	fr.setSource(int(dev.SampleRate()), int(dev.CaptureChannels()))

	if err := dev.Start(); err != nil {
		dev.Uninit()
		release()
		return fmt.Errorf("malgo: start device %q: %w", name, err)
	}

	s.mctx = mctx
	s.device = dev
	s.name = name
	s.running = true

	slog.Info("malgo capture started",
		"device", name,
		"loopback", cfg.Loopback,
		"device_rate", dev.SampleRate(),
		"device_channels", dev.CaptureChannels(),
		"sample_rate", target.SampleRate,
		"frame_samples", cfg.FrameSamples,
	)

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	return nil
}

func (s *Source) fail(err error) {
	s.mu.Lock()
	name := s.name
	s.mu.Unlock()
	select {
	case s.faults <- &audio.CaptureFault{Device: name, Err: err}:
	default:
	}
}

// Faults implements [audio.Source].
func (s *Source) Faults() <-chan error { return s.faults }

// Close stops the device and releases miniaudio.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.closing = true
		dev, mctx := s.device, s.mctx
		s.mu.Unlock()

		if stopErr := dev.Stop(); stopErr != nil {
			err = fmt.Errorf("malgo: stop device: %w", stopErr)
		}
		dev.Uninit()
		if uninitErr := mctx.Uninit(); uninitErr != nil && err == nil {
			err = fmt.Errorf("malgo: uninit context: %w", uninitErr)
		}
		mctx.Free()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	})
	return err
}

// framer converts device periods to mono at the target rate and slices them
// into fixed-size frames. write is only ever called from the miniaudio callback
// thread.
type framer struct {
	conv       audio.MonoConverter
	srcRate    int
	srcCh      int
	frameBytes int
	pending    []byte
	sink       audio.Sink

	seq     uint64
	elapsed time.Duration
}

func newFramer(target audio.Format, frameSamples int, sink audio.Sink) *framer {
	return &framer{
		conv:       audio.MonoConverter{Rate: target.SampleRate},
		srcRate:    target.SampleRate,
		srcCh:      1,
		frameBytes: frameSamples * 2,
		sink:       sink,
	}
}

func (f *framer) setSource(rate, channels int) {
	if rate > 0 {
		f.srcRate = rate
	}
	if channels > 0 {
		f.srcCh = channels
	}
}

func (f *framer) write(period []byte) {
	if len(period) == 0 {
		return
	}
	// miniaudio reuses the period buffer after the callback returns.
	raw := make([]byte, len(period))
	copy(raw, period)

	converted := f.conv.Convert(audio.Frame{Data: raw, SampleRate: f.srcRate, Channels: f.srcCh})
	f.pending = append(f.pending, converted.Data...)

	for len(f.pending) >= f.frameBytes {
		data := make([]byte, f.frameBytes)
		copy(data, f.pending[:f.frameBytes])
		f.pending = f.pending[f.frameBytes:]

		frame := audio.Frame{
			Data:       data,
			SampleRate: f.conv.Rate,
			Channels:   1,
			Seq:        f.seq,
			Timestamp:  f.elapsed,
		}
		f.seq++
		f.elapsed += frame.Duration()
		f.sink.Push(frame)
	}
}
