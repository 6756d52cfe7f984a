package audio

import (
	"log/slog"
	"sync"
)

// MonoConverter turns device frames into the mono PCM the recognizer
// consumes. Loopback devices usually run at 44.1 or 48 kHz with two or more
// channels; the channels are averaged first so only one stream is
// resampled. Create one per capture stream; not safe for concurrent use.
type MonoConverter struct {
	// Rate is the target sample rate in Hz.
	Rate int

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert returns frame as mono PCM at c.Rate. A frame that already matches
// is returned unchanged. A frame whose length is not a whole number of
// sample frames is dropped and an empty frame is returned.
func (c *MonoConverter) Convert(frame Frame) Frame {
	ch := max(frame.Channels, 1)
	if len(frame.Data)%(2*ch) != 0 {
		c.warnedCorrupt.Do(func() {
			slog.Warn("audio converter: partial sample frame in PCM data, dropping frame",
				"bytes", len(frame.Data),
				"channels", ch,
			)
		})
		return Frame{SampleRate: c.Rate, Channels: 1, Seq: frame.Seq, Timestamp: frame.Timestamp}
	}

	if frame.SampleRate == c.Rate && ch == 1 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Info("audio converter: converting device format",
			"sample_rate", frame.SampleRate,
			"channels", ch,
			"target_rate", c.Rate,
		)
	})

	return Frame{
		Data:       ResampleMono16(Downmix(frame.Data, ch), frame.SampleRate, c.Rate),
		SampleRate: c.Rate,
		Channels:   1,
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
	}
}

// Downmix averages each interleaved sample frame of channels int16 samples
// into one mono sample. With one channel the input is returned as is.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	stride := 2 * channels
	frames := len(pcm) / stride
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for c := range channels {
			off := i*stride + c*2
			sum += int32(int16(pcm[off]) | int16(pcm[off+1])<<8)
		}
		avg := int16(sum / int32(channels))
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate by linear
// interpolation. Equal or non-positive rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)
	sample := func(i int) int16 {
		return int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}

	for i := range dstSamples {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sample(idx)
		s1 := s0
		if idx+1 < srcSamples {
			s1 = sample(idx + 1)
		}

		v := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}
