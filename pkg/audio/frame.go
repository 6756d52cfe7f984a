package audio

import (
	"encoding/binary"
	"time"
)

// Frame is a single fixed-length buffer of signed 16-bit little-endian PCM.
// Frames are immutable once captured: consumers must not modify Data.
type Frame struct {
	// Data holds the interleaved PCM bytes.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count; 1 for everything the
	// recognizer sees.
	Channels int

	// Seq is the capture sequence number, starting at 0 for each source.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Samples returns the number of samples per channel in f.
func (f Frame) Samples() int {
	ch := f.Channels
	if ch <= 0 {
		ch = 1
	}
	return len(f.Data) / (2 * ch)
}

// Duration returns the playback length of f. It is zero when SampleRate is
// unset.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.Samples()) * time.Second / time.Duration(f.SampleRate)
}

// Join concatenates the PCM payloads of frames in order.
func Join(frames []Frame) []byte {
	n := 0
	for _, f := range frames {
		n += len(f.Data)
	}
	out := make([]byte, 0, n)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}

// SamplesToBytes encodes int16 samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// BytesToSamples decodes little-endian PCM into int16 samples. A trailing odd
// byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
