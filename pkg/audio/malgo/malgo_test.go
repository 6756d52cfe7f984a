package malgo

import (
	"testing"

	"github.com/MrWong99/kikitori/pkg/audio"
)

type recordingSink struct {
	frames []audio.Frame
}

func (r *recordingSink) Push(f audio.Frame) { r.frames = append(r.frames, f) }

func TestFramer_SlicesUnevenPeriods(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := newFramer(audio.Format{SampleRate: 16000, Channels: 1}, 160, sink)

	// 3 periods of 100, 150 and 230 samples give 480 samples: 3 full frames.
	for _, n := range []int{100, 150, 230} {
		f.write(make([]byte, n*2))
	}

	if len(sink.frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(sink.frames))
	}
	for i, fr := range sink.frames {
		if fr.Seq != uint64(i) {
			t.Errorf("frame %d: Seq = %d", i, fr.Seq)
		}
		if fr.Samples() != 160 {
			t.Errorf("frame %d: %d samples, want 160", i, fr.Samples())
		}
	}
	if got := sink.frames[2].Timestamp; got != 20_000_000 {
		t.Errorf("third frame timestamp = %v, want 20ms", got)
	}
	if len(f.pending) != 0 {
		t.Errorf("pending = %d bytes, want 0", len(f.pending))
	}
}

func TestFramer_ConvertsLoopbackMix(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	f := newFramer(audio.Format{SampleRate: 16000, Channels: 1}, 160, sink)
	f.setSource(48000, 2)

	// 10ms of 48kHz stereo is 480 sample pairs, which becomes 160 mono samples.
	stereo := make([]int16, 480*2)
	for i := range stereo {
		stereo[i] = 1000
	}
	f.write(audio.SamplesToBytes(stereo))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	got := sink.frames[0]
	if got.SampleRate != 16000 || got.Channels != 1 {
		t.Errorf("format = %d Hz/%d ch, want 16000/1", got.SampleRate, got.Channels)
	}
	for i, s := range audio.BytesToSamples(got.Data) {
		if s != 1000 {
			t.Fatalf("sample %d = %d, want 1000", i, s)
		}
	}
}
