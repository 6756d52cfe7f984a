package recorder

import (
	"testing"
	"time"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/MrWong99/kikitori/pkg/audio"
)

var fixedTime = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, fs afero.Fs) *Recorder {
	t.Helper()
	r, err := New(fs, "rec", audio.Format{SampleRate: 16000, Channels: 1},
		WithClock(func() time.Time { return fixedTime }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestTake_WritesDecodableWAV(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r := newTestRecorder(t, fs)
	id := uuid.MustParse("9b2c6a3e-0d7c-4c8f-9d6e-1f2a3b4c5d6e")

	take, err := r.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	wantPath := "rec/20261016-093000.000_9b2c6a3e-0d7c-4c8f-9d6e-1f2a3b4c5d6e.wav"
	if take.Path() != wantPath {
		t.Errorf("Path = %q, want %q", take.Path(), wantPath)
	}

	chunk := audio.SamplesToBytes([]int16{0, 1000, -1000, 32767})
	for range 3 {
		if err := take.Write(chunk); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if take.Samples() != 12 {
		t.Errorf("Samples = %d, want 12", take.Samples())
	}
	if err := take.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := take.Write(chunk); err != nil {
		t.Errorf("Write after Close = %v, want nil", err)
	}

	f, err := fs.Open(wantPath)
	if err != nil {
		t.Fatalf("open recorded file: %v", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("header = %d Hz, %d ch, %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	if len(buf.Data) != 12 {
		t.Fatalf("decoded %d samples, want 12", len(buf.Data))
	}
	if buf.Data[1] != 1000 || buf.Data[2] != -1000 || buf.Data[3] != 32767 {
		t.Errorf("decoded samples = %v", buf.Data[:4])
	}
}

func TestTake_Discard(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r := newTestRecorder(t, fs)
	take, err := r.Open(uuid.New())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = take.Write(audio.SamplesToBytes([]int16{1, 2, 3}))
	if err := take.Discard(); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if ok, _ := afero.Exists(fs, take.Path()); ok {
		t.Error("discarded file still exists")
	}
}

func TestRecorder_Pattern(t *testing.T) {
	t.Parallel()

	fs := afero.NewMemMapFs()
	r, err := New(fs, "out", audio.Format{SampleRate: 16000}, WithPattern("utt-{id}.wav"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	id := uuid.New()
	take, err := r.Open(id)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer take.Close()
	if want := "out/utt-" + id.String() + ".wav"; take.Path() != want {
		t.Errorf("Path = %q, want %q", take.Path(), want)
	}
}
