// Package recorder writes the audio of each utterance to its own WAV file.
//
// A [Take] is opened when a recognition session starts and receives the same
// PCM chunks that are streamed to the recognizer, so the file holds exactly
// what the service heard, pre-roll included.
package recorder

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/MrWong99/kikitori/pkg/audio"
)

// DefaultPattern names files by start time and utterance ID.
const DefaultPattern = "{time}_{id}.wav"

// wavFormatPCM is the WAVE_FORMAT_PCM tag.
const wavFormatPCM = 1

// Recorder creates WAV files under a directory. Safe for concurrent use.
type Recorder struct {
	fs      afero.Fs
	dir     string
	pattern string
	format  audio.Format
	now     func() time.Time
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithPattern sets the file name pattern. {time} expands to the start time
// and {id} to the utterance ID. Default: [DefaultPattern].
func WithPattern(p string) Option {
	return func(r *Recorder) {
		if p != "" {
			r.pattern = p
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// New returns a Recorder writing 16-bit PCM in format to dir on fs. The
// directory is created if missing.
func New(fs afero.Fs, dir string, format audio.Format, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		fs:      fs,
		dir:     dir,
		pattern: DefaultPattern,
		format:  format,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.format.Channels <= 0 {
		r.format.Channels = 1
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", dir, err)
	}
	return r, nil
}

// Open starts a new file for the utterance id.
func (r *Recorder) Open(id uuid.UUID) (*Take, error) {
	name := strings.NewReplacer(
		"{time}", r.now().Format("20060102-150405.000"),
		"{id}", id.String(),
	).Replace(r.pattern)
	path := filepath.Join(r.dir, name)

	f, err := r.fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", path, err)
	}
	return &Take{
		fs:   r.fs,
		file: f,
		path: path,
		enc:  wav.NewEncoder(f, r.format.SampleRate, 16, r.format.Channels, wavFormatPCM),
		buf: &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: r.format.Channels, SampleRate: r.format.SampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Take is one WAV file being written. Write may be called concurrently with
// Close; writes after Close are dropped.
type Take struct {
	mu      sync.Mutex
	fs      afero.Fs
	file    afero.File
	path    string
	enc     *wav.Encoder
	buf     *goaudio.IntBuffer
	samples int
	closed  bool
	err     error
}

// Path returns the file path of the take.
func (t *Take) Path() string { return t.path }

// Samples reports how many samples were written so far.
func (t *Take) Samples() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// Write appends little-endian 16-bit PCM. The first error is sticky and is
// also returned by Close.
func (t *Take) Write(pcm []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.err != nil {
		return t.err
	}
	samples := audio.BytesToSamples(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	t.buf.Data = data
	if err := t.enc.Write(t.buf); err != nil {
		t.err = fmt.Errorf("recorder: write %s: %w", t.path, err)
		return t.err
	}
	t.samples += len(samples)
	return nil
}

// Close finalizes the WAV header and closes the file.
func (t *Take) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.close()
}

func (t *Take) close() error {
	if t.closed {
		return t.err
	}
	t.closed = true
	if err := t.enc.Close(); err != nil && t.err == nil {
		t.err = fmt.Errorf("recorder: finalize %s: %w", t.path, err)
	}
	if err := t.file.Close(); err != nil && t.err == nil {
		t.err = fmt.Errorf("recorder: close %s: %w", t.path, err)
	}
	return t.err
}

// Discard closes the take and removes its file.
func (t *Take) Discard() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.close()
	if err := t.fs.Remove(t.path); err != nil {
		return fmt.Errorf("recorder: remove %s: %w", t.path, err)
	}
	return nil
}
