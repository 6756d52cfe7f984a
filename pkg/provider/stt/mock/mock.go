// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Session to feed controlled events and inspect which audio
// chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Event{Results: []stt.Result{{IsFinal: true, ...}}})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil,
	// StartStream returns a fresh [NewSession].
	Session stt.SessionHandle

	// NewSessionFunc, when set, is called on every StartStream and takes
	// precedence over Session. It lets a test hand out a new scripted
	// session per utterance.
	NewSessionFunc func(cfg stt.StreamConfig) stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.NewSessionFunc != nil {
		return p.NewSessionFunc(cfg), nil
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Session.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Session is a mock implementation of stt.SessionHandle. Events are injected
// with [Session.Emit]; the events channel is closed by [Session.End] or Close.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// OnSendAudio, if set, is called after each recorded SendAudio with the
	// 1-based call number. Tests use it to script replies to audio.
	OnSendAudio func(n int, chunk []byte)

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseSendCallCount is the number of times CloseSend was called.
	CloseSendCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	events     chan stt.Event
	sendClosed bool
	ended      bool
}

// NewSession returns a session with a buffered events channel.
func NewSession() *Session {
	return &Session{events: make(chan stt.Event, 64)}
}

// Emit delivers ev on the events channel. It is a no-op after End or Close.
func (s *Session) Emit(ev stt.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.events <- ev
}

// End closes the events channel, simulating the service ending the stream.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end()
}

func (s *Session) end() {
	if !s.ended {
		s.ended = true
		close(s.events)
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.sendClosed || s.ended {
		s.mu.Unlock()
		return stt.ErrSessionClosed
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	n := len(s.SendAudioCalls)
	hook := s.OnSendAudio
	err := s.SendAudioErr
	s.mu.Unlock()

	if hook != nil {
		hook(n, cp)
	}
	return err
}

// Events returns the events channel.
func (s *Session) Events() <-chan stt.Event { return s.events }

// CloseSend records the call. Further SendAudio calls fail.
func (s *Session) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseSendCallCount++
	s.sendClosed = true
	return nil
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// SentAudio returns a copy of every chunk sent so far, in order.
func (s *Session) SentAudio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	for i, c := range s.SendAudioCalls {
		out[i] = c.Chunk
	}
	return out
}

// Closed reports whether Close was called at least once.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount > 0
}

// Close records the call, closes the events channel and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.end()
	return s.CloseErr
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
