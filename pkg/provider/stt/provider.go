// Package stt defines the Provider interface for streaming speech recognition
// backends.
//
// An STT provider wraps a remote streaming recognizer (Google Cloud
// Speech-to-Text, Deepgram) behind a uniform bidirectional session. The
// session is opened with a one-time [StreamConfig], accepts any number of PCM
// audio chunks, and yields an ordered stream of [Event] values carrying either
// recognition results or a service-level error.
//
// Implementations must be safe for concurrent use. Audio input and event
// output are independent paths: sending never waits on receiving.
package stt

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by [SessionHandle.SendAudio] after the session
// was closed or the send side was half-closed.
var ErrSessionClosed = errors.New("stt: session is closed")

// Encoding names the PCM encoding sent to the recognizer.
type Encoding string

// LINEAR16 is uncompressed signed 16-bit little-endian PCM.
const LINEAR16 Encoding = "LINEAR16"

// StreamConfig is the one-time configuration message sent when a session
// opens. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels. Always 1 for kikitori.
	Channels int

	// Encoding of the audio chunks. Empty means [LINEAR16].
	Encoding Encoding

	// Language is the BCP-47 language tag for recognition (e.g., "ja-JP").
	Language string

	// MaxAlternatives caps the number of alternatives per result.
	MaxAlternatives int

	// InterimResults requests non-final results while the utterance is
	// still in progress.
	InterimResults bool

	// SingleUtterance asks the service to end recognition after the first
	// utterance it detects.
	SingleUtterance bool

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open recognition stream. It is an interface so
// that test code can provide mock implementations without a live connection.
//
// Callers must call Close when the session is no longer needed. Failing to do
// so may leak goroutines and network connections inside the provider.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio. Chunks are forwarded in
	// call order. Calling SendAudio after CloseSend or Close returns
	// [ErrSessionClosed].
	SendAudio(chunk []byte) error

	// Events returns the ordered stream of recognition events. The channel is
	// closed once the service ends the stream or the session is closed.
	Events() <-chan Event

	// CloseSend signals that no more audio will follow. The service may still
	// deliver pending results on Events.
	CloseSend() error

	// Close terminates the session and releases all associated resources.
	// After Close returns, the Events channel is closed. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming recognition backend.
type Provider interface {
	// StartStream opens a new recognition stream and sends cfg as its
	// configuration message. The returned SessionHandle is ready to accept
	// audio immediately.
	//
	// Returns an error if the provider cannot establish the stream (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// ServiceError is a non-OK status reported by the recognition service. It is
// fatal to the session that received it.
type ServiceError struct {
	// Code is the provider's numeric status code (gRPC code for Google, close
	// or HTTP status for Deepgram).
	Code int

	// Status is the symbolic name of Code, when known.
	Status string

	// Message is the human-readable error description from the service.
	Message string
}

// Error implements error.
func (e *ServiceError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("stt: service error %d (%s): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("stt: service error %d: %s", e.Code, e.Message)
}
