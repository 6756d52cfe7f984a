package session

import (
	"time"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// Kind classifies how a session ended.
type Kind int

const (
	// Success means a final result arrived. Outcome.Result holds it.
	Success Kind = iota

	// ServiceError means the stream could not be opened or the service
	// reported a non-OK status. Outcome.Err holds the cause.
	ServiceError

	// SilenceAbort means the session ended without speech worth
	// recognizing: buffered audio fell below the threshold, or the service
	// closed the stream without a final result.
	SilenceAbort

	// Timeout means the session deadline passed, or the caller's context
	// ended, before a final result.
	Timeout
)

// String returns the metric and journal name of k.
func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case ServiceError:
		return "service_error"
	case SilenceAbort:
		return "silence_abort"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Outcome is the result of [Session.Run].
type Outcome struct {
	Kind Kind

	// Result is the final transcript. It is only meaningful for [Success];
	// interim results never leave the session.
	Result stt.Transcript

	// Err is the failure cause for every kind except [Success].
	Err error

	// FramesSent is the number of frames streamed to the service.
	FramesSent int

	// Duration is the wall time from stream open to outcome.
	Duration time.Duration
}
