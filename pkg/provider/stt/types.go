package stt

import "time"

// Event is one message from the recognition stream. Exactly one of Err or
// Results is meaningful: an event with a non-nil Err (usually a
// [*ServiceError]) ends the session.
type Event struct {
	Err     error
	Results []Result
}

// Result is one candidate result inside an [Event].
type Result struct {
	// Alternatives are ordered by decreasing likelihood.
	Alternatives []Alternative

	// Stability estimates how likely an interim result is to stay unchanged
	// (0.0–1.0). Providers that do not report it leave it zero.
	Stability float64

	// IsFinal marks the result as the committed transcript for the utterance.
	IsFinal bool
}

// Alternative is one recognition hypothesis.
type Alternative struct {
	Transcript string

	// Confidence is the overall confidence (0.0–1.0). Usually only set on
	// final results.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail
}

// Top returns the result's best alternative as a [Transcript].
func (r Result) Top() Transcript {
	t := Transcript{IsFinal: r.IsFinal, Stability: r.Stability}
	if len(r.Alternatives) > 0 {
		alt := r.Alternatives[0]
		t.Text = alt.Transcript
		t.Confidence = alt.Confidence
		t.Words = alt.Words
	}
	return t
}

// Transcript is the recognition record of one utterance. It is overwritten by
// every interim result and frozen once IsFinal is set.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final or interim transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0).
	Confidence float64

	// Stability is the interim stability score (0.0–1.0).
	Stability float64

	// Words contains per-word detail when available.
	Words []WordDetail
}

// WordDetail holds per-word metadata from providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost represents a keyword to boost in recognition.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
