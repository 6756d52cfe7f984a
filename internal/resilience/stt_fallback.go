package resilience

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// recognizers, each behind its own circuit breaker.
//
// A failed open counts as a failure. An opened stream is watched until its
// first decisive event: a [*stt.ServiceError] counts as a failure of the
// recognizer that produced it and a final result as a success, so a service
// that accepts streams but rejects every utterance still trips its breaker.
// A stream that ends without either counts as a success.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] preferring primary.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another recognizer behind the existing ones.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the recognizer names in failover order.
func (f *STTFallback) Names() []string { return f.group.Names() }

// States returns the breaker state of every recognizer.
func (f *STTFallback) States() map[string]State { return f.group.States() }

// Available reports whether any recognizer would accept a stream.
func (f *STTFallback) Available() bool { return f.group.Available() }

// StartStream opens a stream on the first recognizer that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, ticket, err := Open(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return newWatchedSession(h, ticket), nil
}

// watchedSession relays events from the wrapped stream and reports its
// first decisive event through its ticket.
type watchedSession struct {
	stt.SessionHandle
	ticket *Ticket
	events chan stt.Event
	done   chan struct{}
	once   sync.Once
}

func newWatchedSession(h stt.SessionHandle, t *Ticket) *watchedSession {
	w := &watchedSession{
		SessionHandle: h,
		ticket:        t,
		events:        make(chan stt.Event),
		done:          make(chan struct{}),
	}
	go w.relay()
	return w
}

func (w *watchedSession) relay() {
	defer close(w.events)
	defer w.ticket.Done(nil)
	for ev := range w.SessionHandle.Events() {
		var svc *stt.ServiceError
		switch {
		case errors.As(ev.Err, &svc):
			w.ticket.Done(ev.Err)
		case hasFinal(ev):
			w.ticket.Done(nil)
		}
		select {
		case w.events <- ev:
		case <-w.done:
			return
		}
	}
}

func hasFinal(ev stt.Event) bool {
	for _, r := range ev.Results {
		if r.IsFinal {
			return true
		}
	}
	return false
}

// Events implements [stt.SessionHandle].
func (w *watchedSession) Events() <-chan stt.Event { return w.events }

// Close implements [stt.SessionHandle].
func (w *watchedSession) Close() error {
	w.once.Do(func() { close(w.done) })
	return w.SessionHandle.Close()
}
