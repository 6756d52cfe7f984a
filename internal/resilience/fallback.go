package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] failed or
// was skipped by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures the breaker created for each entry of a
// [FallbackGroup]. The Name field is set per entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and any number of fallbacks of the same
// provider type, tried in registration order. Entries must be added before
// the group is used concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends an entry behind the existing ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the entry names in order.
func (fg *FallbackGroup[T]) Names() []string {
	out := make([]string, len(fg.entries))
	for i, e := range fg.entries {
		out[i] = e.name
	}
	return out
}

// States returns the breaker state of every entry keyed by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Available reports whether at least one entry would accept a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Open calls fn on each entry in order until one succeeds and returns its
// result together with the ticket that admitted it. Entries with an open
// breaker are skipped and failures of fn are counted against their entry.
// A success is not counted yet: the caller reports the eventual result of
// what fn opened through [Ticket.Done]. Iteration stops early when ctx ends.
// Open is a function because methods cannot have type parameters.
func Open[T, R any](ctx context.Context, fg *FallbackGroup[T], fn func(T) (R, error)) (R, *Ticket, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, nil, err
		}
		entry := &fg.entries[i]
		ticket, err := entry.breaker.Acquire()
		if err != nil {
			lastErr = err
			slog.Debug("skipping provider, circuit open", "provider", entry.name)
			continue
		}
		result, err := fn(entry.value)
		if err != nil {
			ticket.Done(err)
			lastErr = err
			slog.Warn("provider failed, trying next", "provider", entry.name, "err", err)
			continue
		}
		if i > 0 {
			slog.Info("using fallback provider", "provider", entry.name)
		}
		return result, ticket, nil
	}
	return zero, nil, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
