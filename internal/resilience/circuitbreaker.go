// Package resilience provides the circuit breaker and recognizer failover
// used when opening recognition streams.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] orders several instances of one provider type, each behind
// its own breaker, and [STTFallback] applies that to [stt.Provider] so a
// failing primary recognizer is bypassed until it recovers.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax probe calls through. One failure
	// re-opens the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

// String returns the state name used in logs and health output.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the breaker parameters.
type CircuitBreakerConfig struct {
	// Name labels log messages and state change notifications.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 3.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 1, since a recognizer is probed once per utterance.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker unlocked.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state breaker.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	onChange     func(string, State, State)
	now          func() time.Time

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	halfOpenCalls   int
	halfOpenOK      int
}

// NewCircuitBreaker creates a closed breaker. Zero fields in cfg take their
// defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		onChange:     cfg.OnStateChange,
		now:          time.Now,
		state:        StateClosed,
	}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn unless the breaker rejects the call, and counts its
// result.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	t, err := cb.Acquire()
	if err != nil {
		return err
	}
	err = fn()
	t.Done(err)
	return err
}

// Acquire admits one call whose result is reported later through
// [Ticket.Done], such as a stream that may fail long after it was opened.
// It returns [ErrCircuitOpen] when the breaker rejects the call.
func (cb *CircuitBreaker) Acquire() (*Ticket, error) {
	probe, err := cb.admit()
	if err != nil {
		return nil, err
	}
	return &Ticket{cb: cb, probe: probe}, nil
}

// Ticket is an admitted call. Only its first Done counts.
type Ticket struct {
	cb    *CircuitBreaker
	probe bool
	once  sync.Once
}

// Name returns the name of the breaker that admitted the call.
func (t *Ticket) Name() string { return t.cb.name }

// Done reports the result of the call.
func (t *Ticket) Done(err error) {
	t.once.Do(func() { t.cb.record(err, t.probe) })
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	var changed bool
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.resetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.halfOpenOK = 0
		changed = true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
	}
	probe = cb.state == StateHalfOpen
	if probe {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(StateOpen, StateHalfOpen)
	}
	return probe, nil
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	from := cb.state
	if err != nil {
		cb.lastFailure = cb.now()
		cb.consecutiveFail++
		if probe || cb.consecutiveFail >= cb.maxFailures {
			cb.state = StateOpen
		}
	} else {
		cb.consecutiveFail = 0
		if probe {
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.halfOpenMax {
				cb.state = StateClosed
			}
		}
	}
	to := cb.state
	failures := cb.consecutiveFail
	cb.mu.Unlock()

	if from == to {
		return
	}
	switch to {
	case StateOpen:
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"from", from.String(),
			"consecutive_failures", failures,
			"err", err)
	case StateClosed:
		slog.Info("circuit breaker closed", "name", cb.name)
	}
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenOK = 0
	cb.mu.Unlock()
	if from != StateClosed {
		slog.Info("circuit breaker reset", "name", cb.name)
		cb.notify(from, StateClosed)
	}
}
