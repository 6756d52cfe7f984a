// Package health serves the liveness and readiness endpoints of the
// recognizer process.
//
//   - /healthz answers 200 while the process can serve HTTP.
//   - /readyz answers 200 only when every registered [Checker] passes.
//
// Responses are JSON objects with a "status" field ("ok" or "fail") and a
// "checks" map holding the result of each named checker. The constructors
// [Capture], [Recognizers] and [Ping] build the checkers the process
// registers for its audio source, its recognizer pool and its journal.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name is the key of this check in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] evaluating checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs all checkers concurrently, each with a [checkTimeout]
// deadline derived from the request, and returns 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// Errors reported by the checkers built in this package.
var (
	ErrCaptureStopped = errors.New("audio capture is not running")
	ErrNoRecognizer   = errors.New("every recognizer circuit is open")
	ErrNotConfigured  = errors.New("not configured")
)

// Capture reports whether the audio source is delivering frames.
func Capture(running func() bool) Checker {
	return Checker{Name: "capture", Check: func(context.Context) error {
		if !running() {
			return ErrCaptureStopped
		}
		return nil
	}}
}

// Pool is a set of recognizers behind circuit breakers.
type Pool interface {
	Available() bool
}

// Recognizers fails while no recognizer in pool would accept a stream.
func Recognizers(pool Pool) Checker {
	return Checker{Name: "recognizers", Check: func(context.Context) error {
		if pool == nil {
			return ErrNotConfigured
		}
		if !pool.Available() {
			return ErrNoRecognizer
		}
		return nil
	}}
}

// Pinger is a dependency reachable over the network, such as the journal
// database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks p under the given name.
func Ping(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
