package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func readyz(t *testing.T, h *Handler, ctx context.Context) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	New().Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

type fakePool struct{ available bool }

func (p fakePool) Available() bool { return p.available }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{},
		},
		{
			name: "all pass",
			checkers: []Checker{
				Capture(func() bool { return true }),
				Recognizers(fakePool{available: true}),
				Ping("journal", fakePinger{}),
			},
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"capture": "ok", "recognizers": "ok", "journal": "ok"},
		},
		{
			name: "capture stopped",
			checkers: []Checker{
				Capture(func() bool { return false }),
				Recognizers(fakePool{available: true}),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"capture": "fail: " + ErrCaptureStopped.Error(), "recognizers": "ok"},
		},
		{
			name: "every breaker open",
			checkers: []Checker{
				Recognizers(fakePool{}),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"recognizers": "fail: " + ErrNoRecognizer.Error()},
		},
		{
			name: "no recognizer pool",
			checkers: []Checker{
				Recognizers(nil),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"recognizers": "fail: " + ErrNotConfigured.Error()},
		},
		{
			name: "journal unreachable",
			checkers: []Checker{
				Ping("journal", fakePinger{err: errors.New("connection refused")}),
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"journal": "fail: connection refused"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			status, body := readyz(t, New(tc.checkers...), context.Background())
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d", status, tc.wantStatus)
			}
			wantBody := "ok"
			if tc.wantStatus != http.StatusOK {
				wantBody = "fail"
			}
			if body.Status != wantBody {
				t.Errorf("body status = %q, want %q", body.Status, wantBody)
			}
			if len(body.Checks) != len(tc.wantChecks) {
				t.Errorf("checks = %v, want %v", body.Checks, tc.wantChecks)
			}
			for name, want := range tc.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	New(Capture(func() bool { return true })).Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()

	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if status, _ := readyz(t, h, ctx); status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", status, http.StatusServiceUnavailable)
	}
}
