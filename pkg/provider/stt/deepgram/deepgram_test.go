package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cfg := stt.StreamConfig{
		SampleRate:      16000,
		Channels:        1,
		Language:        "ja-JP",
		MaxAlternatives: 1,
		InterimResults:  true,
	}

	rawURL, err := p.buildURL(cfg)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "ja-JP", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "alternatives", "1", q.Get("alternatives"))
}

func TestBuildURL_ProviderDefaults(t *testing.T) {
	p, err := New("key", WithModel("base"), WithLanguage("de-DE"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "de-DE", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
}

func TestBuildURL_Keywords(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{
		SampleRate: 16000,
		Keywords: []stt.KeywordBoost{
			{Keyword: "ちちんぷいぷい", Boost: 5},
			{Keyword: "さようなら", Boost: 3.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, _ := url.Parse(rawURL)
	kws := u.Query()["keywords"]
	if len(kws) != 2 {
		t.Fatalf("expected 2 keywords, got %d: %v", len(kws), kws)
	}
	found := map[string]bool{}
	for _, kw := range kws {
		found[kw] = true
	}
	if !found["ちちんぷいぷい:5"] || !found["さようなら:3.5"] {
		t.Errorf("unexpected keywords %v", kws)
	}
}

// ---- parsing tests ----

func TestParse_SingleUtteranceJoinsSegments(t *testing.T) {
	s := &session{single: true}

	msgs := []string{
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"こん","confidence":0.4}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"こんにち","confidence":0.8}]}}`,
		`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"は","confidence":0.92}]}}`,
	}
	var got []stt.Transcript
	for _, m := range msgs {
		ev, ok := s.parse([]byte(m))
		if !ok {
			t.Fatalf("parse(%s) ignored", m)
		}
		got = append(got, ev.Results[0].Top())
	}

	if got[0].IsFinal || got[1].IsFinal {
		t.Error("segment without speech_final must not end the utterance")
	}
	last := got[2]
	if !last.IsFinal {
		t.Fatal("speech_final segment should be final")
	}
	assertEqual(t, "final transcript", "こんにちは", last.Text)
	if last.Confidence != 0.92 {
		t.Errorf("confidence = %v, want 0.92", last.Confidence)
	}
	if len(s.committed) != 0 {
		t.Errorf("committed segments not reset: %v", s.committed)
	}
}

func TestParse_WordsAndMultiUtterance(t *testing.T) {
	s := &session{}
	raw := `{
		"type": "Results",
		"is_final": true,
		"channel": {
			"alternatives": [{
				"transcript": "Hello world",
				"confidence": 0.95,
				"words": [
					{"word": "Hello", "start": 0.1, "end": 0.5, "confidence": 0.97},
					{"word": "world", "start": 0.6, "end": 1.0, "confidence": 0.93}
				]
			}]
		}
	}`
	ev, ok := s.parse([]byte(raw))
	if !ok {
		t.Fatal("expected ok=true for valid Results message")
	}
	tr := ev.Results[0].Top()
	if !tr.IsFinal {
		t.Error("expected IsFinal=true")
	}
	if len(tr.Words) != 2 {
		t.Fatalf("expected 2 words, got %d", len(tr.Words))
	}
	if tr.Words[0].Start != time.Duration(0.1*float64(time.Second)) {
		t.Errorf("unexpected start: %v", tr.Words[0].Start)
	}
}

func TestParse_IgnoredAndErrors(t *testing.T) {
	s := &session{}
	for _, raw := range []string{
		`{"type":"Metadata","request_id":"abc"}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		`{invalid`,
	} {
		if _, ok := s.parse([]byte(raw)); ok {
			t.Errorf("parse(%s) should be ignored", raw)
		}
	}

	ev, ok := s.parse([]byte(`{"type":"Error","description":"bad audio"}`))
	if !ok {
		t.Fatal("Error message ignored")
	}
	var se *stt.ServiceError
	if !errors.As(ev.Err, &se) || se.Message != "bad audio" {
		t.Fatalf("Err = %v, want ServiceError with description", ev.Err)
	}
}

// ---- stream tests against an in-process server ----

func TestStartStream_RoundTrip(t *testing.T) {
	audioCh := make(chan []byte, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		for {
			typ, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				audioCh <- data
				_ = c.Write(ctx, websocket.MessageText, []byte(
					`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"こんにち"}]}}`))
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				_ = c.Write(ctx, websocket.MessageText, []byte(
					`{"type":"Results","is_final":true,"speech_final":true,"channel":{"alternatives":[{"transcript":"こんにちは","confidence":0.92}]}}`))
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	defer srv.Close()

	p, err := New("secret", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Language: "ja-JP", InterimResults: true, SingleUtterance: true})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case got := <-audioCh:
		if string(got) != string([]byte{1, 2, 3, 4}) {
			t.Errorf("server received %v", got)
		}
	case <-ctx.Done():
		t.Fatal("server never received audio")
	}

	if err := h.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	if err := h.SendAudio([]byte{5}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after CloseSend = %v, want ErrSessionClosed", err)
	}

	var final stt.Transcript
	for ev := range h.Events() {
		if ev.Err != nil {
			t.Fatalf("unexpected event error: %v", ev.Err)
		}
		for _, r := range ev.Results {
			if r.IsFinal {
				final = r.Top()
			}
		}
	}
	assertEqual(t, "final", "こんにちは", final.Text)
}

func TestStartStream_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("wrong", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	_, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000})
	var se *stt.ServiceError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("StartStream error = %v, want ServiceError 401", err)
	}
}

func TestStartStream_AbnormalClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		c.Close(websocket.StatusPolicyViolation, "quota exceeded")
	}))
	defer srv.Close()

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	defer h.Close()

	ev, ok := <-h.Events()
	if !ok {
		t.Fatal("events closed without error")
	}
	var se *stt.ServiceError
	if !errors.As(ev.Err, &se) || se.Code != int(websocket.StatusPolicyViolation) {
		t.Fatalf("event error = %v, want ServiceError 1008", ev.Err)
	}
}

// ---- constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ---- helpers ----

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}
