// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface and is
// used as the fallback recognizer behind Google.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "ja"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the language used when the stream config leaves it empty.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithEndpoint overrides the streaming endpoint (ws:// or wss://).
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   deepgramEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. The
// stream configuration travels as query parameters of the upgrade request.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("deepgram: dial: %w", &stt.ServiceError{
				Code:    resp.StatusCode,
				Status:  http.StatusText(resp.StatusCode),
				Message: err.Error(),
			})
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:   conn,
		single: cfg.SingleUtterance,
		events: make(chan stt.Event, 64),
		out:    make(chan outbound, 256),
		done:   make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("encoding", "linear16")
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.MaxAlternatives > 0 {
		q.Set("alternatives", strconv.Itoa(cfg.MaxAlternatives))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "ちちんぷいぷい:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure returned by Deepgram for Results and
// Error messages.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn   *websocket.Conn
	single bool
	events chan stt.Event
	out    chan outbound

	mu         sync.Mutex
	sendClosed bool

	// committed holds the text of is_final segments of the current utterance.
	committed []string

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	return s.enqueue(outbound{typ: websocket.MessageBinary, data: chunk}, false)
}

// CloseSend asks Deepgram to flush and finish the stream.
func (s *session) CloseSend() error {
	return s.enqueue(outbound{typ: websocket.MessageText, data: []byte(`{"type":"CloseStream"}`)}, true)
}

func (s *session) enqueue(m outbound, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendClosed {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	if last {
		s.sendClosed = true
	}
	select {
	case s.out <- m:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close terminates the session.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.wg.Wait()
	})
	return nil
}

// writeLoop sends queued messages in order.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case m := <-s.out:
			if err := s.conn.Write(ctx, m.typ, m.data); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards them as events.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			s.readFailed(err)
			return
		}

		ev, ok := s.parse(msg)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
		if ev.Err != nil {
			return
		}
	}
}

func (s *session) readFailed(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure {
		return
	}
	var ev stt.Event
	if status != -1 {
		ev.Err = &stt.ServiceError{Code: int(status), Status: status.String(), Message: err.Error()}
	} else {
		ev.Err = fmt.Errorf("deepgram: read: %w", err)
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// parse converts a raw message into an event. It returns false for messages
// that carry nothing for the caller.
func (s *session) parse(data []byte) (stt.Event, bool) {
	resp, ok := parseDeepgramResponse(data)
	if !ok {
		return stt.Event{}, false
	}
	if resp.Type == "Error" {
		msg := resp.Description
		if msg == "" {
			msg = resp.Message
		}
		return stt.Event{Err: &stt.ServiceError{Code: http.StatusBadRequest, Status: "Error", Message: msg}}, true
	}
	if len(resp.Channel.Alternatives) == 0 {
		return stt.Event{}, false
	}

	alts := make([]stt.Alternative, 0, len(resp.Channel.Alternatives))
	for _, a := range resp.Channel.Alternatives {
		words := make([]stt.WordDetail, 0, len(a.Words))
		for _, w := range a.Words {
			words = append(words, stt.WordDetail{
				Word:       w.Word,
				Start:      time.Duration(w.Start * float64(time.Second)),
				End:        time.Duration(w.End * float64(time.Second)),
				Confidence: w.Confidence,
			})
		}
		alts = append(alts, stt.Alternative{Transcript: a.Transcript, Confidence: a.Confidence, Words: words})
	}

	// In single-utterance mode is_final only commits a segment; the
	// utterance ends at speech_final. Segments are joined so the final
	// transcript covers the whole utterance.
	final := resp.IsFinal
	if s.single {
		top := alts[0].Transcript
		prefix := strings.Join(s.committed, "")
		alts[0].Transcript = prefix + top
		if resp.IsFinal {
			s.committed = append(s.committed, top)
		}
		final = resp.IsFinal && resp.SpeechFinal
		if final {
			s.committed = nil
		}
	}

	return stt.Event{Results: []stt.Result{{Alternatives: alts, IsFinal: final}}}, true
}

// parseDeepgramResponse decodes a message and reports whether it is a
// Results or Error message.
func parseDeepgramResponse(data []byte) (deepgramResponse, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return deepgramResponse{}, false
	}
	if resp.Type != "Results" && resp.Type != "Error" {
		return deepgramResponse{}, false
	}
	return resp, true
}
