// Package google provides the Google Cloud Speech-to-Text streaming
// recognizer. It implements the stt.Provider interface on top of the
// StreamingRecognize gRPC method: the first request on every stream carries
// the recognition config and every further request carries one audio chunk.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/MrWong99/kikitori/pkg/provider/stt"
)

const (
	// DefaultEndpoint is the public Speech-to-Text gRPC endpoint.
	DefaultEndpoint = "speech.googleapis.com:443"

	// DefaultScope is the OAuth scope required by the API.
	DefaultScope = "https://www.googleapis.com/auth/cloud-platform"
)

// Option is a functional option for configuring the Google Provider.
type Option func(*Provider)

// WithEndpoint sets the host:port of the gRPC endpoint.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// WithScopes replaces the OAuth scopes requested for the credentials.
func WithScopes(scopes ...string) Option {
	return func(p *Provider) {
		p.scopes = scopes
	}
}

// WithCredentialsFile loads service account credentials from path instead
// of Application Default Credentials.
func WithCredentialsFile(path string) Option {
	return func(p *Provider) {
		p.credentialsFile = path
	}
}

// WithClientOptions appends raw client options. Later options win.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(p *Provider) {
		p.extra = append(p.extra, opts...)
	}
}

// Provider implements stt.Provider backed by Google Cloud Speech-to-Text.
type Provider struct {
	endpoint        string
	scopes          []string
	credentialsFile string
	extra           []option.ClientOption

	client *speech.Client
}

var _ stt.Provider = (*Provider)(nil)

// New dials the Speech API. Authentication follows the usual Google Cloud
// rules: an explicit credentials file, or Application Default Credentials.
func New(ctx context.Context, opts ...Option) (*Provider, error) {
	p := &Provider{
		endpoint: DefaultEndpoint,
		scopes:   []string{DefaultScope},
	}
	for _, o := range opts {
		o(p)
	}

	clientOpts := []option.ClientOption{
		option.WithEndpoint(p.endpoint),
		option.WithScopes(p.scopes...),
	}
	if p.credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(p.credentialsFile))
	}
	clientOpts = append(clientOpts, p.extra...)

	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("google: create speech client: %w", err)
	}
	p.client = client
	return p, nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

// StartStream opens a StreamingRecognize call and sends the config message.
// The stream lives until ctx ends or the returned handle is closed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	enc, err := encoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := p.client.StreamingRecognize(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("google: open stream: %w", mapError(err))
	}

	if err := stream.Send(configRequest(cfg, enc)); err != nil {
		cancel()
		return nil, fmt.Errorf("google: send config: %w", mapError(err))
	}

	s := &session{
		stream: stream,
		cancel: cancel,
		events: make(chan stt.Event, 64),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.recvLoop()
	return s, nil
}

func encoding(e stt.Encoding) (speechpb.RecognitionConfig_AudioEncoding, error) {
	if e == "" {
		return speechpb.RecognitionConfig_LINEAR16, nil
	}
	v, ok := speechpb.RecognitionConfig_AudioEncoding_value[string(e)]
	if !ok {
		return 0, fmt.Errorf("google: unsupported encoding %q", e)
	}
	return speechpb.RecognitionConfig_AudioEncoding(v), nil
}

// configRequest builds the first message of a stream.
func configRequest(cfg stt.StreamConfig, enc speechpb.RecognitionConfig_AudioEncoding) *speechpb.StreamingRecognizeRequest {
	rc := &speechpb.RecognitionConfig{
		Encoding:        enc,
		SampleRateHertz: int32(cfg.SampleRate),
		LanguageCode:    cfg.Language,
		MaxAlternatives: int32(cfg.MaxAlternatives),
	}
	if cfg.Channels > 1 {
		rc.AudioChannelCount = int32(cfg.Channels)
	}
	for _, kw := range cfg.Keywords {
		rc.SpeechContexts = append(rc.SpeechContexts, &speechpb.SpeechContext{
			Phrases: []string{kw.Keyword},
			Boost:   float32(kw.Boost),
		})
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          rc,
				InterimResults:  cfg.InterimResults,
				SingleUtterance: cfg.SingleUtterance,
			},
		},
	}
}

// ---- session ----

type session struct {
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc
	events chan stt.Event

	// sendMu serialises Send and CloseSend; gRPC allows one concurrent
	// sender alongside the receiver.
	sendMu     sync.Mutex
	sendClosed bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio sends one audio chunk.
func (s *session) SendAudio(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return stt.ErrSessionClosed
	}
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
	if errors.Is(err, io.EOF) {
		// The server closed the stream; the reason arrives on Recv.
		return stt.ErrSessionClosed
	}
	if err != nil {
		return fmt.Errorf("google: send audio: %w", mapError(err))
	}
	return nil
}

// CloseSend half-closes the stream.
func (s *session) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return nil
	}
	s.sendClosed = true
	if err := s.stream.CloseSend(); err != nil {
		return fmt.Errorf("google: close send: %w", err)
	}
	return nil
}

// Events returns the ordered event stream.
func (s *session) Events() <-chan stt.Event { return s.events }

// Close cancels the call and waits for the receive loop to finish.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) recvLoop() {
	defer s.wg.Done()
	defer close(s.events)

	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
				return
			}
			s.emit(stt.Event{Err: mapError(err)})
			return
		}

		ev, ok := toEvent(resp)
		if !ok {
			continue
		}
		if !s.emit(ev) || ev.Err != nil {
			return
		}
	}
}

func (s *session) emit(ev stt.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// toEvent converts a response. It returns false for responses that carry
// neither an error nor results, such as END_OF_SINGLE_UTTERANCE.
func toEvent(resp *speechpb.StreamingRecognizeResponse) (stt.Event, bool) {
	if e := resp.GetError(); e != nil && codes.Code(e.GetCode()) != codes.OK {
		return stt.Event{Err: &stt.ServiceError{
			Code:    int(e.GetCode()),
			Status:  codes.Code(e.GetCode()).String(),
			Message: e.GetMessage(),
		}}, true
	}
	if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
		slog.Debug("google: end of single utterance")
	}
	if len(resp.GetResults()) == 0 {
		return stt.Event{}, false
	}

	results := make([]stt.Result, 0, len(resp.GetResults()))
	for _, r := range resp.GetResults() {
		alts := make([]stt.Alternative, 0, len(r.GetAlternatives()))
		for _, a := range r.GetAlternatives() {
			words := make([]stt.WordDetail, 0, len(a.GetWords()))
			for _, w := range a.GetWords() {
				words = append(words, stt.WordDetail{
					Word:       w.GetWord(),
					Start:      w.GetStartTime().AsDuration(),
					End:        w.GetEndTime().AsDuration(),
					Confidence: float64(w.GetConfidence()),
				})
			}
			alts = append(alts, stt.Alternative{
				Transcript: a.GetTranscript(),
				Confidence: float64(a.GetConfidence()),
				Words:      words,
			})
		}
		results = append(results, stt.Result{
			Alternatives: alts,
			Stability:    float64(r.GetStability()),
			IsFinal:      r.GetIsFinal(),
		})
	}
	return stt.Event{Results: results}, true
}

// mapError turns a gRPC status error into a *stt.ServiceError so callers can
// treat transport and in-band errors alike. Other errors pass through.
func mapError(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}
	return &stt.ServiceError{
		Code:    int(st.Code()),
		Status:  st.Code().String(),
		Message: st.Message(),
	}
}
