// Package google adapts Google Cloud Speech-to-Text streaming recognition to
// the speech.Provider contract.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	cloudspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
)

// recognizeCall is the subset of speechpb.Speech_StreamingRecognizeClient the
// adapter drives.
type recognizeCall interface {
	Send(*speechpb.StreamingRecognizeRequest) error
	Recv() (*speechpb.StreamingRecognizeResponse, error)
	CloseSend() error
}

type openFunc func(ctx context.Context) (recognizeCall, error)

// Provider opens Google streaming recognition calls.
type Provider struct {
	client     *cloudspeech.Client
	open       openFunc
	sendBuffer int
}

// New dials the Speech-to-Text API. With no options, Application Default
// Credentials are used.
func New(ctx context.Context, opts ...option.ClientOption) (*Provider, error) {
	client, err := cloudspeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	p := &Provider{client: client, sendBuffer: speech.DefaultSendBuffer}
	p.open = func(ctx context.Context) (recognizeCall, error) {
		return client.StreamingRecognize(ctx)
	}
	return p, nil
}

// NewWithCredentialsFile is New with a service account key file.
func NewWithCredentialsFile(ctx context.Context, path string) (*Provider, error) {
	return New(ctx, option.WithCredentialsFile(path))
}

func (p *Provider) Name() string { return "google" }

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

// OpenStream starts a streaming recognize call and sends its configuration.
func (p *Provider) OpenStream(ctx context.Context, cfg speech.StreamConfig) (speech.Stream, error) {
	if p == nil || p.open == nil {
		return nil, errors.New("google speech provider is not initialized")
	}
	first, err := configRequest(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	call, err := p.open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open streaming recognize: %w", err)
	}
	if err := call.Send(first); err != nil {
		cancel()
		return nil, fmt.Errorf("send streaming config: %w", mapError(err))
	}

	s := &stream{
		Pipe:     speech.NewPipe(p.sendBuffer),
		call:     call,
		ctx:      ctx,
		cancel:   cancel,
		recvDone: make(chan struct{}),
	}
	go s.sendLoop()
	go s.recvLoop()
	return s, nil
}

func configRequest(cfg speech.StreamConfig) (*speechpb.StreamingRecognizeRequest, error) {
	encoding := strings.ToUpper(strings.TrimSpace(cfg.Encoding))
	value, ok := speechpb.RecognitionConfig_AudioEncoding_value[encoding]
	if !ok || encoding == "" {
		return nil, fmt.Errorf("unsupported audio encoding %q", cfg.Encoding)
	}
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_AudioEncoding(value),
					SampleRateHertz:            int32(cfg.SampleRateHertz),
					LanguageCode:               cfg.LanguageCode,
					EnableAutomaticPunctuation: cfg.AutomaticPunctuation,
					Model:                      cfg.Model,
				},
				InterimResults: cfg.InterimResults,
			},
		},
	}, nil
}

type stream struct {
	*speech.Pipe

	call     recognizeCall
	ctx      context.Context
	cancel   context.CancelFunc
	recvDone chan struct{}
}

// closeGrace is how long a half-closed call may keep delivering trailing
// results before it is canceled.
const closeGrace = 2 * time.Second

// sendLoop is the only goroutine that calls Send or CloseSend. On Close it
// half-closes the call and cancels it once Recv drains or closeGrace passes.
func (s *stream) sendLoop() {
	for {
		select {
		case <-s.Done():
			_ = s.call.CloseSend()
			timer := time.NewTimer(closeGrace)
			select {
			case <-s.recvDone:
			case <-timer.C:
			}
			timer.Stop()
			s.cancel()
			return
		case <-s.ctx.Done():
			return
		case frame := <-s.Frames():
			req := &speechpb.StreamingRecognizeRequest{
				StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame},
			}
			if err := s.call.Send(req); err != nil {
				// Recv observes the same failure and ends the stream.
				return
			}
		}
	}
}

func (s *stream) recvLoop() {
	defer s.cancel()
	defer close(s.recvDone)
	for {
		resp, err := s.call.Recv()
		if errors.Is(err, io.EOF) {
			s.Finish(nil)
			return
		}
		if err != nil {
			s.Finish(mapError(err))
			return
		}
		if e := resp.GetError(); e != nil && e.GetCode() != int32(codes.OK) {
			s.Finish(mapError(status.Error(codes.Code(e.GetCode()), e.GetMessage())))
			return
		}
		r, ok := convertResponse(resp)
		if !ok {
			continue
		}
		if !s.Emit(s.ctx, r) {
			s.Finish(nil)
			return
		}
	}
}

// Close asks sendLoop to half-close the call. Errors are not reported.
func (s *stream) Close() error {
	s.Shutdown()
	return nil
}

// convertResponse maps the leading result of a response. Later results in the
// same response are lower-stability hypotheses for the same audio.
func convertResponse(resp *speechpb.StreamingRecognizeResponse) (speech.Result, bool) {
	results := resp.GetResults()
	if len(results) == 0 || results[0] == nil {
		return speech.Result{}, false
	}
	first := results[0]
	out := speech.Result{IsFinal: first.GetIsFinal()}
	for _, alt := range first.GetAlternatives() {
		a := speech.Alternative{Transcript: alt.GetTranscript()}
		if first.GetIsFinal() {
			c := float64(alt.GetConfidence())
			a.Confidence = &c
		}
		out.Alternatives = append(out.Alternatives, a)
	}
	return out, true
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	if st.Code() == codes.OutOfRange || strings.Contains(strings.ToLower(st.Message()), "maximum allowed stream duration") {
		return fmt.Errorf("%w: %s", speech.ErrDurationLimit, st.Message())
	}
	if st.Code() == codes.Canceled {
		return context.Canceled
	}
	return errors.New(st.Message())
}
