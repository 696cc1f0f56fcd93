package google

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
)

type fakeCall struct {
	ctx context.Context

	mu        sync.Mutex
	sent      []*speechpb.StreamingRecognizeRequest
	closeSend int
	// ctxErrAtCloseSend is the call context's error when CloseSend ran.
	ctxErrAtCloseSend error
	// trailing is delivered after CloseSend, followed by io.EOF.
	trailing []*speechpb.StreamingRecognizeResponse

	recv chan recvItem
}

type recvItem struct {
	resp *speechpb.StreamingRecognizeResponse
	err  error
}

func newFakeCall(ctx context.Context) *fakeCall {
	return &fakeCall{
		ctx:  ctx,
		recv: make(chan recvItem, 8),
	}
}

func (f *fakeCall) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeCall) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	select {
	case item := <-f.recv:
		return item.resp, item.err
	case <-f.ctx.Done():
		return nil, status.Error(codes.Canceled, "context canceled")
	}
}

func (f *fakeCall) respond(resp *speechpb.StreamingRecognizeResponse) {
	f.recv <- recvItem{resp: resp}
}

func (f *fakeCall) fail(err error) {
	f.recv <- recvItem{err: err}
}

func (f *fakeCall) CloseSend() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeSend++
	f.ctxErrAtCloseSend = f.ctx.Err()
	go func(trailing []*speechpb.StreamingRecognizeResponse) {
		for _, resp := range trailing {
			f.recv <- recvItem{resp: resp}
		}
		f.recv <- recvItem{err: io.EOF}
	}(f.trailing)
	return nil
}

func (f *fakeCall) snapshot() ([]*speechpb.StreamingRecognizeRequest, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.sent...), f.closeSend
}

func newTestProvider(t *testing.T, trailing ...*speechpb.StreamingRecognizeResponse) (*Provider, chan *fakeCall) {
	t.Helper()
	calls := make(chan *fakeCall, 4)
	p := &Provider{sendBuffer: 8}
	p.open = func(ctx context.Context) (recognizeCall, error) {
		c := newFakeCall(ctx)
		c.trailing = trailing
		calls <- c
		return c, nil
	}
	return p, calls
}

func TestConfigRequest(t *testing.T) {
	req, err := configRequest(speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("configRequest: %v", err)
	}
	sc := req.GetStreamingConfig()
	if sc == nil {
		t.Fatalf("first request must carry streaming config")
	}
	if !sc.GetInterimResults() {
		t.Fatalf("interim results must be enabled")
	}
	cfg := sc.GetConfig()
	if cfg.GetEncoding() != speechpb.RecognitionConfig_WEBM_OPUS {
		t.Fatalf("encoding=%v", cfg.GetEncoding())
	}
	if cfg.GetSampleRateHertz() != 48000 || cfg.GetLanguageCode() != "en-US" || cfg.GetModel() != "latest_long" {
		t.Fatalf("config=%+v", cfg)
	}
	if !cfg.GetEnableAutomaticPunctuation() {
		t.Fatalf("automatic punctuation must be enabled")
	}

	if _, err := configRequest(speech.StreamConfig{Encoding: "MP5"}); err == nil {
		t.Fatalf("expected unsupported encoding error")
	}
}

func TestStreamSendsConfigThenAudioInOrder(t *testing.T) {
	p, calls := newTestProvider(t)
	s, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	call := <-calls

	for _, frame := range []string{"a", "b", "c"} {
		if err := s.Write([]byte(frame)); err != nil {
			t.Fatalf("Write(%q): %v", frame, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		sent, _ := call.snapshot()
		if len(sent) == 4 {
			if sent[0].GetStreamingConfig() == nil {
				t.Fatalf("first request is not the config")
			}
			got := string(sent[1].GetAudioContent()) + string(sent[2].GetAudioContent()) + string(sent[3].GetAudioContent())
			if got != "abc" {
				t.Fatalf("audio order=%q, want %q", got, "abc")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for audio, sent=%d", len(sent))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Write([]byte("d")); !errors.Is(err, speech.ErrStreamClosed) {
		t.Fatalf("Write after close err=%v", err)
	}
	for range s.Results() {
	}
}

func TestStreamConvertsResults(t *testing.T) {
	p, calls := newTestProvider(t)
	s, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()
	call := <-calls

	call.respond(&speechpb.StreamingRecognizeResponse{})
	call.respond(&speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hel"}},
	}}})
	call.respond(&speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{{
		Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "hello", Confidence: 0.5}},
		IsFinal:      true,
	}}})
	call.fail(io.EOF)

	var got []speech.Result
	for r := range s.Results() {
		got = append(got, r)
	}
	if len(got) != 2 {
		t.Fatalf("results=%d, want 2", len(got))
	}
	if got[0].IsFinal || got[0].Alternatives[0].Transcript != "hel" || got[0].Alternatives[0].Confidence != nil {
		t.Fatalf("interim=%+v", got[0])
	}
	final := got[1].Alternatives[0]
	if !got[1].IsFinal || final.Transcript != "hello" || final.Confidence == nil || *final.Confidence != 0.5 {
		t.Fatalf("final=%+v", got[1])
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err()=%v, want nil after EOF", err)
	}
}

func TestStreamMapsDurationLimit(t *testing.T) {
	p, calls := newTestProvider(t)
	s, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()
	call := <-calls

	call.fail(status.Error(codes.OutOfRange, "Exceeded maximum allowed stream duration of 305 seconds."))
	for range s.Results() {
	}
	if !errors.Is(s.Err(), speech.ErrDurationLimit) {
		t.Fatalf("Err()=%v, want duration limit", s.Err())
	}
}

func TestStreamReportsProviderError(t *testing.T) {
	p, calls := newTestProvider(t)
	s, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	defer s.Close()
	call := <-calls

	call.fail(status.Error(codes.InvalidArgument, "bad audio"))
	for range s.Results() {
	}
	if s.Err() == nil || s.Err().Error() != "bad audio" {
		t.Fatalf("Err()=%v, want bad audio", s.Err())
	}
	if speech.IsDurationLimit(s.Err()) {
		t.Fatalf("invalid argument must not be classified as duration limit")
	}
}

func TestOpenStreamPropagatesOpenFailure(t *testing.T) {
	p := &Provider{open: func(context.Context) (recognizeCall, error) {
		return nil, errors.New("permission denied")
	}}
	if _, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig()); err == nil {
		t.Fatalf("expected error")
	}
}

func TestCloseHalfClosesBeforeCancel(t *testing.T) {
	final := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal:      true,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "last words", Confidence: 0.8}},
		}},
	}
	p, calls := newTestProvider(t, final)
	s, err := p.OpenStream(context.Background(), speech.DefaultStreamConfig())
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	call := <-calls

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case r, ok := <-s.Results():
		if !ok {
			t.Fatalf("results closed before trailing final, err=%v", s.Err())
		}
		if !r.IsFinal || r.Alternatives[0].Transcript != "last words" {
			t.Fatalf("result=%+v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for trailing result")
	}
	select {
	case _, ok := <-s.Results():
		if ok {
			t.Fatal("unexpected extra result")
		}
	case <-time.After(time.Second):
		t.Fatal("results not closed after EOF")
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err=%v, want nil after clean EOF", err)
	}

	call.mu.Lock()
	closeSend, ctxErr := call.closeSend, call.ctxErrAtCloseSend
	call.mu.Unlock()
	if closeSend != 1 {
		t.Fatalf("CloseSend calls=%d, want 1", closeSend)
	}
	if ctxErr != nil {
		t.Fatalf("call context was already %v when CloseSend ran", ctxErr)
	}
	select {
	case <-call.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("call context never released after EOF")
	}
}
