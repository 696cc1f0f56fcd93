package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/protocol"
)

type fakeStream struct {
	mu       sync.Mutex
	frames   [][]byte
	closed   int
	writeErr error
	endErr   error

	results chan speech.Result
	endOnce sync.Once
	onClose func()
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan speech.Result, 16)}
}

func (f *fakeStream) Write(audio []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.frames = append(f.frames, append([]byte(nil), audio...))
	return nil
}

func (f *fakeStream) Results() <-chan speech.Result { return f.results }

func (f *fakeStream) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.endErr
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	f.closed++
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// end terminates the stream from the provider side.
func (f *fakeStream) end(err error) {
	f.endOnce.Do(func() {
		f.mu.Lock()
		f.endErr = err
		f.mu.Unlock()
		close(f.results)
	})
}

func (f *fakeStream) snapshot() (frames [][]byte, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...), f.closed
}

type fakeProvider struct {
	mu        sync.Mutex
	streams   []*fakeStream
	failures  int
	failErr   error
	open      int
	maxOpen   int
	attempts  int
	newStream func() *fakeStream
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) OpenStream(ctx context.Context, cfg speech.StreamConfig) (speech.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if p.failures > 0 {
		p.failures--
		err := p.failErr
		if err == nil {
			err = errors.New("connection refused")
		}
		return nil, err
	}
	s := newFakeStream()
	if p.newStream != nil {
		s = p.newStream()
	}
	s.onClose = func() {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
	}
	p.open++
	if p.open > p.maxOpen {
		p.maxOpen = p.open
	}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakeProvider) opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func (p *fakeProvider) stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[i]
}

func (p *fakeProvider) concurrency() (open, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open, p.maxOpen
}

type fakeSender struct {
	mu     sync.Mutex
	events []any
}

func (f *fakeSender) Send(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, v)
	return nil
}

func (f *fakeSender) snapshot() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]any(nil), f.events...)
}

func (f *fakeSender) errorMessages() []string {
	var out []string
	for _, ev := range f.snapshot() {
		if e, ok := ev.(protocol.ErrorEvent); ok {
			out = append(out, e.Message)
		}
	}
	return out
}

func (f *fakeSender) transcripts() []protocol.TranscriptEvent {
	var out []protocol.TranscriptEvent
	for _, ev := range f.snapshot() {
		if e, ok := ev.(protocol.TranscriptEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

type countingRecorder struct {
	mu       sync.Mutex
	opened   int
	failed   int
	restarts map[string]int
	finals   int
	interims int
}

func (r *countingRecorder) StreamOpened() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened++
}

func (r *countingRecorder) StreamOpenFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *countingRecorder) StreamRestarted(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.restarts == nil {
		r.restarts = make(map[string]int)
	}
	r.restarts[reason]++
}

func (r *countingRecorder) TranscriptForwarded(isFinal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if isFinal {
		r.finals++
	} else {
		r.interims++
	}
}

func (r *countingRecorder) restartCount(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts[reason]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type harness struct {
	session  *Session
	provider *fakeProvider
	out      *fakeSender
	recorder *countingRecorder
}

func newHarness(t *testing.T, cfg Config, provider *fakeProvider) *harness {
	t.Helper()
	if provider == nil {
		provider = &fakeProvider{}
	}
	if cfg.RestartAfter == 0 {
		cfg.RestartAfter = time.Hour
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = time.Millisecond
	}
	h := &harness{provider: provider, out: &fakeSender{}, recorder: &countingRecorder{}}
	s, err := New(context.Background(), cfg, Dependencies{Provider: provider, Out: h.out, Recorder: h.recorder})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.session = s
	t.Cleanup(s.Stop)
	return h
}

func (h *harness) waitStreaming(t *testing.T, generation int) {
	t.Helper()
	waitFor(t, "streaming", func() bool {
		return h.provider.opened() >= generation && h.session.State() == StateStreaming
	})
}
