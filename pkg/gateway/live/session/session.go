// Package session drives one connection's speech recognition: it keeps
// exactly one provider stream open at a time, restarts it before the
// provider's duration cap, and forwards results in provider order.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/outbound"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/protocol"
)

const (
	DefaultRestartAfter = 290 * time.Second
	DefaultRestartDelay = 100 * time.Millisecond
	DefaultMaxBackoff   = 5 * time.Second
)

// State is the recognition lifecycle position.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateStreaming
	StateEnding
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateStreaming:
		return "streaming"
	case StateEnding:
		return "ending"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// WriteOutcome says what happened to one audio frame.
type WriteOutcome int

const (
	// Forwarded frames were accepted by the provider stream.
	Forwarded WriteOutcome = iota
	// DroppedNotStreaming frames arrived while no stream was open, including
	// the gap between a stream ending and its replacement opening.
	DroppedNotStreaming
	// Backpressured frames hit a full provider buffer. They are treated as
	// sent and are lost.
	Backpressured
)

func (o WriteOutcome) String() string {
	switch o {
	case Forwarded:
		return "forwarded"
	case DroppedNotStreaming:
		return "dropped_not_streaming"
	case Backpressured:
		return "backpressure"
	default:
		return fmt.Sprintf("WriteOutcome(%d)", int(o))
	}
}

// RestartReason names why a stream was replaced.
type RestartReason string

const (
	RestartTimer         RestartReason = "timer"
	RestartEnd           RestartReason = "end"
	RestartError         RestartReason = "error"
	RestartDurationLimit RestartReason = "duration_limit"
	RestartOpenFailed    RestartReason = "open_failed"
)

// Recorder receives lifecycle counts. Implementations must be safe for
// concurrent use.
type Recorder interface {
	StreamOpened()
	StreamOpenFailed()
	StreamRestarted(reason string)
	TranscriptForwarded(isFinal bool)
}

type nopRecorder struct{}

func (nopRecorder) StreamOpened()            {}
func (nopRecorder) StreamOpenFailed()        {}
func (nopRecorder) StreamRestarted(string)   {}
func (nopRecorder) TranscriptForwarded(bool) {}

type Config struct {
	Stream speech.StreamConfig
	// RestartAfter is how long a stream stays open before it is replaced.
	RestartAfter time.Duration
	// RestartDelay is the pause between closing a stream and opening the next.
	RestartDelay time.Duration
	// MaxBackoff caps the retry delay after consecutive open failures.
	MaxBackoff time.Duration
}

type Dependencies struct {
	Provider speech.Provider
	Out      outbound.Sender
	Logger   *slog.Logger
	Recorder Recorder
}

// Session owns the recognition stream for one connection.
type Session struct {
	cfg      Config
	provider speech.Provider
	out      outbound.Sender
	logger   *slog.Logger
	recorder Recorder
	fwd      *Forwarder

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	state      State
	stream     *ownedStream
	generation int
	chunks     int64

	doneOnce sync.Once
}

// New creates an idle session. Sends made by the session are scoped to ctx.
func New(ctx context.Context, cfg Config, deps Dependencies) (*Session, error) {
	if deps.Provider == nil {
		return nil, errors.New("speech provider is required")
	}
	if deps.Out == nil {
		return nil, errors.New("outbound sender is required")
	}
	if cfg.RestartAfter <= 0 {
		cfg.RestartAfter = DefaultRestartAfter
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.MaxBackoff < cfg.RestartDelay {
		cfg.MaxBackoff = DefaultMaxBackoff
		if cfg.MaxBackoff < cfg.RestartDelay {
			cfg.MaxBackoff = cfg.RestartDelay
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		cfg:      cfg,
		provider: deps.Provider,
		out:      deps.Out,
		logger:   logger,
		recorder: recorder,
		fwd:      &Forwarder{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Start begins recognition. Calling it again, or after Stop, does nothing.
func (s *Session) Start() {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return
	}
	s.state = StateStarting
	s.mu.Unlock()

	go s.run()
}

// Stop ends the session permanently. It closes any open stream exactly once
// and may be called any number of times from any state. In-flight answer
// tasks are not affected.
func (s *Session) Stop() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.cancel()
	if stream != nil {
		_ = stream.Close()
	}
	if prev == StateIdle {
		s.doneOnce.Do(func() { close(s.done) })
	}
	if prev != StateStopped {
		s.logger.Debug("recognition session stopped", "from", prev.String())
	}
}

// Done is closed once the session has stopped and its worker has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript returns the committed final text and the pending interim.
func (s *Session) Transcript() (final, interim string) {
	return s.fwd.Transcript()
}

// WriteAudio forwards one frame to the open stream. It never blocks on the
// provider; frames outside StateStreaming are dropped.
func (s *Session) WriteAudio(frame []byte) WriteOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming || s.stream == nil {
		return DroppedNotStreaming
	}

	s.chunks++
	if s.chunks <= 5 || s.chunks%20 == 0 {
		s.logger.Debug("audio chunk", "chunk", s.chunks, "bytes", len(frame), "generation", s.generation)
	}

	if err := s.stream.Write(frame); err != nil {
		if errors.Is(err, speech.ErrBufferFull) {
			s.logger.Debug("speech stream buffer full, backpressure", "chunk", s.chunks)
			return Backpressured
		}
		s.logger.Debug("speech stream write failed", "error", err)
		return DroppedNotStreaming
	}
	return Forwarded
}

func (s *Session) run() {
	defer s.finish()

	backoff := s.newBackoff()
	failures := 0

	for {
		stream, err := s.provider.OpenStream(s.ctx, s.cfg.Stream)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			failures++
			s.recorder.StreamOpenFailed()
			s.logger.Warn("failed to start recognition stream", "provider", s.provider.Name(), "error", err, "attempt", failures)
			if failures == 1 {
				s.send(protocol.NewError(protocol.MsgStartFailed + err.Error()))
			}
			if !s.enter(StateEnding) {
				return
			}
			delay, _ := backoff.Next()
			if !s.sleep(delay) || !s.enter(StateStarting) {
				return
			}
			continue
		}

		owned := &ownedStream{Stream: stream}
		if !s.attach(owned) {
			_ = owned.Close()
			return
		}
		failures = 0
		backoff = s.newBackoff()
		s.recorder.StreamOpened()

		reason, streamErr := s.consume(owned)
		if s.ctx.Err() != nil {
			return
		}
		if !s.detach(owned) {
			return
		}
		_ = owned.Close()

		switch reason {
		case RestartError:
			s.logger.Warn("recognition stream error", "error", streamErr)
			s.send(protocol.NewError(streamErr.Error()))
		case RestartDurationLimit:
			s.logger.Info("recognition stream hit duration limit", "error", streamErr)
		case RestartTimer:
			s.logger.Info("restarting recognition stream due to time limit", "after", s.cfg.RestartAfter.String())
		default:
			s.logger.Info("recognition stream ended")
		}
		s.recorder.StreamRestarted(string(reason))

		if !s.sleep(s.cfg.RestartDelay) || !s.enter(StateStarting) {
			return
		}
	}
}

// finish runs when the worker exits, whether through Stop or because the
// parent context ended. It leaves the session Stopped with no open stream.
func (s *Session) finish() {
	s.mu.Lock()
	prev := s.state
	s.state = StateStopped
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		_ = stream.Close()
	}
	if prev != StateStopped {
		s.logger.Debug("recognition session stopped", "from", prev.String(), "cause", "context")
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// consume forwards results until the stream ends, errors, or the restart
// timer fires. The timer is armed when the stream became usable.
func (s *Session) consume(stream speech.Stream) (RestartReason, error) {
	timer := time.NewTimer(s.cfg.RestartAfter)
	defer timer.Stop()

	results := stream.Results()
	for {
		select {
		case <-s.ctx.Done():
			return "", nil
		case <-timer.C:
			return RestartTimer, nil
		case r, ok := <-results:
			if !ok {
				err := stream.Err()
				switch {
				case err == nil:
					return RestartEnd, nil
				case speech.IsDurationLimit(err):
					return RestartDurationLimit, err
				default:
					return RestartError, err
				}
			}
			if ev, ok := s.fwd.Forward(r); ok {
				s.recorder.TranscriptForwarded(ev.IsFinal)
				s.send(ev)
			}
		}
	}
}

// attach publishes a freshly opened stream. It fails if Stop ran meanwhile.
func (s *Session) attach(stream *ownedStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting {
		return false
	}
	s.stream = stream
	s.state = StateStreaming
	s.generation++
	s.logger.Info("recognition stream opened", "provider", s.provider.Name(), "generation", s.generation)
	return true
}

// detach moves Streaming to Ending. After it returns no WriteAudio call can
// reach the stream. It reports false if the session was stopped, in which
// case Stop already closed the stream.
func (s *Session) detach(stream *ownedStream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return false
	}
	if s.stream == stream {
		s.stream = nil
	}
	s.state = StateEnding
	return true
}

func (s *Session) enter(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateStopped {
		return false
	}
	s.state = next
	return true
}

func (s *Session) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(s.cfg.MaxBackoff, retry.NewExponential(s.cfg.RestartDelay))
}

func (s *Session) send(v any) {
	if err := s.out.Send(s.ctx, v); err != nil && s.ctx.Err() == nil {
		s.logger.Debug("dropping outbound event", "error", err)
	}
}

// ownedStream closes its stream at most once.
type ownedStream struct {
	speech.Stream
	once sync.Once
	err  error
}

func (o *ownedStream) Close() error {
	o.once.Do(func() { o.err = o.Stream.Close() })
	return o.err
}
