// Package speech defines the streaming speech-recognition provider contract
// consumed by the transcription relay.
package speech

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrBufferFull is returned by Stream.Write when the provider send buffer
	// cannot accept another frame. Callers treat the frame as sent.
	ErrBufferFull = errors.New("speech: stream buffer full")

	// ErrStreamClosed is returned by Stream.Write after Close.
	ErrStreamClosed = errors.New("speech: stream closed")

	// ErrDurationLimit marks a stream terminated by the provider's maximum
	// stream duration. It is the expected end of a long-running stream.
	ErrDurationLimit = errors.New("speech: maximum stream duration exceeded")
)

// Provider opens streaming recognition calls.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// OpenStream opens one streaming recognition call. The returned stream is
	// owned by the caller and must be closed.
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Stream is one open recognition call.
type Stream interface {
	// Write queues an audio frame without blocking. It returns ErrBufferFull
	// when the send buffer is full and ErrStreamClosed after Close.
	Write(audio []byte) error

	// Results yields recognition results in provider order. The channel is
	// closed when the call ends for any reason.
	Results() <-chan Result

	// Err reports why the call ended. It is only meaningful after Results is
	// closed; nil means the provider ended the stream normally.
	Err() error

	// Close ends the call. It is safe to call more than once.
	Close() error
}

// StreamConfig is the recognition configuration sent when a stream opens.
type StreamConfig struct {
	Encoding             string
	SampleRateHertz      int
	LanguageCode         string
	Model                string
	AutomaticPunctuation bool
	InterimResults       bool
}

// DefaultStreamConfig is the configuration browsers recording webm/opus need.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Encoding:             "WEBM_OPUS",
		SampleRateHertz:      48000,
		LanguageCode:         "en-US",
		Model:                "latest_long",
		AutomaticPunctuation: true,
		InterimResults:       true,
	}
}

// Result is one recognition event.
type Result struct {
	Alternatives []Alternative
	IsFinal      bool
}

// Alternative is one hypothesis for a result.
type Alternative struct {
	Transcript string
	// Confidence is nil when the provider did not report one.
	Confidence *float64
}

// Best returns the first alternative, if any.
func (r Result) Best() (Alternative, bool) {
	if len(r.Alternatives) == 0 {
		return Alternative{}, false
	}
	return r.Alternatives[0], true
}

// IsDurationLimit reports whether err signals the provider's stream duration
// cap rather than a real failure.
func IsDurationLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDurationLimit) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "exceeded")
}
