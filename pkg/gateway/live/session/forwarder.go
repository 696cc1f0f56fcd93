package session

import (
	"strings"
	"sync"

	"github.com/vango-go/vai-transcribe/pkg/core/speech"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/protocol"
)

// Forwarder turns provider results into client transcript events and keeps
// the same view of the transcript a client builds from them: committed finals
// plus at most one pending interim.
type Forwarder struct {
	mu      sync.Mutex
	finals  []string
	interim string
}

// Forward maps r to an event. It reports false for results with no
// alternative or empty text; those change nothing.
func (f *Forwarder) Forward(r speech.Result) (protocol.TranscriptEvent, bool) {
	alt, ok := r.Best()
	if !ok || alt.Transcript == "" {
		return protocol.TranscriptEvent{}, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if r.IsFinal {
		f.finals = append(f.finals, alt.Transcript)
		f.interim = ""
		return protocol.NewTranscript(alt.Transcript, true, alt.Confidence), true
	}
	f.interim = alt.Transcript
	return protocol.NewTranscript(alt.Transcript, false, nil), true
}

// Transcript returns finals joined by single spaces and the pending interim.
func (f *Forwarder) Transcript() (final, interim string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strings.Join(f.finals, " "), f.interim
}
