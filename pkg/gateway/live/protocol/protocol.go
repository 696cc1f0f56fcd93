// Package protocol holds the transcription socket wire format: inbound frame
// classification, control decoding and validation, and outbound events.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf16"
)

const (
	TypeAIRequest = "ai_request"

	TypeTranscript = "transcript"
	TypeError      = "error"
	TypeAIChunk    = "ai_chunk"
	TypeAIComplete = "ai_complete"
	TypeAIError    = "ai_error"
)

// Client-visible error messages.
const (
	MsgMessageTooLarge = "Message too large"
	MsgContextTooLarge = "Context too large"
	MsgQuestionTooLong = "Question too long"
	MsgContextRequired = "Context is required"
	MsgShuttingDown    = "Server is shutting down"
	MsgStartFailed     = "Failed to start transcription: "
)

// FrameKind is the result of classifying one inbound message.
type FrameKind int

const (
	FrameAudio FrameKind = iota
	FrameControl
)

func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameControl:
		return "control"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is a classified inbound message. Audio is always set to the raw
// payload; Control is set only for FrameControl.
type Frame struct {
	Kind    FrameKind
	Audio   []byte
	Control *AIRequest
}

// AIRequest asks for a streamed answer over a transcript excerpt.
type AIRequest struct {
	Type     string  `json:"type"`
	Context  *string `json:"context"`
	Question string  `json:"question,omitempty"`
}

// ContextText returns the context or "" when absent.
func (r AIRequest) ContextText() string {
	if r.Context == nil {
		return ""
	}
	return *r.Context
}

// Classify decides whether data is a control message or opaque audio. It
// never fails: anything that is not a recognizable control message, including
// malformed JSON, is audio.
func Classify(data []byte) Frame {
	audio := Frame{Kind: FrameAudio, Audio: data}
	if len(data) == 0 || data[0] != '{' {
		return audio
	}
	var req AIRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return audio
	}
	if req.Type != TypeAIRequest {
		return audio
	}
	return Frame{Kind: FrameControl, Audio: data, Control: &req}
}

// Limits bounds control message fields. Lengths count UTF-16 code units, the
// unit browser clients measure strings in, so a character outside the Basic
// Multilingual Plane counts twice.
type Limits struct {
	MaxContextChars  int
	MaxQuestionChars int
}

// ValidationError is a rejected control message. Message is sent to the
// client verbatim.
type ValidationError struct {
	Param   string
	Message string
	Length  int
	Max     int
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

// TextLength returns the length of s in UTF-16 code units.
func TextLength(s string) int {
	n := 0
	for _, r := range s {
		// Invalid UTF-8 decodes as U+FFFD, one unit.
		n += utf16.RuneLen(r)
	}
	return n
}

// Validate checks the request against limits. A zero limit disables that check.
func (r AIRequest) Validate(limits Limits) error {
	if r.Context == nil {
		return &ValidationError{Param: "context", Message: MsgContextRequired}
	}
	if n := TextLength(*r.Context); limits.MaxContextChars > 0 && n > limits.MaxContextChars {
		return &ValidationError{Param: "context", Message: MsgContextTooLarge, Length: n, Max: limits.MaxContextChars}
	}
	if n := TextLength(r.Question); limits.MaxQuestionChars > 0 && n > limits.MaxQuestionChars {
		return &ValidationError{Param: "question", Message: MsgQuestionTooLong, Length: n, Max: limits.MaxQuestionChars}
	}
	return nil
}

type TranscriptEvent struct {
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	IsFinal    bool     `json:"isFinal"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type AIChunkEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type AICompleteEvent struct {
	Type string `json:"type"`
}

type AIErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewTranscript(text string, isFinal bool, confidence *float64) TranscriptEvent {
	return TranscriptEvent{Type: TypeTranscript, Text: text, IsFinal: isFinal, Confidence: confidence}
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

func NewAIChunk(text string) AIChunkEvent {
	return AIChunkEvent{Type: TypeAIChunk, Text: text}
}

func NewAIComplete() AICompleteEvent {
	return AICompleteEvent{Type: TypeAIComplete}
}

func NewAIError(message string) AIErrorEvent {
	return AIErrorEvent{Type: TypeAIError, Message: message}
}
