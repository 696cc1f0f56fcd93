// Package answer runs concurrent AI answer tasks over a transcript excerpt.
package answer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/outbound"
	"github.com/vango-go/vai-transcribe/pkg/gateway/live/protocol"
)

const SystemPrompt = "You are a concise meeting assistant. Give SHORT, direct answers. No preamble, no repetition, no unnecessary explanation. If asked a question, answer it directly in 1-3 sentences. If no question, give 2-3 bullet points max."

// BuildMessages returns the two-turn prompt for a transcript and an optional
// question.
func BuildMessages(transcript, question string) []textgen.Message {
	user := "Transcript: " + transcript + "\n\nBriefly answer any questions asked, or give 2-3 key points."
	if question != "" {
		user = "Transcript: " + transcript + "\n\nAnswer this briefly: " + question
	}
	return []textgen.Message{
		{Role: textgen.RoleSystem, Content: SystemPrompt},
		{Role: textgen.RoleUser, Content: user},
	}
}

// Outcome is how one task ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeCanceled  Outcome = "canceled"
)

type Recorder interface {
	AITaskFinished(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) AITaskFinished(string) {}

type Dependencies struct {
	Generator textgen.Generator
	Out       outbound.Sender
	Limits    protocol.Limits
	Logger    *slog.Logger
	Recorder  Recorder
}

// Runner starts answer tasks for one connection. Tasks share only the
// outbound sender; they run independently of recognition.
type Runner struct {
	gen      textgen.Generator
	out      outbound.Sender
	limits   protocol.Limits
	logger   *slog.Logger
	recorder Recorder

	wg  sync.WaitGroup
	seq atomic.Int64
}

func New(deps Dependencies) *Runner {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	gen := deps.Generator
	if gen == nil {
		gen = textgen.Unavailable{Provider: "textgen"}
	}
	return &Runner{gen: gen, out: deps.Out, limits: deps.Limits, logger: logger, recorder: recorder}
}

// Dispatch validates req on the caller's goroutine and, if valid, runs the
// task in the background. Invalid requests get ai_error and never reach the
// generator. It reports whether a task was started.
func (r *Runner) Dispatch(ctx context.Context, req protocol.AIRequest) bool {
	if err := req.Validate(r.limits); err != nil {
		var verr *protocol.ValidationError
		msg := err.Error()
		if errors.As(err, &verr) {
			msg = verr.Message
			r.logger.Warn("rejected ai request", "param", verr.Param, "length", verr.Length, "max", verr.Max)
		}
		r.send(ctx, protocol.NewAIError(msg))
		r.recorder.AITaskFinished(string(OutcomeRejected))
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Run(ctx, req)
	}()
	return true
}

// Wait blocks until every dispatched task has returned.
func (r *Runner) Wait() { r.wg.Wait() }

// Run streams one answer: ai_chunk per delta in generation order, then
// ai_complete, or ai_error on failure. A canceled ctx ends the task quietly.
func (r *Runner) Run(ctx context.Context, req protocol.AIRequest) Outcome {
	id := r.seq.Add(1)
	logger := r.logger.With("task", id, "provider", r.gen.Name())
	question := req.Question
	if question == "" {
		question = "no specific question"
	}
	logger.Info("ai request received", "question", question)

	outcome := r.run(ctx, logger, req)
	r.recorder.AITaskFinished(string(outcome))
	logger.Debug("ai request finished", "outcome", string(outcome))
	return outcome
}

func (r *Runner) run(ctx context.Context, logger *slog.Logger, req protocol.AIRequest) Outcome {
	stream, err := r.gen.Generate(ctx, BuildMessages(req.ContextText(), req.Question))
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		logger.Error("ai request error", "error", err)
		r.send(ctx, protocol.NewAIError(err.Error()))
		return OutcomeFailed
	}
	defer stream.Close()

	for {
		delta, err := stream.Next()
		if errors.Is(err, io.EOF) {
			if !r.send(ctx, protocol.NewAIComplete()) {
				return OutcomeCanceled
			}
			return OutcomeCompleted
		}
		if err != nil {
			if ctx.Err() != nil {
				return OutcomeCanceled
			}
			logger.Error("ai request error", "error", err)
			r.send(ctx, protocol.NewAIError(err.Error()))
			return OutcomeFailed
		}
		if delta == "" {
			continue
		}
		if !r.send(ctx, protocol.NewAIChunk(delta)) {
			return OutcomeCanceled
		}
	}
}

func (r *Runner) send(ctx context.Context, v any) bool {
	if r.out == nil {
		return false
	}
	if err := r.out.Send(ctx, v); err != nil {
		r.logger.Debug("dropping ai event", "error", err)
		return false
	}
	return true
}
