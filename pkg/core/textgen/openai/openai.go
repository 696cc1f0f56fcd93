// Package openai implements textgen.Generator with OpenAI-compatible chat
// completion streaming.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
)

// DefaultModel is used when no model is configured.
const DefaultModel = openai.GPT4oMini

// ErrMissingAPIKey is returned by New when no key is supplied.
var ErrMissingAPIKey = errors.New("OPENAI_API_KEY not set in environment")

// Generator streams chat completions from one model.
type Generator struct {
	client *openai.Client
	model  string
}

// New creates a generator. baseURL may be empty for the public API.
func New(apiKey, baseURL, model string) (*Generator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL = strings.TrimSpace(baseURL); baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model = strings.TrimSpace(model); model == "" {
		model = DefaultModel
	}
	return &Generator{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (g *Generator) Name() string { return "openai" }

// Generate opens a streaming chat completion.
func (g *Generator) Generate(ctx context.Context, messages []textgen.Message) (textgen.Stream, error) {
	req := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: convertMessages(messages),
		Stream:   true,
	}
	s, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}
	return &stream{stream: s}, nil
}

func convertMessages(messages []textgen.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		if m.Role == textgen.RoleSystem {
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

type stream struct {
	stream *openai.ChatCompletionStream
	once   sync.Once
	err    error
}

func (s *stream) Next() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if delta := resp.Choices[0].Delta.Content; delta != "" {
			return delta, nil
		}
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.err = s.stream.Close()
	})
	return s.err
}
