// Package gemini implements textgen.Generator with the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/vai-transcribe/pkg/core/textgen"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-3-flash-preview"

// ErrMissingAPIKey is returned by New when no key is supplied.
var ErrMissingAPIKey = errors.New("GOOGLE_API_KEY not set in environment")

type streamFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Generator streams completions from one Gemini model.
type Generator struct {
	model  string
	stream streamFunc
}

// New creates a Gemini API client for model.
func New(ctx context.Context, apiKey, model string) (*Generator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Generator{model: modelOrDefault(model), stream: client.Models.GenerateContentStream}, nil
}

func modelOrDefault(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return DefaultModel
}

func (g *Generator) Name() string { return "gemini" }

// Generate starts a streaming GenerateContent call.
func (g *Generator) Generate(ctx context.Context, messages []textgen.Message) (textgen.Stream, error) {
	contents, cfg, err := buildRequest(messages)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(g.stream(ctx, g.model, contents, cfg))
	return &stream{next: next, stop: stop, cancel: cancel}, nil
}

func buildRequest(messages []textgen.Message) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, rest := textgen.SplitSystem(messages)
	if len(rest) == 0 {
		return nil, nil, errors.New("gemini: at least one user message is required")
	}
	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := genai.Role(genai.RoleUser)
		if m.Role != textgen.RoleUser {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	cfg := &genai.GenerateContentConfig{}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	return contents, cfg, nil
}

type stream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc
	once   sync.Once
}

func (s *stream) Next() (string, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.stop()
	})
	return nil
}
