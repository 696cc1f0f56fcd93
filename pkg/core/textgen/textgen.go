// Package textgen defines the streaming text-generation contract used for
// transcript answers.
package textgen

import (
	"context"
	"errors"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one prompt turn.
type Message struct {
	Role    Role
	Content string
}

// Generator opens streaming generation calls.
type Generator interface {
	// Name returns the provider identifier.
	Name() string

	// Generate starts a streaming completion for messages.
	Generate(ctx context.Context, messages []Message) (Stream, error)
}

// Stream yields text deltas in generation order.
type Stream interface {
	// Next returns the next delta, or io.EOF once generation completed.
	Next() (string, error)

	// Close releases the call. It is safe to call more than once.
	Close() error
}

// SplitSystem separates system turns from the conversation. Multiple system
// turns are joined with a blank line.
func SplitSystem(messages []Message) (system string, rest []Message) {
	var parts []string
	for _, m := range messages {
		if m.Role == RoleSystem {
			parts = append(parts, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

// Unavailable is a Generator whose construction failed, typically because
// its API key is missing. Every Generate call reports the startup error.
type Unavailable struct {
	Provider string
	Err      error
}

func (u Unavailable) Name() string { return u.Provider }

func (u Unavailable) Generate(context.Context, []Message) (Stream, error) {
	if u.Err == nil {
		return nil, errors.New(u.Provider + " text generation is not configured")
	}
	return nil, u.Err
}
