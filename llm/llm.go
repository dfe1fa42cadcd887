// Package llm defines the language-model boundary of the assistant: a
// provider-neutral streaming Generator and the summarizer that condenses
// evicted conversation turns into long-term memories.
//
// Providers live in subpackages:
//   - anthropic: Claude via anthropic-sdk-go
//   - openai: Chat Completions via openai-go
package llm

import (
	"context"
	"time"
)

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	// System is the system prompt.
	System string

	// Messages is the conversation, oldest first. The last message is the
	// one being answered.
	Messages []Message

	// Model overrides the provider's default model when set.
	Model string

	// Temperature overrides the provider default when non-nil.
	Temperature *float64

	// MaxTokens caps the response length. Zero uses the provider default.
	MaxTokens int64

	// Timeout bounds the whole call when positive.
	Timeout time.Duration
}

// Generator produces a completion, reporting each text fragment to onToken
// as it arrives. It returns the full text. onToken may be nil.
//
// Implementations must return promptly once ctx is canceled.
type Generator interface {
	Generate(ctx context.Context, req Request, onToken func(string)) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, req Request, onToken func(string)) (string, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, req Request, onToken func(string)) (string, error) {
	return f(ctx, req, onToken)
}

// WithTimeout derives the call context for req.
func WithTimeout(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Timeout > 0 {
		return context.WithTimeout(ctx, req.Timeout)
	}
	return context.WithCancel(ctx)
}

// Float returns a pointer to v, for Request.Temperature.
func Float(v float64) *float64 { return &v }
