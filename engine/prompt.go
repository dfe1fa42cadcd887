package engine

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/llm"
)

// NoInformation stands in for augmentation that is unavailable or empty.
const NoInformation = "no information"

// Augmenter supplies side-channel information for a message, such as the
// output of a tool-using agent or a lookup service.
type Augmenter interface {
	Augment(ctx context.Context, message string) (string, error)
}

// AugmenterFunc adapts a function to Augmenter.
type AugmenterFunc func(ctx context.Context, message string) (string, error)

// Augment calls f.
func (f AugmenterFunc) Augment(ctx context.Context, message string) (string, error) {
	return f(ctx, message)
}

// augment never fails: errors and empty answers become NoInformation.
func (e *Engine) augment(ctx context.Context, message string) string {
	if e.augmenter == nil {
		return NoInformation
	}
	info, err := e.augmenter.Augment(ctx, message)
	if err != nil {
		e.logger.Warn("engine: augmentation failed", "err", err)
		return NoInformation
	}
	if strings.TrimSpace(info) == "" {
		return NoInformation
	}
	return info
}

// messageTemplate wraps the user's message with the date, retrieved memories
// and side-channel information. History turns are sent as plain messages
// before it.
var messageTemplate = template.Must(template.New("message").Parse(`{{.Date}}

(For reference) Possibly relevant pieces of past conversation:
{{.Relevant}}

(For reference) Other information:
{{.Information}}

User message:
{{.Input}}

Your reply, following the rules of the conversation:`))

type messageData struct {
	Date        string
	Relevant    string
	Information string
	Input       string
}

func renderMessage(input, relevant, information string, now time.Time) (string, error) {
	if strings.TrimSpace(relevant) == "" {
		relevant = "(none)"
	}
	var b strings.Builder
	err := messageTemplate.Execute(&b, messageData{
		Date:        now.Format("Monday, 2006-01-02 15:04 MST"),
		Relevant:    relevant,
		Information: information,
		Input:       input,
	})
	if err != nil {
		return "", fmt.Errorf("engine: render prompt: %w", err)
	}
	return b.String(), nil
}

// buildRequest assembles the generation request: system prompt, the buffered
// history, then the templated user message.
func buildRequest(in *Input, history []core.Turn, relevant, information string, now time.Time) (llm.Request, error) {
	system := in.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = DefaultSystemPrompt
	}

	msgs := make([]llm.Message, 0, len(history)+1)
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == core.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: t.Content})
	}

	content, err := renderMessage(in.Message, relevant, information, now)
	if err != nil {
		return llm.Request{}, err
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: content})

	return llm.Request{
		System:      system,
		Messages:    msgs,
		Model:       in.Model,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
		Timeout:     in.Timeout,
	}, nil
}
