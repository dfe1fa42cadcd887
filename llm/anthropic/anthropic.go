// Package anthropic implements llm.Generator with the Claude Messages API.
package anthropic

import (
	"context"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/llm"
)

// DefaultModel is used when neither Options nor the request name a model.
const DefaultModel = "claude-sonnet-4-20250514"

// continuationMarker opens a conversation whose retained history starts with
// an assistant turn; the API requires the first message to be from the user.
const continuationMarker = "(earlier conversation omitted)"

// Options configure the generator.
type Options struct {
	Model     string
	MaxTokens int64
	Logger    *slog.Logger
}

// Generator streams completions from Claude.
type Generator struct {
	client *anthropic.Client
	opts   Options
}

var _ llm.Generator = (*Generator)(nil)

// New creates a generator. Without an API key option the client reads
// ANTHROPIC_API_KEY.
func New(reqOpts []option.RequestOption, optFns ...func(o *Options)) *Generator {
	client := anthropic.NewClient(reqOpts...)
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a generator from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:     DefaultModel,
		MaxTokens: 4096,
		Logger:    slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

// Generate streams a completion, calling onToken for each text delta.
func (g *Generator) Generate(ctx context.Context, req llm.Request, onToken func(string)) (string, error) {
	ctx, cancel := llm.WithTimeout(ctx, req)
	defer cancel()

	params := g.buildParams(req)
	stream := g.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			g.opts.Logger.Debug("anthropic: accumulate event", "err", err)
		}

		switch evt := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := evt.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				text.WriteString(delta.Text)
				if onToken != nil && delta.Text != "" {
					onToken(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", core.Transient("anthropic: stream", err)
	}

	g.opts.Logger.Debug("anthropic: completion",
		"model", params.Model,
		"input_tokens", message.Usage.InputTokens,
		"output_tokens", message.Usage.OutputTokens,
		"stop_reason", message.StopReason,
	)
	return text.String(), nil
}

func (g *Generator) buildParams(req llm.Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = g.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.opts.MaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

// buildMessages converts messages to the alternating user/assistant form the
// API expects: consecutive messages of one role are merged, empty ones are
// dropped, and a leading assistant message gets a user opener.
func buildMessages(msgs []llm.Message) []anthropic.MessageParam {
	type merged struct {
		role llm.Role
		text string
	}
	var turns []merged
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := m.Role
		if role != llm.RoleAssistant {
			role = llm.RoleUser
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].text += "\n\n" + m.Content
			continue
		}
		turns = append(turns, merged{role: role, text: m.Content})
	}
	if len(turns) > 0 && turns[0].role == llm.RoleAssistant {
		turns = append([]merged{{role: llm.RoleUser, text: continuationMarker}}, turns...)
	}

	out := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(t.text)
		if t.role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}
