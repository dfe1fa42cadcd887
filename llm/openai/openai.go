// Package openai implements llm.Generator with the OpenAI Chat Completions
// streaming API. Any OpenAI-compatible endpoint works through the base URL
// option.
package openai

import (
	"context"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/llm"
)

// Options configure the generator.
type Options struct {
	Model               string
	MaxCompletionTokens int64
	Logger              *slog.Logger
}

// Generator streams chat completions.
type Generator struct {
	client *openai.Client
	opts   Options
}

var _ llm.Generator = (*Generator)(nil)

// New creates a generator. Without an API key option the client reads
// OPENAI_API_KEY.
func New(reqOpts []option.RequestOption, optFns ...func(o *Options)) *Generator {
	client := openai.NewClient(reqOpts...)
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates a generator from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Generator {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		MaxCompletionTokens: 4096,
		Logger:              slog.Default(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Generator{client: client, opts: opts}
}

// Generate streams a completion, calling onToken for each content delta.
func (g *Generator) Generate(ctx context.Context, req llm.Request, onToken func(string)) (string, error) {
	ctx, cancel := llm.WithTimeout(ctx, req)
	defer cancel()

	params := g.buildParams(req)
	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	var finish string
	for stream.Next() {
		chunk := stream.Current()
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if onToken != nil {
					onToken(ch.Delta.Content)
				}
			}
			if ch.FinishReason != "" {
				finish = ch.FinishReason
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", core.Transient("openai: stream", err)
	}

	g.opts.Logger.Debug("openai: completion", "model", params.Model, "finish_reason", finish, "chars", text.Len())
	return text.String(), nil
}

func (g *Generator) buildParams(req llm.Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = g.opts.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = g.opts.MaxCompletionTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:               model,
		Messages:            buildMessages(req),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	return params
}

func buildMessages(req llm.Request) []openai.ChatCompletionMessageParamUnion {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == llm.RoleAssistant {
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	return msgs
}
