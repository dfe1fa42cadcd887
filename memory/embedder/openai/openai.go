// Package openai embeds text with the OpenAI embeddings API.
package openai

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Options configure the embedder.
type Options struct {
	// Model is the embedding model (default: text-embedding-3-small).
	Model string

	// Dimensions requests shortened vectors. Zero keeps the model default.
	Dimensions int
}

// Embedder calls the embeddings endpoint once per text.
type Embedder struct {
	client *openai.Client
	opts   Options
	dims   int
}

// New creates an embedder. Request options (API key, base URL) are passed to
// the SDK client; without them the client reads OPENAI_API_KEY.
func New(reqOpts []option.RequestOption, optFns ...func(o *Options)) *Embedder {
	client := openai.NewClient(reqOpts...)
	return NewFromClient(&client, optFns...)
}

// NewFromClient creates an embedder from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Embedder {
	opts := Options{Model: openai.EmbeddingModelTextEmbedding3Small}
	for _, fn := range optFns {
		fn(&opts)
	}
	dims := opts.Dimensions
	if dims == 0 {
		dims = defaultDimensions(opts.Model)
	}
	return &Embedder{client: client, opts: opts, dims: dims}
}

// Embed returns the embedding of text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: e.opts.Model,
	}
	if e.opts.Dimensions > 0 {
		params.Dimensions = openai.Int(int64(e.opts.Dimensions))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	src := resp.Data[0].Embedding
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out, nil
}

// Dimensions returns the configured or model-default vector size.
func (e *Embedder) Dimensions() int {
	return e.dims
}

func defaultDimensions(model string) int {
	switch model {
	case openai.EmbeddingModelTextEmbedding3Large:
		return 3072
	default:
		return 1536
	}
}
