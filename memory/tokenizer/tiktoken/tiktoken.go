// Package tiktoken counts tokens with the BPE encodings used by OpenAI
// models, so the short-term budget matches what the model actually sees.
package tiktoken

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when no model name is given.
const DefaultEncoding = "cl100k_base"

// Counter implements memory.TokenCounter.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New returns a counter for model. An empty or unknown model falls back to
// DefaultEncoding. Loading an encoding may download its BPE ranks on first
// use unless an offline loader is installed.
func New(model string) (*Counter, error) {
	if model != "" {
		if enc, err := tiktoken.EncodingForModel(model); err == nil {
			return &Counter{enc: enc}, nil
		}
	}
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken: load %s: %w", DefaultEncoding, err)
	}
	return &Counter{enc: enc}, nil
}

// CountTokens returns the number of tokens in text.
func (c *Counter) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}
