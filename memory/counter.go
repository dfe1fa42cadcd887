package memory

import "unicode/utf8"

// HeuristicCounter estimates tokens as ~CharsPerToken runes per token plus a
// fixed per-text overhead for role framing. It is the default counter when no
// model tokenizer is configured.
type HeuristicCounter struct {
	CharsPerToken int // default 4
	Overhead      int // default 4
}

// CountTokens returns the estimated token cost of text.
func (c HeuristicCounter) CountTokens(text string) int {
	cpt := c.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	overhead := c.Overhead
	if overhead <= 0 {
		overhead = 4
	}
	n := utf8.RuneCountInString(text)
	return (n+cpt-1)/cpt + overhead
}
