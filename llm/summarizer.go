package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// noneMarker is the answer the model gives when nothing is worth keeping.
const noneMarker = "NONE"

// summarizerSystemPrompt asks for standalone notes, one per line, so each
// line can be embedded and retrieved on its own.
const summarizerSystemPrompt = `You maintain the long-term memory of an assistant.
You will be shown conversation turns that are about to leave the assistant's short-term context.
Write the facts, preferences, decisions and open tasks worth remembering, one per line.
Each line must stand on its own without the transcript. Do not number or bullet the lines.
If nothing is worth remembering, answer exactly NONE.`

// Summarizer implements memory.Summarizer with a Generator.
type Summarizer struct {
	gen       Generator
	model     string
	maxTokens int64
	logger    *slog.Logger
}

var _ memory.Summarizer = (*Summarizer)(nil)

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithSummaryModel selects the model used for summaries.
func WithSummaryModel(model string) SummarizerOption {
	return func(s *Summarizer) { s.model = model }
}

// WithSummaryLogger sets the logger.
func WithSummaryLogger(logger *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = logger }
}

// NewSummarizer creates a summarizer on gen.
func NewSummarizer(gen Generator, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{gen: gen, maxTokens: 512, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Summarize condenses turns into standalone notes. An empty batch or a NONE
// answer yields no notes.
func (s *Summarizer) Summarize(ctx context.Context, turns []core.Turn) ([]string, error) {
	if len(turns) == 0 {
		return nil, nil
	}

	req := Request{
		System:    summarizerSystemPrompt,
		Messages:  []Message{{Role: RoleUser, Content: Transcript(turns)}},
		Model:     s.model,
		MaxTokens: s.maxTokens,
	}
	text, err := s.gen.Generate(ctx, req, nil)
	if err != nil {
		return nil, core.Transient("summarize", err)
	}

	notes := parseNotes(text)
	s.logger.Debug("llm: summarized evicted turns", "turns", len(turns), "notes", len(notes))
	return notes, nil
}

// Transcript renders turns as "Human: ..." / "AI: ..." lines.
func Transcript(turns []core.Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.String())
	}
	return b.String()
}

func parseNotes(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" || strings.EqualFold(text, noneMarker) {
		return nil
	}
	var notes []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*• ")
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, noneMarker) {
			continue
		}
		notes = append(notes, line)
	}
	return notes
}

// Static returns a Summarizer that stores the transcript itself, one note
// per turn. Used when no model is available for summaries.
func Static() memory.Summarizer {
	return staticSummarizer{}
}

type staticSummarizer struct{}

func (staticSummarizer) Summarize(_ context.Context, turns []core.Turn) ([]string, error) {
	notes := make([]string, 0, len(turns))
	for _, t := range turns {
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		notes = append(notes, fmt.Sprintf("%s said: %s", t.Role.Prefix(), t.Content))
	}
	return notes, nil
}
