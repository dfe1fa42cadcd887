package memory

import (
	"fmt"
	"strings"
	"time"
)

// Metadata keys set on documents created by the engine.
const (
	MetaSource = "source" // "summary" or "ingest"
	MetaBatch  = "batch"  // eviction batch id for summaries
)

// Document sources.
const (
	SourceSummary = "summary"
	SourceIngest  = "ingest"
)

// Document is a single long-term memory.
//
// ID, Content, Embedding and CreatedAt never change after the document is
// appended to a Stream. LastAccessedAt is advanced by retrieval.
type Document struct {
	ID             int               `json:"id"`
	Content        string            `json:"content"`
	Embedding      []float32         `json:"embedding"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewDocument creates an unstamped document. The Stream assigns its id and
// timestamps on append.
func NewDocument(content string, metadata map[string]string) Document {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return Document{ID: -1, Content: content, Metadata: md}
}

// clone copies the document. The embedding is shared: it is immutable.
func (d Document) clone() Document {
	if d.Metadata != nil {
		md := make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			md[k] = v
		}
		d.Metadata = md
	}
	return d
}

// FormatContext provides context for memory formatting.
type FormatContext struct {
	Query     string // Current query being answered
	MaxLength int    // Max characters for this memory's output
}

// Format formats this document for prompt injection.
func (d Document) Format(ctx FormatContext) string {
	content := d.Content
	if ctx.MaxLength > 0 {
		content = truncate(content, ctx.MaxLength)
	}
	return fmt.Sprintf("[%s] %s", d.CreatedAt.Format("2006/01/02 15:04"), strings.TrimSpace(content))
}

// truncate truncates a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return "..."
	}
	return string(r[:maxLen-3]) + "..."
}
