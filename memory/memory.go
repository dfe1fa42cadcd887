package memory

import (
	"context"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), onnx (local), openai (production).
//
// Note: Embedder is an implementation detail of Manager.
// The Engine does not interact with Embedder directly.
type Embedder interface {
	// Embed converts a single text to embedding vector.
	// Identical input must produce identical output within a process.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// Hit is a single nearest-neighbour result.
type Hit struct {
	ID         int
	Similarity float64
}

// VectorIndex stores vectors keyed by document id and answers k-nearest
// queries. Similarity must be on a consistent scale across calls
// (higher = more similar).
type VectorIndex interface {
	// Insert adds or replaces the vector for id.
	Insert(ctx context.Context, id int, embedding []float32) error

	// Query returns up to k hits sorted by similarity (highest first).
	// An empty index returns no hits and no error.
	Query(ctx context.Context, embedding []float32, k int) ([]Hit, error)

	// Count returns the number of stored vectors.
	Count() int

	// Snapshot serializes the index.
	Snapshot() ([]byte, error)

	// Restore replaces the index contents with a snapshot.
	Restore(data []byte) error
}

// IndexFactory creates an empty VectorIndex for a new or restored
// conversation.
type IndexFactory func() (VectorIndex, error)

// Summarizer condenses a batch of evicted turns into zero or more documents.
type Summarizer interface {
	Summarize(ctx context.Context, turns []core.Turn) ([]string, error)
}

// TokenCounter measures the token cost of a piece of text.
type TokenCounter interface {
	CountTokens(text string) int
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(text string) int

// CountTokens calls f(text).
func (f TokenCounterFunc) CountTokens(text string) int {
	return f(text)
}

// Retriever selects the long-term memories worth surfacing for a query.
// Retrieval never fails: on dependency errors it degrades to fewer results.
type Retriever interface {
	Retrieve(ctx context.Context, query string, now time.Time) []Scored
}

// BufferStore is the short-term conversation window.
type BufferStore interface {
	// Append adds a turn and returns the turns evicted to stay within budget.
	Append(turn core.Turn) []core.Turn

	// Turns returns the buffered turns, oldest first.
	Turns() []core.Turn

	Snapshot() ([]byte, error)
	Restore(data []byte) error
}

// Compile-time interface satisfaction checks.
var (
	_ Retriever   = (*SalienceRetriever)(nil)
	_ BufferStore = (*TokenBuffer)(nil)
)
