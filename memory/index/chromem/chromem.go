// Package chromem implements memory.VectorIndex on chromem-go, a pure Go
// embedded vector database. Each Index owns one in-memory database with a
// single collection; document ids are the decimal stream ids.
package chromem

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-recall/memory"
)

const collectionName = "memories"

// Index wraps a chromem collection. chromem's default distance is cosine
// similarity, which is what Hit.Similarity reports.
type Index struct {
	mu  sync.RWMutex
	db  *chromem.DB
	col *chromem.Collection
}

var _ memory.VectorIndex = (*Index)(nil)

// New creates an empty index.
func New() (*Index, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(
		collectionName,
		nil, // no embedding func: vectors are provided
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}
	return &Index{db: db, col: col}, nil
}

// Factory adapts New to a per-conversation index constructor.
func Factory() (memory.VectorIndex, error) {
	return New()
}

// Insert adds the vector for a stream id. Re-inserting an id replaces it.
func (i *Index) Insert(ctx context.Context, id int, embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("chromem: empty embedding for %d", id)
	}
	i.mu.Lock()
	defer i.mu.Unlock()

	doc := chromem.Document{
		ID:        strconv.Itoa(id),
		Content:   strconv.Itoa(id),
		Embedding: embedding,
	}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document %d: %w", id, err)
	}
	return nil
}

// Query returns up to k nearest ids. chromem rejects n larger than the
// collection, so k is clamped to the count.
func (i *Index) Query(ctx context.Context, embedding []float32, k int) ([]memory.Hit, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if n := i.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := i.col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	hits := make([]memory.Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.Atoi(r.ID)
		if err != nil {
			return nil, fmt.Errorf("chromem: non-numeric document id %q", r.ID)
		}
		hits = append(hits, memory.Hit{ID: id, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

// Count returns the number of stored vectors.
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.col.Count()
}

// Snapshot exports the collection as a gob stream.
func (i *Index) Snapshot() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var buf bytes.Buffer
	if err := i.db.ExportToWriter(&buf, false, "", collectionName); err != nil {
		return nil, fmt.Errorf("chromem: export: %w", err)
	}
	return buf.Bytes(), nil
}

// Restore replaces the collection with a snapshot.
func (i *Index) Restore(data []byte) error {
	db := chromem.NewDB()
	if err := db.ImportFromReader(bytes.NewReader(data), ""); err != nil {
		return fmt.Errorf("chromem: import: %w", err)
	}
	col := db.GetCollection(collectionName, nil)
	if col == nil {
		return fmt.Errorf("chromem: snapshot has no %q collection", collectionName)
	}

	i.mu.Lock()
	i.db, i.col = db, col
	i.mu.Unlock()
	return nil
}
