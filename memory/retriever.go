package memory

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"
)

// Scored is a document selected by retrieval together with its score.
type Scored struct {
	Document Document

	// Relevance is the semantic similarity from the index, or the baseline
	// salience when the document was only included for being recent.
	Relevance float64

	// Score is Relevance plus the recency decay term.
	Score float64
}

// SalienceRetriever combines recency decay with semantic similarity to pick
// the top-k long-term memories for a query.
//
// Algorithm:
//  1. The K most recent documents are candidates with the baseline salience.
//  2. The K nearest neighbours of the query embedding are merged in; a hit
//     overrides the baseline of the same document id.
//  3. score = relevance + (1 - DecayRate) ^ hoursSince(LastAccessedAt, now)
//  4. Sort by score descending, higher id first on ties, keep K.
//  5. Selected documents get LastAccessedAt = now.
type SalienceRetriever struct {
	stream   *Stream
	index    VectorIndex
	embedder Embedder
	config   *Config
	logger   *slog.Logger
}

// NewSalienceRetriever creates a retriever over stream and index.
func NewSalienceRetriever(stream *Stream, index VectorIndex, embedder Embedder, config *Config, logger *slog.Logger) *SalienceRetriever {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SalienceRetriever{
		stream:   stream,
		index:    index,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}
}

// Retrieve ranks candidates for query and marks the selected documents as
// accessed at now. The returned documents reflect the new access time.
func (r *SalienceRetriever) Retrieve(ctx context.Context, query string, now time.Time) []Scored {
	scored := r.Rank(ctx, query, now)
	r.Touch(scored, now)
	return scored
}

// Rank performs retrieval without the access-time side effect.
func (r *SalienceRetriever) Rank(ctx context.Context, query string, now time.Time) []Scored {
	if r.stream.Len() == 0 {
		return nil
	}
	k := r.config.K

	relevance := make(map[int]float64, 2*k)
	for _, d := range r.stream.Recent(k) {
		relevance[d.ID] = r.config.DefaultSalience
	}
	for _, h := range r.salient(ctx, query, k) {
		relevance[h.ID] = h.Similarity
	}

	scored := make([]Scored, 0, len(relevance))
	for id, rel := range relevance {
		doc, ok := r.stream.Get(id)
		if !ok {
			r.logger.Warn("memory: index returned unknown document", "id", id, "stream_len", r.stream.Len())
			continue
		}
		scored = append(scored, Scored{
			Document:  doc,
			Relevance: rel,
			Score:     r.combinedScore(doc, rel, now),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Document.ID > scored[j].Document.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Touch applies the access-time side effect of a ranking.
func (r *SalienceRetriever) Touch(scored []Scored, now time.Time) {
	if len(scored) == 0 {
		return
	}
	ids := make([]int, len(scored))
	for i := range scored {
		ids[i] = scored[i].Document.ID
	}
	r.stream.Touch(ids, now)
	for i := range scored {
		if doc, ok := r.stream.Get(scored[i].Document.ID); ok {
			scored[i].Document.LastAccessedAt = doc.LastAccessedAt
		}
	}
}

// salient queries the index. Failures degrade to no hits.
func (r *SalienceRetriever) salient(ctx context.Context, query string, k int) []Hit {
	if r.index == nil || r.embedder == nil || query == "" {
		return nil
	}
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		r.logger.Warn("memory: failed to embed query, using recent memories only", "err", err)
		return nil
	}
	hits, err := r.index.Query(ctx, embedding, k)
	if err != nil {
		r.logger.Warn("memory: index query failed, using recent memories only", "err", err)
		return nil
	}
	if r.config.MinSimilarity <= 0 {
		return hits
	}
	kept := hits[:0]
	for _, h := range hits {
		if h.Similarity >= r.config.MinSimilarity {
			kept = append(kept, h)
		}
	}
	return kept
}

func (r *SalienceRetriever) combinedScore(doc Document, relevance float64, now time.Time) float64 {
	return relevance + math.Pow(1-r.config.DecayRate, hoursSince(doc.LastAccessedAt, now))
}

// hoursSince returns the elapsed hours from t to now, never negative.
func hoursSince(t, now time.Time) float64 {
	h := now.Sub(t).Hours()
	if h < 0 {
		return 0
	}
	return h
}
