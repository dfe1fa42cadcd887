package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Manager is the long-term memory engine of one conversation. It owns the
// Stream and keeps the VectorIndex in step with it.
//
// Features:
//   - Ingestion with automatic embedding
//   - Salience retrieval
//   - Memory formatting for prompts
//   - Index rebuild from the stream
type Manager struct {
	stream    *Stream
	index     VectorIndex
	embedder  Embedder
	retriever *SalienceRetriever
	config    *Config
	logger    *slog.Logger
}

// NewManager creates a Manager. stream may be nil for a fresh conversation.
func NewManager(stream *Stream, index VectorIndex, embedder Embedder, config *Config, logger *slog.Logger) *Manager {
	if stream == nil {
		stream = NewStream()
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		stream:    stream,
		index:     index,
		embedder:  embedder,
		retriever: NewSalienceRetriever(stream, index, embedder, config, logger),
		config:    config,
		logger:    logger,
	}
}

// Stream returns the underlying stream.
func (m *Manager) Stream() *Stream { return m.stream }

// Index returns the underlying vector index.
func (m *Manager) Index() VectorIndex { return m.index }

// Retriever returns the salience retriever.
func (m *Manager) Retriever() *SalienceRetriever { return m.retriever }

// Prepare builds embedded, unstamped documents from texts without touching
// the stream. Any embedding failure fails the whole batch.
func (m *Manager) Prepare(ctx context.Context, texts []string, metadata map[string]string) ([]Document, error) {
	docs := make([]Document, 0, len(texts))
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		docs = append(docs, NewDocument(text, metadata))
	}
	if err := m.embed(ctx, docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (m *Manager) embed(ctx context.Context, docs []Document) error {
	for i := range docs {
		if len(docs[i].Embedding) > 0 {
			continue
		}
		if m.embedder == nil {
			return fmt.Errorf("memory: no embedder configured")
		}
		embedding, err := m.embedder.Embed(ctx, docs[i].Content)
		if err != nil {
			return core.Transient("memory: embed document", err)
		}
		docs[i].Embedding = embedding
	}
	return nil
}

// Commit appends already-embedded documents to the stream and inserts them
// into the index. If an index insert fails the stream and index disagree;
// the caller must discard this Manager and reload from persistence.
func (m *Manager) Commit(ctx context.Context, docs []Document, now time.Time) ([]Document, error) {
	for _, d := range docs {
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("memory: commit of unembedded document %q", truncate(d.Content, 40))
		}
	}
	added := m.stream.Append(docs, now)
	for _, d := range added {
		if err := m.index.Insert(ctx, d.ID, d.Embedding); err != nil {
			return added, core.Transient(fmt.Sprintf("memory: index insert %d", d.ID), err)
		}
	}
	if len(added) > 0 {
		m.logger.Debug("memory: added documents",
			"count", len(added),
			"first_id", added[0].ID,
			"stream_len", m.stream.Len(),
		)
	}
	return added, nil
}

// Add embeds documents lacking an embedding and appends them. This is the
// only write path into long-term memory besides restoring a snapshot.
func (m *Manager) Add(ctx context.Context, docs []Document, now time.Time) ([]Document, error) {
	staged := make([]Document, len(docs))
	for i, d := range docs {
		staged[i] = d.clone()
	}
	if err := m.embed(ctx, staged); err != nil {
		return nil, err
	}
	return m.Commit(ctx, staged, now)
}

// Ingest stores raw texts as documents marked with the ingest source.
func (m *Manager) Ingest(ctx context.Context, texts []string, now time.Time) ([]Document, error) {
	docs, err := m.Prepare(ctx, texts, map[string]string{MetaSource: SourceIngest})
	if err != nil {
		return nil, err
	}
	return m.Commit(ctx, docs, now)
}

// Retrieve finds relevant memories and marks them accessed.
func (m *Manager) Retrieve(ctx context.Context, query string, now time.Time) []Scored {
	scored := m.retriever.Retrieve(ctx, query, now)
	m.logger.Debug("memory: retrieved memories", "count", len(scored), "query", truncate(query, 50))
	return scored
}

// Rebuild re-inserts every stream document into the index. Used when a
// restored index does not match the stream.
func (m *Manager) Rebuild(ctx context.Context) error {
	for _, d := range m.stream.Documents() {
		if err := m.index.Insert(ctx, d.ID, d.Embedding); err != nil {
			return fmt.Errorf("memory: rebuild index at %d: %w", d.ID, err)
		}
	}
	m.logger.Info("memory: rebuilt index from stream", "documents", m.stream.Len())
	return nil
}

// Validate checks the stream invariants and that every document is indexed.
func (m *Manager) Validate() error {
	if err := m.stream.Validate(); err != nil {
		return err
	}
	if n := m.index.Count(); n != m.stream.Len() {
		return core.Invariantf("memory", "index holds %d vectors for %d documents", n, m.stream.Len())
	}
	return nil
}

// Format formats retrieved memories into a block for the prompt.
func (m *Manager) Format(scored []Scored, query string) string {
	if len(scored) == 0 {
		return ""
	}

	// Calculate max length per memory
	maxLengthPerMemory := m.config.MaxFormattedLength / len(scored)
	if maxLengthPerMemory < 100 {
		maxLengthPerMemory = 100 // Minimum reasonable length
	}

	parts := make([]string, 0, len(scored))
	for i, s := range scored {
		formatted := s.Document.Format(FormatContext{
			Query:     query,
			MaxLength: maxLengthPerMemory,
		})
		parts = append(parts, fmt.Sprintf("%d. %s", i+1, formatted))
	}
	return strings.Join(parts, "\n")
}
