package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Stream is the append-only, ordered log of long-term memory documents.
// Document ids are dense: the id of a document is its position.
type Stream struct {
	docs []Document
}

// NewStream creates an empty stream.
func NewStream() *Stream {
	return &Stream{}
}

// Len returns the number of documents.
func (s *Stream) Len() int {
	return len(s.docs)
}

// Get returns a copy of the document with the given id.
func (s *Stream) Get(id int) (Document, bool) {
	if id < 0 || id >= len(s.docs) {
		return Document{}, false
	}
	return s.docs[id].clone(), true
}

// Recent returns copies of the last k documents, oldest first.
func (s *Stream) Recent(k int) []Document {
	if k <= 0 || len(s.docs) == 0 {
		return nil
	}
	start := len(s.docs) - k
	if start < 0 {
		start = 0
	}
	out := make([]Document, 0, len(s.docs)-start)
	for _, d := range s.docs[start:] {
		out = append(out, d.clone())
	}
	return out
}

// Documents returns copies of every document in id order.
func (s *Stream) Documents() []Document {
	out := make([]Document, len(s.docs))
	for i, d := range s.docs {
		out[i] = d.clone()
	}
	return out
}

// Append stamps and appends documents. Missing CreatedAt / LastAccessedAt
// are set to now and ids are assigned from the current length. The stored
// copies are returned.
func (s *Stream) Append(docs []Document, now time.Time) []Document {
	added := make([]Document, 0, len(docs))
	for _, d := range docs {
		d = d.clone()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		if d.LastAccessedAt.IsZero() {
			d.LastAccessedAt = now
		}
		if d.LastAccessedAt.Before(d.CreatedAt) {
			d.LastAccessedAt = d.CreatedAt
		}
		d.ID = len(s.docs)
		s.docs = append(s.docs, d)
		added = append(added, d.clone())
	}
	return added
}

// Touch sets LastAccessedAt = now for the given ids. This is the only
// mutation allowed on an appended document. A clock that runs behind a
// document's creation time is clamped to CreatedAt.
func (s *Stream) Touch(ids []int, now time.Time) {
	for _, id := range ids {
		if id < 0 || id >= len(s.docs) {
			continue
		}
		at := now
		if at.Before(s.docs[id].CreatedAt) {
			at = s.docs[id].CreatedAt
		}
		s.docs[id].LastAccessedAt = at
	}
}

// Validate checks id density and timestamp ordering.
func (s *Stream) Validate() error {
	for i, d := range s.docs {
		if d.ID != i {
			return core.Invariantf("stream", "document at position %d has id %d", i, d.ID)
		}
		if d.LastAccessedAt.Before(d.CreatedAt) {
			return core.Invariantf("stream", "document %d accessed before creation", i)
		}
	}
	return nil
}

// Snapshot serializes the stream with all document fields.
func (s *Stream) Snapshot() ([]byte, error) {
	docs := s.docs
	if docs == nil {
		docs = []Document{}
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("marshal stream: %w", err)
	}
	return data, nil
}

// RestoreStream decodes a snapshot produced by Stream.Snapshot. Malformed
// data or broken invariants yield core.ErrCorruptState.
func RestoreStream(data []byte) (*Stream, error) {
	var docs []Document
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("%w: decode stream: %v", core.ErrCorruptState, err)
	}
	s := &Stream{docs: docs}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorruptState, err)
	}
	return s, nil
}
