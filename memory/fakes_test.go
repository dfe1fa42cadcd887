package memory_test

import (
	"context"
	"errors"
	"sort"

	"github.com/becomeliminal/nim-recall/memory"
)

// fakeIndex returns canned hits and records inserts.
type fakeIndex struct {
	hits     []memory.Hit
	err      error
	inserted map[int][]float32
	queries  int
}

func newFakeIndex(hits ...memory.Hit) *fakeIndex {
	return &fakeIndex{hits: hits, inserted: map[int][]float32{}}
}

func (f *fakeIndex) Insert(_ context.Context, id int, embedding []float32) error {
	if f.err != nil {
		return f.err
	}
	f.inserted[id] = embedding
	return nil
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, _ int) ([]memory.Hit, error) {
	f.queries++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]memory.Hit, len(f.hits))
	copy(out, f.hits)
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out, nil
}

func (f *fakeIndex) Count() int                { return len(f.inserted) }
func (f *fakeIndex) Snapshot() ([]byte, error) { return nil, errors.New("not supported") }
func (f *fakeIndex) Restore([]byte) error      { return errors.New("not supported") }

// fixedEmbedder returns the same vector for every text.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (e *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, e.err
}

func (e *fixedEmbedder) Dimensions() int { return len(e.vec) }

// constCounter charges the same cost for every turn.
func constCounter(cost int) memory.TokenCounter {
	return memory.TokenCounterFunc(func(string) int { return cost })
}
