package memory

import (
	"encoding/json"
	"fmt"

	"github.com/becomeliminal/nim-recall/core"
)

// DefaultTokenLimit is the default short-term budget.
const DefaultTokenLimit = 2000

// TokenBuffer keeps the most recent turns of a conversation within a token
// budget. Eviction is strict FIFO and never splits a turn.
//
// A single turn whose own cost exceeds the limit is still kept: the limit
// prunes the aggregate, it does not cap individual turns. In that case the
// buffer holds exactly that one turn.
type TokenBuffer struct {
	turns   []core.Turn
	costs   []int
	total   int
	limit   int
	counter TokenCounter
}

// NewTokenBuffer creates an empty buffer. A nil counter falls back to
// HeuristicCounter; a non-positive limit falls back to DefaultTokenLimit.
func NewTokenBuffer(limit int, counter TokenCounter) *TokenBuffer {
	if limit <= 0 {
		limit = DefaultTokenLimit
	}
	if counter == nil {
		counter = HeuristicCounter{}
	}
	return &TokenBuffer{limit: limit, counter: counter}
}

// Append adds turn to the end and evicts from the front until the total is
// back within the limit. The evicted turns are returned oldest first.
func (b *TokenBuffer) Append(turn core.Turn) []core.Turn {
	cost := b.counter.CountTokens(turn.String())
	b.turns = append(b.turns, turn)
	b.costs = append(b.costs, cost)
	b.total += cost
	return b.prune()
}

func (b *TokenBuffer) prune() []core.Turn {
	var evicted []core.Turn
	for b.total > b.limit && len(b.turns) > 1 {
		evicted = append(evicted, b.turns[0])
		b.total -= b.costs[0]
		b.turns = b.turns[1:]
		b.costs = b.costs[1:]
	}
	return evicted
}

// Turns returns a copy of the buffered turns, oldest first.
func (b *TokenBuffer) Turns() []core.Turn {
	out := make([]core.Turn, len(b.turns))
	copy(out, b.turns)
	return out
}

// Tokens returns the current total token cost.
func (b *TokenBuffer) Tokens() int { return b.total }

// Limit returns the configured budget.
func (b *TokenBuffer) Limit() int { return b.limit }

// Len returns the number of buffered turns.
func (b *TokenBuffer) Len() int { return len(b.turns) }

// Clone returns an independent copy sharing the counter.
func (b *TokenBuffer) Clone() *TokenBuffer {
	c := &TokenBuffer{
		turns:   make([]core.Turn, len(b.turns)),
		costs:   make([]int, len(b.costs)),
		total:   b.total,
		limit:   b.limit,
		counter: b.counter,
	}
	copy(c.turns, b.turns)
	copy(c.costs, b.costs)
	return c
}

// Validate checks the budget invariant and the running total.
func (b *TokenBuffer) Validate() error {
	sum := 0
	for _, c := range b.costs {
		sum += c
	}
	if sum != b.total {
		return core.Invariantf("buffer", "running total %d != sum of costs %d", b.total, sum)
	}
	if b.total > b.limit && len(b.turns) > 1 {
		return core.Invariantf("buffer", "%d tokens in %d turns exceed limit %d", b.total, len(b.turns), b.limit)
	}
	return nil
}

type bufferSnapshot struct {
	Turns []core.Turn `json:"turns"`
}

// Snapshot serializes the buffered turns in order.
func (b *TokenBuffer) Snapshot() ([]byte, error) {
	turns := b.turns
	if turns == nil {
		turns = []core.Turn{}
	}
	data, err := json.Marshal(bufferSnapshot{Turns: turns})
	if err != nil {
		return nil, fmt.Errorf("marshal buffer: %w", err)
	}
	return data, nil
}

// Restore replaces the buffered turns with a snapshot. Costs are recomputed
// with the current counter; if the limit was lowered since the snapshot was
// taken, the oldest turns are dropped.
func (b *TokenBuffer) Restore(data []byte) error {
	var snap bufferSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: decode buffer: %v", core.ErrCorruptState, err)
	}
	b.turns, b.costs, b.total = nil, nil, 0
	for _, t := range snap.Turns {
		if !t.Role.Valid() {
			return fmt.Errorf("%w: buffer turn has role %q", core.ErrCorruptState, t.Role)
		}
		cost := b.counter.CountTokens(t.String())
		b.turns = append(b.turns, t)
		b.costs = append(b.costs, cost)
		b.total += cost
	}
	b.prune()
	return nil
}
