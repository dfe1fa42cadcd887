package memory_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func turn(i int) core.Turn {
	role := core.RoleHuman
	if i%2 == 1 {
		role = core.RoleAssistant
	}
	return core.NewTurn(role, fmt.Sprintf("turn %d", i), t0.Add(time.Duration(i)*time.Minute))
}

func TestTokenBuffer_FiftyTokenScenario(t *testing.T) {
	buf := memory.NewTokenBuffer(50, constCounter(15))

	for i := 0; i < 3; i++ {
		assert.Empty(t, buf.Append(turn(i)))
	}
	assert.Equal(t, 45, buf.Tokens())

	evicted := buf.Append(turn(3))
	require.Len(t, evicted, 1)
	assert.Equal(t, "turn 0", evicted[0].Content)
	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, 45, buf.Tokens())

	evicted = buf.Append(turn(4))
	require.Len(t, evicted, 1)
	assert.Equal(t, "turn 1", evicted[0].Content)
	assert.Equal(t, 3, buf.Len())
	assert.Equal(t, 45, buf.Tokens())

	turns := buf.Turns()
	assert.Equal(t, []string{"turn 2", "turn 3", "turn 4"},
		[]string{turns[0].Content, turns[1].Content, turns[2].Content})
}

func TestTokenBuffer_OversizedTurnIsKeptAlone(t *testing.T) {
	costs := map[string]int{}
	counter := memory.TokenCounterFunc(func(s string) int { return costs[s] })

	buf := memory.NewTokenBuffer(50, counter)
	small := core.NewTurn(core.RoleHuman, "small", t0)
	huge := core.NewTurn(core.RoleAssistant, "huge", t0)
	costs[small.String()] = 10
	costs[huge.String()] = 80

	buf.Append(small)
	evicted := buf.Append(huge)

	require.Len(t, evicted, 1)
	assert.Equal(t, "small", evicted[0].Content)
	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, 80, buf.Tokens())
	assert.NoError(t, buf.Validate())
}

func TestTokenBuffer_BudgetAndFIFOProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	costs := map[string]int{}
	counter := memory.TokenCounterFunc(func(s string) int { return costs[s] })
	buf := memory.NewTokenBuffer(100, counter)

	var appended []core.Turn
	evictedSoFar := 0
	for i := 0; i < 500; i++ {
		tr := turn(i)
		costs[tr.String()] = 1 + rng.Intn(60)
		appended = append(appended, tr)

		evicted := buf.Append(tr)
		for _, e := range evicted {
			// evicted turns come off the front in insertion order
			assert.Equal(t, appended[evictedSoFar].Content, e.Content)
			evictedSoFar++
		}

		require.NoError(t, buf.Validate())
		if buf.Len() > 1 {
			assert.LessOrEqual(t, buf.Tokens(), 100)
		}
		// the buffer is always a contiguous suffix of everything appended
		turns := buf.Turns()
		assert.Equal(t, appended[evictedSoFar:], turns)
	}
}

func TestTokenBuffer_SnapshotRestore(t *testing.T) {
	buf := memory.NewTokenBuffer(1000, nil)
	for i := 0; i < 4; i++ {
		buf.Append(turn(i))
	}
	data, err := buf.Snapshot()
	require.NoError(t, err)

	restored := memory.NewTokenBuffer(1000, nil)
	restored.Append(core.NewTurn(core.RoleHuman, "discarded", t0))
	require.NoError(t, restored.Restore(data))

	assert.Equal(t, buf.Turns(), restored.Turns())
	assert.Equal(t, buf.Tokens(), restored.Tokens())
	for i, tr := range restored.Turns() {
		assert.True(t, buf.Turns()[i].Timestamp.Equal(tr.Timestamp))
	}
}

func TestTokenBuffer_SnapshotEmpty(t *testing.T) {
	data, err := memory.NewTokenBuffer(10, nil).Snapshot()
	require.NoError(t, err)

	restored := memory.NewTokenBuffer(10, nil)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, 0, restored.Len())
}

func TestTokenBuffer_RestoreLowerLimitPrunes(t *testing.T) {
	buf := memory.NewTokenBuffer(100, constCounter(15))
	for i := 0; i < 6; i++ {
		buf.Append(turn(i))
	}
	data, err := buf.Snapshot()
	require.NoError(t, err)

	smaller := memory.NewTokenBuffer(30, constCounter(15))
	require.NoError(t, smaller.Restore(data))
	assert.Equal(t, 2, smaller.Len())
	assert.Equal(t, "turn 4", smaller.Turns()[0].Content)
}

func TestTokenBuffer_RestoreCorrupt(t *testing.T) {
	buf := memory.NewTokenBuffer(10, nil)
	err := buf.Restore([]byte("{not json"))
	assert.ErrorIs(t, err, core.ErrCorruptState)

	err = buf.Restore([]byte(`{"turns":[{"role":"robot","content":"x"}]}`))
	assert.ErrorIs(t, err, core.ErrCorruptState)
}

func TestTokenBuffer_CloneIsIndependent(t *testing.T) {
	buf := memory.NewTokenBuffer(50, constCounter(15))
	buf.Append(turn(0))

	c := buf.Clone()
	c.Append(turn(1))
	c.Append(turn(2))
	c.Append(turn(3))

	assert.Equal(t, 1, buf.Len())
	assert.Equal(t, 15, buf.Tokens())
	assert.Equal(t, 3, c.Len())
}

func TestHeuristicCounter(t *testing.T) {
	c := memory.HeuristicCounter{}
	assert.Equal(t, 4, c.CountTokens(""))
	assert.Equal(t, 5, c.CountTokens("abcd"))
	assert.Equal(t, 6, c.CountTokens("abcde"))
	// runes, not bytes
	assert.Equal(t, 5, c.CountTokens("日本語"))
}
