package tiktoken

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Loading encodings fetches BPE files over the network.
func newCounter(t *testing.T, model string) *Counter {
	t.Helper()
	if os.Getenv("NIM_NETWORK_TESTS") == "" {
		t.Skip("set NIM_NETWORK_TESTS=1 to run tokenizer tests")
	}
	c, err := New(model)
	require.NoError(t, err)
	return c
}

func TestCounter_CountTokens(t *testing.T) {
	c := newCounter(t, "gpt-4")
	assert.Equal(t, 0, c.CountTokens(""))
	assert.Equal(t, 2, c.CountTokens("hello world"))
}

func TestCounter_UnknownModelFallsBack(t *testing.T) {
	c := newCounter(t, "not-a-model")
	assert.Greater(t, c.CountTokens("Human: hi there"), 0)
}
