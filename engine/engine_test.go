package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/llm"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/persist/file"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// steppingClock advances one minute per call.
func steppingClock() func() time.Time {
	var n int64
	return func() time.Time {
		return epoch.Add(time.Duration(atomic.AddInt64(&n, 1)) * time.Minute)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func replyWith(text string) llm.Generator {
	return llm.GeneratorFunc(func(_ context.Context, _ llm.Request, onToken func(string)) (string, error) {
		for _, tok := range strings.SplitAfter(text, " ") {
			if onToken != nil {
				onToken(tok)
			}
		}
		return text, nil
	})
}

func newBackend(t *testing.T, dir string) memory.PersistenceBackend {
	t.Helper()
	b, err := file.New(dir, nil)
	require.NoError(t, err)
	return b
}

func newEngine(t *testing.T, gen llm.Generator, backend memory.PersistenceBackend, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(steppingClock()),
		WithSummarizer(llm.Static()),
		WithLogger(discardLogger()),
	}
	e, err := New(gen, backend, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func constCounter(cost int) memory.TokenCounter {
	return memory.TokenCounterFunc(func(string) int { return cost })
}

func smallBuffer(limit, cost int) []Option {
	cfg := memory.DefaultConfig()
	cfg.TokenLimit = limit
	return []Option{WithConfig(cfg), WithTokenCounter(constCounter(cost))}
}

func TestEngine_RespondStreamsAndRemembers(t *testing.T) {
	e := newEngine(t, replyWith("nice to meet you"), newBackend(t, t.TempDir()))

	var chunks []string
	out, err := e.Respond(context.Background(), &Input{
		ConversationID: "c1",
		Message:        "hi, I'm Sam",
		StreamCallback: func(c string) { chunks = append(chunks, c) },
	})
	require.NoError(t, err)
	assert.Equal(t, "nice to meet you", out.Text)
	assert.Equal(t, "nice to meet you", strings.Join(chunks, ""))

	view, err := e.Inspect(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, view.Turns, 2)
	assert.Equal(t, core.RoleHuman, view.Turns[0].Role)
	assert.Equal(t, "hi, I'm Sam", view.Turns[0].Content)
	assert.Equal(t, core.RoleAssistant, view.Turns[1].Role)
	assert.Equal(t, "loaded", view.State)
}

func TestEngine_NonexistentConversationIsEmpty(t *testing.T) {
	e := newEngine(t, replyWith("x"), newBackend(t, t.TempDir()))
	view, err := e.Inspect(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Empty(t, view.Turns)
	assert.Empty(t, view.Documents)
	assert.Equal(t, 0, view.Tokens)
}

func TestEngine_RejectsBadInput(t *testing.T) {
	e := newEngine(t, replyWith("x"), newBackend(t, t.TempDir()))
	_, err := e.Respond(context.Background(), &Input{ConversationID: "../x", Message: "hi"})
	assert.ErrorIs(t, err, core.ErrInvalidConversationID)
	_, err = e.Respond(context.Background(), &Input{ConversationID: "ok", Message: "  "})
	assert.Error(t, err)
}

func TestEngine_GenerationFailureLeavesStateUntouched(t *testing.T) {
	fail := atomic.Bool{}
	gen := llm.GeneratorFunc(func(context.Context, llm.Request, func(string)) (string, error) {
		if fail.Load() {
			return "", core.Transient("model", errors.New("overloaded"))
		}
		return "fine", nil
	})
	e := newEngine(t, gen, newBackend(t, t.TempDir()), smallBuffer(50, 15)...)
	ctx := context.Background()

	_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "one"})
	require.NoError(t, err)
	before, err := e.Inspect(ctx, "c")
	require.NoError(t, err)

	fail.Store(true)
	_, err = e.Respond(ctx, &Input{ConversationID: "c", Message: "two"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransient)

	after, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEngine_CancellationLeavesStateUntouched(t *testing.T) {
	started := make(chan struct{})
	gen := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request, onToken func(string)) (string, error) {
		onToken("partial ")
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := newEngine(t, gen, newBackend(t, t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "hello", StreamCallback: func(string) {}})
	assert.ErrorIs(t, err, context.Canceled)

	view, err := e.Inspect(context.Background(), "c")
	require.NoError(t, err)
	assert.Empty(t, view.Turns)
	assert.Empty(t, view.Documents)
}

func TestEngine_SameConversationIsSerialized(t *testing.T) {
	var active, peak int32
	gen := llm.GeneratorFunc(func(context.Context, llm.Request, func(string)) (string, error) {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "ok", nil
	})
	e := newEngine(t, gen, newBackend(t, t.TempDir()), smallBuffer(10000, 1)...)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Respond(context.Background(), &Input{ConversationID: "shared", Message: "msg"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	view, err := e.Inspect(context.Background(), "shared")
	require.NoError(t, err)
	assert.Len(t, view.Turns, 16)
}

func TestEngine_DifferentConversationsRunConcurrently(t *testing.T) {
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()

	gen := llm.GeneratorFunc(func(ctx context.Context, _ llm.Request, _ func(string)) (string, error) {
		entered.Done()
		select {
		case <-both:
			return "ok", nil
		case <-time.After(5 * time.Second):
			return "", errors.New("conversations did not overlap")
		}
	})
	e := newEngine(t, gen, newBackend(t, t.TempDir()))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := e.Respond(context.Background(), &Input{ConversationID: id, Message: "hi"})
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()
}

func TestEngine_EvictionCreatesSummaries(t *testing.T) {
	e := newEngine(t, replyWith("noted"), newBackend(t, t.TempDir()), smallBuffer(50, 15)...)
	ctx := context.Background()

	out, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "my sister is Ana"})
	require.NoError(t, err)
	assert.Equal(t, 0, out.Evicted)

	out, err = e.Respond(ctx, &Input{ConversationID: "c", Message: "I like jazz"})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Evicted)
	assert.Equal(t, 1, out.Summaries)
	assert.Equal(t, 45, out.BufferTokens)

	view, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	require.Len(t, view.Documents, 1)
	doc := view.Documents[0]
	assert.Equal(t, "Human said: my sister is Ana", doc.Content)
	assert.Equal(t, memory.SourceSummary, doc.Metadata[memory.MetaSource])
	assert.NotEmpty(t, doc.Metadata[memory.MetaBatch])
	assert.Equal(t, 1, view.IndexCount)
	require.Len(t, view.Turns, 3)
	assert.Equal(t, "noted", view.Turns[0].Content)
}

func TestEngine_SummarizerFailureDropsEvictedTurns(t *testing.T) {
	failing := summarizerFunc(func(context.Context, []core.Turn) ([]string, error) {
		return nil, errors.New("summary model down")
	})
	opts := append(smallBuffer(50, 15), WithSummarizer(failing))
	e := newEngine(t, replyWith("ok"), newBackend(t, t.TempDir()), opts...)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "msg"})
		require.NoError(t, err)
	}
	view, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, view.Documents)
	assert.Len(t, view.Turns, 3)
}

type summarizerFunc func(context.Context, []core.Turn) ([]string, error)

func (f summarizerFunc) Summarize(ctx context.Context, turns []core.Turn) ([]string, error) {
	return f(ctx, turns)
}

func TestEngine_PersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newEngine(t, replyWith("got it"), newBackend(t, dir), smallBuffer(50, 15)...)
	for _, msg := range []string{"I'm allergic to peanuts", "I live in Oslo", "I have two kids"} {
		_, err := first.Respond(ctx, &Input{ConversationID: "family", Message: msg})
		require.NoError(t, err)
	}
	n, err := first.Ingest(ctx, "family", []string{"Birthday is 3 May"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	want, err := first.Inspect(ctx, "family")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := newEngine(t, replyWith("x"), newBackend(t, dir), smallBuffer(50, 15)...)
	got, err := second.Inspect(ctx, "family")
	require.NoError(t, err)

	assert.Equal(t, len(want.Turns), len(got.Turns))
	for i := range want.Turns {
		assert.Equal(t, want.Turns[i].Content, got.Turns[i].Content)
		assert.True(t, want.Turns[i].Timestamp.Equal(got.Turns[i].Timestamp))
	}
	require.Equal(t, len(want.Documents), len(got.Documents))
	for i := range want.Documents {
		assert.Equal(t, want.Documents[i].Content, got.Documents[i].Content)
		assert.True(t, want.Documents[i].LastAccessedAt.Equal(got.Documents[i].LastAccessedAt))
	}
	assert.Equal(t, len(got.Documents), got.IndexCount)

	ids, err := second.Conversations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"family"}, ids)
}

func TestEngine_RetrievedMemoriesReachPromptAndAreTouched(t *testing.T) {
	var last llm.Request
	gen := llm.GeneratorFunc(func(_ context.Context, req llm.Request, _ func(string)) (string, error) {
		last = req
		return "Miso", nil
	})
	e := newEngine(t, gen, newBackend(t, t.TempDir()))
	ctx := context.Background()

	_, err := e.Ingest(ctx, "c", []string{"The user's cat is called Miso"})
	require.NoError(t, err)
	before, err := e.Inspect(ctx, "c")
	require.NoError(t, err)

	out, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "what is my cat called?", SystemPrompt: "be kind"})
	require.NoError(t, err)
	require.Len(t, out.Memories, 1)

	assert.Equal(t, "be kind", last.System)
	prompt := last.Messages[len(last.Messages)-1].Content
	assert.Contains(t, prompt, "The user's cat is called Miso")
	assert.Contains(t, prompt, "what is my cat called?")
	assert.Contains(t, prompt, NoInformation)

	after, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	assert.True(t, after.Documents[0].LastAccessedAt.After(before.Documents[0].LastAccessedAt))
	assert.True(t, after.Documents[0].CreatedAt.Equal(before.Documents[0].CreatedAt))
}

func TestEngine_AugmenterFeedsPrompt(t *testing.T) {
	var last llm.Request
	gen := llm.GeneratorFunc(func(_ context.Context, req llm.Request, _ func(string)) (string, error) {
		last = req
		return "sunny", nil
	})
	aug := AugmenterFunc(func(_ context.Context, msg string) (string, error) {
		return "forecast: sunny, 21C", nil
	})
	e := newEngine(t, gen, newBackend(t, t.TempDir()), WithAugmenter(aug))

	_, err := e.Respond(context.Background(), &Input{ConversationID: "c", Message: "weather?"})
	require.NoError(t, err)
	assert.Contains(t, last.Messages[len(last.Messages)-1].Content, "forecast: sunny, 21C")
}

// flakyBackend fails saves on demand.
type flakyBackend struct {
	memory.PersistenceBackend
	failSave atomic.Bool
}

func (f *flakyBackend) Save(ctx context.Context, id string, snap *memory.Snapshot) error {
	if f.failSave.Load() {
		return errors.New("disk full")
	}
	return f.PersistenceBackend.Save(ctx, id, snap)
}

func TestEngine_PersistFailureReloadsLastGoodState(t *testing.T) {
	backend := &flakyBackend{PersistenceBackend: newBackend(t, t.TempDir())}
	e := newEngine(t, replyWith("ok"), backend)
	ctx := context.Background()

	_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "first"})
	require.NoError(t, err)

	backend.failSave.Store(true)
	_, err = e.Respond(ctx, &Input{ConversationID: "c", Message: "second"})
	assert.ErrorIs(t, err, core.ErrTransient)

	backend.failSave.Store(false)
	view, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	require.Len(t, view.Turns, 2)
	assert.Equal(t, "first", view.Turns[0].Content)
}

func TestEngine_CorruptSnapshotPolicy(t *testing.T) {
	ctx := context.Background()
	corrupt := &memory.Snapshot{Buffer: []byte("{broken"), Stream: []byte("[]")}

	t.Run("fail", func(t *testing.T) {
		backend := newBackend(t, t.TempDir())
		require.NoError(t, backend.Save(ctx, "c", corrupt))
		e := newEngine(t, replyWith("ok"), backend)

		_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "hi"})
		assert.ErrorIs(t, err, core.ErrCorruptState)
	})

	t.Run("reset", func(t *testing.T) {
		backend := newBackend(t, t.TempDir())
		require.NoError(t, backend.Save(ctx, "c", corrupt))
		cfg := memory.DefaultConfig()
		cfg.CorruptPolicy = memory.CorruptReset
		e := newEngine(t, replyWith("ok"), backend, WithConfig(cfg))

		_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "hi"})
		require.NoError(t, err)
		view, err := e.Inspect(ctx, "c")
		require.NoError(t, err)
		assert.Len(t, view.Turns, 2)
	})
}

func TestEngine_IndexRebuiltWhenSnapshotLacksIt(t *testing.T) {
	ctx := context.Background()
	backend := newBackend(t, t.TempDir())

	stream := memory.NewStream()
	d1 := memory.NewDocument("likes tea", nil)
	d1.Embedding = []float32{1, 0, 0}
	d2 := memory.NewDocument("hates coffee", nil)
	d2.Embedding = []float32{0, 1, 0}
	stream.Append([]memory.Document{d1, d2}, epoch)
	streamData, err := stream.Snapshot()
	require.NoError(t, err)
	require.NoError(t, backend.Save(ctx, "c", &memory.Snapshot{Buffer: []byte(`{"turns":[]}`), Stream: streamData}))

	e := newEngine(t, replyWith("ok"), backend)
	view, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, view.Documents, 2)
	assert.Equal(t, 2, view.IndexCount)
}

func TestEngine_Forget(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, replyWith("ok"), newBackend(t, t.TempDir()))
	_, err := e.Respond(ctx, &Input{ConversationID: "c", Message: "remember me"})
	require.NoError(t, err)

	require.NoError(t, e.Forget(ctx, "c"))
	view, err := e.Inspect(ctx, "c")
	require.NoError(t, err)
	assert.Empty(t, view.Turns)
}
