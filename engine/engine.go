package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/llm"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
)

// DefaultMaxSessions bounds the number of conversations kept in memory.
const DefaultMaxSessions = 10

// Engine answers conversation turns with a two-tier memory: a token-bounded
// buffer of recent turns and a persisted long-term stream searched by
// salience. Work on one conversation id is serialized; different ids run
// concurrently.
type Engine struct {
	gen        llm.Generator
	backend    memory.PersistenceBackend
	embedder   memory.Embedder
	summarizer memory.Summarizer
	counter    memory.TokenCounter
	newIndex   memory.IndexFactory
	config     *memory.Config
	augmenter  Augmenter
	logger     *slog.Logger
	clock      func() time.Time

	maxSessions int64
	registry    *Registry
}

// Option configures the engine.
type Option func(*Engine)

// WithEmbedder sets the embedder for long-term memory. Default: the
// deterministic mock embedder.
func WithEmbedder(emb memory.Embedder) Option {
	return func(e *Engine) {
		e.embedder = emb
	}
}

// WithSummarizer sets how evicted turns become long-term memories. Default:
// an llm.Summarizer on the engine's generator.
func WithSummarizer(s memory.Summarizer) Option {
	return func(e *Engine) {
		e.summarizer = s
	}
}

// WithTokenCounter sets the short-term buffer's token counter.
func WithTokenCounter(c memory.TokenCounter) Option {
	return func(e *Engine) {
		e.counter = c
	}
}

// WithIndexFactory sets the constructor for per-conversation vector indexes.
// Default: chromem.
func WithIndexFactory(f memory.IndexFactory) Option {
	return func(e *Engine) {
		e.newIndex = f
	}
}

// WithConfig sets memory configuration.
func WithConfig(cfg *memory.Config) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithAugmenter sets the side-channel that supplies "other information" for
// the prompt.
func WithAugmenter(a Augmenter) Option {
	return func(e *Engine) {
		e.augmenter = a
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = now
	}
}

// WithMaxSessions bounds the in-memory session cache.
func WithMaxSessions(n int) Option {
	return func(e *Engine) {
		e.maxSessions = int64(n)
	}
}

// New creates an engine that generates with gen and persists to backend.
func New(gen llm.Generator, backend memory.PersistenceBackend, opts ...Option) (*Engine, error) {
	if gen == nil {
		return nil, errors.New("engine: generator is required")
	}
	if backend == nil {
		return nil, errors.New("engine: persistence backend is required")
	}
	e := &Engine{
		gen:         gen,
		backend:     backend,
		counter:     memory.HeuristicCounter{},
		newIndex:    chromem.Factory,
		config:      memory.DefaultConfig(),
		logger:      slog.Default(),
		clock:       time.Now,
		maxSessions: DefaultMaxSessions,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.config == nil {
		e.config = memory.DefaultConfig()
	}
	if err := e.config.Validate(); err != nil {
		return nil, err
	}
	if e.embedder == nil {
		e.embedder = mock.New(0)
	}
	if e.summarizer == nil {
		e.summarizer = llm.NewSummarizer(gen, llm.WithSummaryLogger(e.logger))
	}

	registry, err := NewRegistry(e.maxSessions, e.loadSession, e.logger)
	if err != nil {
		return nil, err
	}
	e.registry = registry
	return e, nil
}

// Input is one user turn.
type Input struct {
	// ConversationID selects the conversation. Required.
	ConversationID string

	// SystemPrompt is the system prompt. Empty uses DefaultSystemPrompt.
	SystemPrompt string

	// Message is the user's message. Required.
	Message string

	// Model, Temperature, MaxTokens and Timeout are passed to the generator.
	Model       string
	Temperature *float64
	MaxTokens   int64
	Timeout     time.Duration

	// StreamCallback receives response fragments as they are generated.
	StreamCallback func(chunk string)
}

// Output is the result of a committed turn.
type Output struct {
	// Text is the assistant's full reply.
	Text string

	// Memories are the long-term memories that informed the reply, with the
	// access time set by this turn.
	Memories []memory.Scored

	// Evicted is the number of turns that left the short-term buffer.
	Evicted int

	// Summaries is the number of long-term memories created from them.
	Summaries int

	// BufferTokens is the short-term buffer's token total after the turn.
	BufferTokens int
}

// Respond answers in.Message within its conversation. On any error the
// conversation state is as it was before the call.
func (e *Engine) Respond(ctx context.Context, in *Input) (*Output, error) {
	if in == nil || strings.TrimSpace(in.Message) == "" {
		return nil, errors.New("engine: empty message")
	}
	if err := memory.ValidateConversationID(in.ConversationID); err != nil {
		return nil, err
	}

	var out *Output
	err := e.withSession(ctx, in.ConversationID, func(s *Session) error {
		var err error
		out, err = s.Respond(ctx, in)
		return err
	})
	return out, err
}

// Ingest adds texts to the conversation's long-term memory.
func (e *Engine) Ingest(ctx context.Context, id string, texts []string) (int, error) {
	if err := memory.ValidateConversationID(id); err != nil {
		return 0, err
	}
	var n int
	err := e.withSession(ctx, id, func(s *Session) error {
		var err error
		n, err = s.Ingest(ctx, texts)
		return err
	})
	return n, err
}

// Inspect returns a read-only view of a conversation. A conversation that
// has never been used is returned empty.
func (e *Engine) Inspect(ctx context.Context, id string) (*SessionView, error) {
	if err := memory.ValidateConversationID(id); err != nil {
		return nil, err
	}
	var view *SessionView
	err := e.withSession(ctx, id, func(s *Session) error {
		view = s.View()
		return nil
	})
	return view, err
}

// Forget deletes a conversation from memory and storage.
func (e *Engine) Forget(ctx context.Context, id string) error {
	if err := memory.ValidateConversationID(id); err != nil {
		return err
	}
	unlock, err := e.registry.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	e.registry.Evict(id)
	if err := e.backend.Delete(ctx, id); err != nil {
		return fmt.Errorf("engine: forget %s: %w", id, err)
	}
	e.logger.Info("engine: forgot conversation", "conversation_id", id)
	return nil
}

// Conversations lists the persisted conversation ids.
func (e *Engine) Conversations(ctx context.Context) ([]string, error) {
	return e.backend.List(ctx)
}

// Close releases the session cache. The backend is owned by the caller.
func (e *Engine) Close() error {
	e.registry.Close()
	return nil
}

func (e *Engine) withSession(ctx context.Context, id string, fn func(*Session) error) error {
	s, release, err := e.registry.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	err = fn(s)
	if s.State() == StateInvalid {
		e.registry.Evict(id)
		e.logger.Warn("engine: session invalidated, next use reloads from storage",
			"conversation_id", id, "err", err)
	}
	return err
}

// loadSession restores a conversation from the backend, applying the
// corrupt-state policy.
func (e *Engine) loadSession(ctx context.Context, id string) (*Session, error) {
	snap, err := e.backend.Load(ctx, id)
	if err != nil && !errors.Is(err, core.ErrCorruptState) {
		return nil, fmt.Errorf("engine: load %s: %w", id, err)
	}

	var s *Session
	if err == nil && snap != nil {
		s, err = e.restoreSession(ctx, id, snap)
		if err != nil && !errors.Is(err, core.ErrCorruptState) {
			return nil, err
		}
	}
	if err != nil {
		if e.config.CorruptPolicy != memory.CorruptReset {
			return nil, fmt.Errorf("engine: load %s: %w", id, err)
		}
		e.logger.Warn("engine: corrupt snapshot, starting conversation empty",
			"conversation_id", id, "err", err)
		s = nil
	}
	if s == nil {
		s, err = e.newSession(id, nil, nil)
		if err != nil {
			return nil, err
		}
		e.logger.Debug("engine: new conversation", "conversation_id", id)
	}
	s.state = StateLoaded
	return s, nil
}

func (e *Engine) restoreSession(ctx context.Context, id string, snap *memory.Snapshot) (*Session, error) {
	buffer := memory.NewTokenBuffer(e.config.TokenLimit, e.counter)
	if err := buffer.Restore(snap.Buffer); err != nil {
		return nil, err
	}
	stream, err := memory.RestoreStream(snap.Stream)
	if err != nil {
		return nil, err
	}

	s, err := e.newSession(id, buffer, stream)
	if err != nil {
		return nil, err
	}
	restored := len(snap.Index) > 0
	if restored {
		if err := s.manager.Index().Restore(snap.Index); err != nil {
			e.logger.Warn("engine: unreadable index snapshot, rebuilding",
				"conversation_id", id, "err", err)
			restored = false
		}
	}
	if !restored || s.manager.Index().Count() != stream.Len() {
		// the stream carries every embedding; the index is derived from it
		if s, err = e.newSession(id, buffer, stream); err != nil {
			return nil, err
		}
		if err := s.manager.Rebuild(ctx); err != nil {
			return nil, fmt.Errorf("engine: rebuild index for %s: %w", id, err)
		}
	}

	e.logger.Debug("engine: restored conversation",
		"conversation_id", id,
		"turns", buffer.Len(),
		"documents", stream.Len(),
		"saved_at", snap.SavedAt,
	)
	return s, nil
}

func (e *Engine) newSession(id string, buffer *memory.TokenBuffer, stream *memory.Stream) (*Session, error) {
	index, err := e.newIndex()
	if err != nil {
		return nil, fmt.Errorf("engine: create index: %w", err)
	}
	if buffer == nil {
		buffer = memory.NewTokenBuffer(e.config.TokenLimit, e.counter)
	}
	logger := e.logger.With("conversation_id", id)
	return &Session{
		id:      id,
		engine:  e,
		buffer:  buffer,
		manager: memory.NewManager(stream, index, e.embedder, e.config, logger),
		logger:  logger,
	}, nil
}

// DefaultSystemPrompt is used when the input has none.
const DefaultSystemPrompt = `You are a helpful assistant with a long memory.

GUIDELINES:
- Be conversational and concise
- Use the pieces of past conversation you are given when they help, and ignore them when they do not
- Never claim to remember something that is not in the conversation or the provided memories
- Ask a clarifying question when the request is ambiguous`
