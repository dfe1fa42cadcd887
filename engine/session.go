package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateUninitialized: created, not yet loaded from storage.
	StateUninitialized State = iota
	// StateLoaded: ready for a turn.
	StateLoaded
	// StateResponding: a turn is in progress.
	StateResponding
	// StateInvalid: in-memory state may disagree with storage; the session
	// must be discarded and reloaded.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLoaded:
		return "loaded"
	case StateResponding:
		return "responding"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Session is the memory of one conversation: the short-term buffer and the
// long-term manager. A Session is not safe for concurrent use; the Registry
// hands it to one caller at a time.
type Session struct {
	id      string
	engine  *Engine
	buffer  *memory.TokenBuffer
	manager *memory.Manager
	logger  *slog.Logger

	state State
}

// ID returns the conversation id.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32((*int32)(&s.state)))
}

func (s *Session) setState(st State) {
	atomic.StoreInt32((*int32)(&s.state), int32(st))
}

func (s *Session) invalidate() {
	s.setState(StateInvalid)
}

// Respond runs one turn. Retrieval ranking, augmentation and generation
// happen before any mutation; eviction, summarization and embedding are
// staged on copies; only then is everything committed and persisted. A
// failure or cancellation before the commit leaves the session unchanged.
func (s *Session) Respond(ctx context.Context, in *Input) (*Output, error) {
	if st := s.State(); st != StateLoaded {
		return nil, fmt.Errorf("engine: session %s is %s", s.id, st)
	}
	s.setState(StateResponding)
	defer func() {
		if s.State() == StateResponding {
			s.setState(StateLoaded)
		}
	}()

	e := s.engine
	now := e.clock()

	scored := s.manager.Retriever().Rank(ctx, in.Message, now)
	relevant := s.manager.Format(scored, in.Message)
	information := e.augment(ctx, in.Message)

	req, err := buildRequest(in, s.buffer.Turns(), relevant, information, now)
	if err != nil {
		return nil, err
	}

	text, err := e.gen.Generate(ctx, req, in.StreamCallback)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("engine: generation canceled: %w", ctxErr)
		}
		return nil, fmt.Errorf("engine: generate: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: canceled after generation: %w", err)
	}

	// stage
	staged := s.buffer.Clone()
	var evicted []core.Turn
	evicted = append(evicted, staged.Append(core.NewTurn(core.RoleHuman, in.Message, now))...)
	evicted = append(evicted, staged.Append(core.NewTurn(core.RoleAssistant, text, e.clock()))...)

	docs := s.summarize(ctx, evicted)
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: canceled before commit: %w", err)
	}

	// commit
	s.manager.Retriever().Touch(scored, now)
	if _, err := s.manager.Commit(ctx, docs, now); err != nil {
		s.invalidate()
		return nil, fmt.Errorf("engine: commit: %w", err)
	}
	s.buffer = staged
	if err := s.validate(); err != nil {
		s.invalidate()
		return nil, err
	}

	if err := s.save(context.WithoutCancel(ctx), now); err != nil {
		s.invalidate()
		return nil, err
	}

	s.logger.Info("engine: turn committed",
		"memories", len(scored),
		"evicted", len(evicted),
		"summaries", len(docs),
		"buffer_tokens", s.buffer.Tokens(),
		"documents", s.manager.Stream().Len(),
	)
	return &Output{
		Text:         text,
		Memories:     scored,
		Evicted:      len(evicted),
		Summaries:    len(docs),
		BufferTokens: s.buffer.Tokens(),
	}, nil
}

// summarize turns evicted turns into embedded, unappended documents. A
// summarizer or embedder failure drops the batch with a warning: the turn
// itself still succeeds.
func (s *Session) summarize(ctx context.Context, evicted []core.Turn) []memory.Document {
	if len(evicted) == 0 {
		return nil
	}
	notes, err := s.engine.summarizer.Summarize(ctx, evicted)
	if err != nil {
		s.logger.Warn("engine: summarize evicted turns failed, dropping them",
			"turns", len(evicted), "err", err)
		return nil
	}
	if len(notes) == 0 {
		return nil
	}

	batch := uuid.NewString()
	docs, err := s.manager.Prepare(ctx, notes, map[string]string{
		memory.MetaSource: memory.SourceSummary,
		memory.MetaBatch:  batch,
	})
	if err != nil {
		s.logger.Warn("engine: embed summaries failed, dropping them",
			"turns", len(evicted), "notes", len(notes), "err", err)
		return nil
	}
	s.logger.Debug("engine: summarized evicted turns",
		"turns", len(evicted), "notes", len(docs), "batch", batch)
	return docs
}

// Ingest embeds and stores texts as long-term memories, then persists.
func (s *Session) Ingest(ctx context.Context, texts []string) (int, error) {
	if st := s.State(); st != StateLoaded {
		return 0, fmt.Errorf("engine: session %s is %s", s.id, st)
	}
	now := s.engine.clock()

	docs, err := s.manager.Prepare(ctx, texts, map[string]string{memory.MetaSource: memory.SourceIngest})
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if _, err := s.manager.Commit(ctx, docs, now); err != nil {
		s.invalidate()
		return 0, err
	}
	if err := s.validate(); err != nil {
		s.invalidate()
		return 0, err
	}
	if err := s.save(context.WithoutCancel(ctx), now); err != nil {
		s.invalidate()
		return 0, err
	}
	s.logger.Info("engine: ingested documents", "count", len(docs))
	return len(docs), nil
}

func (s *Session) validate() error {
	if err := s.buffer.Validate(); err != nil {
		return err
	}
	return s.manager.Validate()
}

// save writes a full snapshot. An index that cannot be serialized is left
// out; it is rebuilt from the stream on load.
func (s *Session) save(ctx context.Context, now time.Time) error {
	bufferData, err := s.buffer.Snapshot()
	if err != nil {
		return err
	}
	streamData, err := s.manager.Stream().Snapshot()
	if err != nil {
		return err
	}
	indexData, err := s.manager.Index().Snapshot()
	if err != nil {
		s.logger.Warn("engine: index snapshot failed, saving without it", "err", err)
		indexData = nil
	}

	snap := &memory.Snapshot{
		Buffer:  bufferData,
		Stream:  streamData,
		Index:   indexData,
		SavedAt: now,
	}
	if err := s.engine.backend.Save(ctx, s.id, snap); err != nil {
		return core.Transient("engine: persist "+s.id, err)
	}
	return nil
}

// SessionView is a read-only snapshot of a conversation for inspection.
type SessionView struct {
	ID         string         `json:"id"`
	State      string         `json:"state"`
	Turns      []core.Turn    `json:"turns"`
	Tokens     int            `json:"tokens"`
	TokenLimit int            `json:"token_limit"`
	Documents  []DocumentView `json:"documents"`
	IndexCount int            `json:"index_count"`
}

// DocumentView is a long-term memory without its embedding.
type DocumentView struct {
	ID             int               `json:"id"`
	Content        string            `json:"content"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// View builds a SessionView.
func (s *Session) View() *SessionView {
	docs := s.manager.Stream().Documents()
	views := make([]DocumentView, len(docs))
	for i, d := range docs {
		views[i] = DocumentView{
			ID:             d.ID,
			Content:        d.Content,
			CreatedAt:      d.CreatedAt,
			LastAccessedAt: d.LastAccessedAt,
			Metadata:       d.Metadata,
		}
	}
	return &SessionView{
		ID:         s.id,
		State:      s.State().String(),
		Turns:      s.buffer.Turns(),
		Tokens:     s.buffer.Tokens(),
		TokenLimit: s.buffer.Limit(),
		Documents:  views,
		IndexCount: s.manager.Index().Count(),
	}
}
