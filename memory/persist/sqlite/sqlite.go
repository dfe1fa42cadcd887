// Package sqlite stores conversation snapshots in a single SQLite database.
// One row holds every part of a snapshot, so a save is one statement in one
// transaction and readers never see a partial write.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

//go:embed schema.sql
var schema string

// Backend implements memory.PersistenceBackend.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ memory.PersistenceBackend = (*Backend)(nil)

// Open opens (or creates) the database at path. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	// SQLite is single-writer; one connection lets database/sql serialize
	// callers instead of fighting over the write lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}

	logger.Debug("sqlite: snapshot store opened", "path", path)
	return &Backend{db: db, logger: logger}, nil
}

// Save upserts the snapshot for id.
func (b *Backend) Save(ctx context.Context, id string, snap *memory.Snapshot) error {
	if err := memory.ValidateConversationID(id); err != nil {
		return err
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (conversation_id, buffer, stream, vector_index, saved_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			buffer = excluded.buffer,
			stream = excluded.stream,
			vector_index = excluded.vector_index,
			saved_at = excluded.saved_at,
			generation = snapshots.generation + 1`,
		id,
		nonNil(snap.Buffer),
		nonNil(snap.Stream),
		snap.Index,
		savedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit %s: %w", id, err)
	}

	b.logger.Debug("sqlite: saved snapshot",
		"conversation_id", id,
		"buffer_bytes", len(snap.Buffer),
		"stream_bytes", len(snap.Stream),
		"index_bytes", len(snap.Index),
	)
	return nil
}

// Load returns the snapshot for id, or (nil, nil) when there is none.
func (b *Backend) Load(ctx context.Context, id string) (*memory.Snapshot, error) {
	if err := memory.ValidateConversationID(id); err != nil {
		return nil, err
	}

	var (
		snap    memory.Snapshot
		savedAt string
	)
	err := b.db.QueryRowContext(ctx, `
		SELECT buffer, stream, vector_index, saved_at
		FROM snapshots WHERE conversation_id = ?`, id,
	).Scan(&snap.Buffer, &snap.Stream, &snap.Index, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load %s: %w", id, err)
	}

	snap.SavedAt, err = time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: sqlite: saved_at %q: %v", core.ErrCorruptState, savedAt, err)
	}
	return &snap, nil
}

// Delete removes the snapshot for id.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := memory.ValidateConversationID(id); err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, `DELETE FROM snapshots WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	return nil
}

// List returns stored ids in lexical order.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT conversation_id FROM snapshots ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
