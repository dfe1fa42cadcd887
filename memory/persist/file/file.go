// Package file stores conversation snapshots on the local filesystem.
//
// Layout:
//
//	<root>/<conversation id>/
//	    CURRENT                 name of the live snapshot directory
//	    snap-<uuid>/
//	        buffer.json
//	        stream.json
//	        index.gob
//	        meta.json
//
// A save writes a complete new snapshot directory, then atomically replaces
// CURRENT (write temp file, fsync, rename). Readers follow CURRENT and so see
// either the previous or the new snapshot, never a mix. Old snapshot
// directories are removed after the switch.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
)

const (
	currentFile = "CURRENT"
	snapPrefix  = "snap-"

	bufferFile = "buffer.json"
	streamFile = "stream.json"
	indexFile  = "index.gob"
	metaFile   = "meta.json"
)

type meta struct {
	SavedAt time.Time `json:"saved_at"`
}

// Backend implements memory.PersistenceBackend.
type Backend struct {
	root   string
	logger *slog.Logger

	// guards CURRENT switches and cleanup within this process
	mu sync.Mutex
}

var _ memory.PersistenceBackend = (*Backend)(nil)

// New creates a backend rooted at dir, creating it if needed.
func New(dir string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	return &Backend{root: dir, logger: logger}, nil
}

// Save writes snap as the new current snapshot for id.
func (b *Backend) Save(ctx context.Context, id string, snap *memory.Snapshot) error {
	if err := memory.ValidateConversationID(id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}

	convDir := filepath.Join(b.root, id)
	name := snapPrefix + uuid.NewString()
	snapDir := filepath.Join(convDir, name)
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return fmt.Errorf("file store: create %s: %w", snapDir, err)
	}

	metaJSON, err := json.Marshal(meta{SavedAt: savedAt.UTC()})
	if err != nil {
		return fmt.Errorf("file store: marshal meta: %w", err)
	}
	parts := []struct {
		name string
		data []byte
	}{
		{bufferFile, snap.Buffer},
		{streamFile, snap.Stream},
		{indexFile, snap.Index},
		{metaFile, metaJSON},
	}
	for _, p := range parts {
		if err := writeFileSync(filepath.Join(snapDir, p.name), p.data); err != nil {
			os.RemoveAll(snapDir)
			return fmt.Errorf("file store: write %s: %w", p.name, err)
		}
	}
	if err := syncDir(snapDir); err != nil {
		os.RemoveAll(snapDir)
		return fmt.Errorf("file store: sync %s: %w", snapDir, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.switchCurrent(convDir, name); err != nil {
		os.RemoveAll(snapDir)
		return err
	}
	b.removeStale(convDir, name)

	b.logger.Debug("file store: saved snapshot",
		"conversation_id", id,
		"snapshot", name,
		"stream_bytes", len(snap.Stream),
		"index_bytes", len(snap.Index),
	)
	return nil
}

func (b *Backend) switchCurrent(convDir, name string) error {
	tmp, err := os.CreateTemp(convDir, currentFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: create temp pointer: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(name + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file store: write pointer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("file store: sync pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: close pointer: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(convDir, currentFile)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("file store: switch pointer: %w", err)
	}
	return syncDir(convDir)
}

// removeStale deletes snapshot directories other than keep. Failures only
// cost disk space, so they are logged.
func (b *Backend) removeStale(convDir, keep string) {
	entries, err := os.ReadDir(convDir)
	if err != nil {
		b.logger.Warn("file store: list snapshots", "dir", convDir, "err", err)
		return
	}
	for _, e := range entries {
		stale := e.IsDir() && strings.HasPrefix(e.Name(), snapPrefix) && e.Name() != keep
		tmp := !e.IsDir() && strings.HasPrefix(e.Name(), currentFile+".tmp-")
		if !stale && !tmp {
			continue
		}
		if err := os.RemoveAll(filepath.Join(convDir, e.Name())); err != nil {
			b.logger.Warn("file store: remove stale snapshot", "path", e.Name(), "err", err)
		}
	}
}

// Load reads the current snapshot for id, or returns (nil, nil) when the
// conversation has never been saved.
func (b *Backend) Load(ctx context.Context, id string) (*memory.Snapshot, error) {
	if err := memory.ValidateConversationID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	convDir := filepath.Join(b.root, id)
	pointer, err := os.ReadFile(filepath.Join(convDir, currentFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file store: read pointer: %w", err)
	}
	name := strings.TrimSpace(string(pointer))
	if !strings.HasPrefix(name, snapPrefix) || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: file store: bad pointer %q", core.ErrCorruptState, name)
	}
	snapDir := filepath.Join(convDir, name)

	read := func(file string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(snapDir, file))
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: file store: %s/%s missing", core.ErrCorruptState, name, file)
		}
		if err != nil {
			return nil, fmt.Errorf("file store: read %s: %w", file, err)
		}
		return data, nil
	}

	var snap memory.Snapshot
	if snap.Buffer, err = read(bufferFile); err != nil {
		return nil, err
	}
	if snap.Stream, err = read(streamFile); err != nil {
		return nil, err
	}
	if snap.Index, err = read(indexFile); err != nil {
		return nil, err
	}
	metaJSON, err := read(metaFile)
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(metaJSON, &m); err != nil {
		return nil, fmt.Errorf("%w: file store: decode meta: %v", core.ErrCorruptState, err)
	}
	snap.SavedAt = m.SavedAt
	return &snap, nil
}

// Delete removes every snapshot of id.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := memory.ValidateConversationID(id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.RemoveAll(filepath.Join(b.root, id)); err != nil {
		return fmt.Errorf("file store: delete %s: %w", id, err)
	}
	return nil
}

// List returns ids that have a CURRENT pointer.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, fmt.Errorf("file store: list %s: %w", b.root, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(b.root, e.Name(), currentFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
