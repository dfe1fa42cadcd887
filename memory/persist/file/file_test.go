package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/core"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/persist/persisttest"
)

func TestBackend(t *testing.T) {
	persisttest.Run(t, func(t *testing.T) memory.PersistenceBackend {
		b, err := New(t.TempDir(), nil)
		require.NoError(t, err)
		return b
	})
}

func snapshotDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), snapPrefix) {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestBackend_KeepsOnlyCurrentSnapshot(t *testing.T) {
	root := t.TempDir()
	b, err := New(root, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Save(ctx, "c", &memory.Snapshot{Buffer: []byte{byte(i)}, Stream: []byte("[]")}))
	}

	dirs := snapshotDirs(t, filepath.Join(root, "c"))
	require.Len(t, dirs, 1)
	pointer, err := os.ReadFile(filepath.Join(root, "c", currentFile))
	require.NoError(t, err)
	assert.Equal(t, dirs[0], strings.TrimSpace(string(pointer)))
}

// A crash after writing a new snapshot directory but before switching CURRENT
// leaves the previous snapshot readable.
func TestBackend_UnswitchedSnapshotIsIgnored(t *testing.T) {
	root := t.TempDir()
	b, err := New(root, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "c", &memory.Snapshot{Buffer: []byte("good"), Stream: []byte("[]")}))

	orphan := filepath.Join(root, "c", snapPrefix+"orphan")
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, bufferFile), []byte("half"), 0o644))

	snap, err := b.Load(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("good"), snap.Buffer)

	// the next save cleans the orphan up
	require.NoError(t, b.Save(ctx, "c", &memory.Snapshot{Buffer: []byte("next"), Stream: []byte("[]")}))
	assert.Len(t, snapshotDirs(t, filepath.Join(root, "c")), 1)
}

func TestBackend_MissingPartIsCorrupt(t *testing.T) {
	root := t.TempDir()
	b, err := New(root, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Save(ctx, "c", &memory.Snapshot{Buffer: []byte("x"), Stream: []byte("[]")}))
	dirs := snapshotDirs(t, filepath.Join(root, "c"))
	require.Len(t, dirs, 1)
	require.NoError(t, os.Remove(filepath.Join(root, "c", dirs[0], streamFile)))

	_, err = b.Load(ctx, "c")
	assert.ErrorIs(t, err, core.ErrCorruptState)
}

func TestBackend_BadPointerIsCorrupt(t *testing.T) {
	root := t.TempDir()
	b, err := New(root, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c", currentFile), []byte("../../etc"), 0o644))

	_, err = b.Load(context.Background(), "c")
	assert.ErrorIs(t, err, core.ErrCorruptState)
}
