package memory

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/becomeliminal/nim-recall/core"
)

// Snapshot is the durable state of one conversation. Each field is the
// opaque encoding produced by the owning component.
type Snapshot struct {
	Buffer  []byte    // TokenBuffer.Snapshot
	Stream  []byte    // Stream.Snapshot
	Index   []byte    // VectorIndex.Snapshot
	SavedAt time.Time // wall clock of the save
}

// PersistenceBackend durably stores conversation snapshots.
// Implementations: file (per-conversation directory), sqlite.
type PersistenceBackend interface {
	// Save atomically replaces the snapshot for id. A reader never observes
	// a mix of old and new parts.
	Save(ctx context.Context, id string, snap *Snapshot) error

	// Load returns the latest snapshot for id, or (nil, nil) when none exists.
	// Undecodable storage returns an error wrapping core.ErrCorruptState.
	Load(ctx context.Context, id string) (*Snapshot, error)

	// Delete removes every snapshot for id. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// List returns the ids that have a snapshot.
	List(ctx context.Context) ([]string, error)

	// Close releases resources.
	Close() error
}

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// ValidateConversationID rejects ids that are unsafe as a file name or key.
func ValidateConversationID(id string) error {
	if !conversationIDPattern.MatchString(id) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", core.ErrInvalidConversationID, id)
	}
	return nil
}
