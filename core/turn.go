// Package core holds the types shared by every layer of nim-recall: the
// conversation turn and the error taxonomy.
package core

import (
	"fmt"
	"time"
)

// Role identifies who produced a Turn.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
)

// Prefix returns the speaker label used when a turn is rendered as text.
func (r Role) Prefix() string {
	switch r {
	case RoleHuman:
		return "Human"
	case RoleAssistant:
		return "AI"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleHuman || r == RoleAssistant
}

// Turn is one human or assistant utterance in the short-term buffer.
// Turns are immutable once created.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the given time.
func NewTurn(role Role, content string, at time.Time) Turn {
	return Turn{Role: role, Content: content, Timestamp: at}
}

// String renders the turn as "Prefix: content". This is also the text that
// token counters are applied to.
func (t Turn) String() string {
	return fmt.Sprintf("%s: %s", t.Role.Prefix(), t.Content)
}
