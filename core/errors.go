package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks failures of an external dependency (embedding,
	// index, model, network). A turn that fails with ErrTransient has not
	// mutated any conversation state.
	ErrTransient = errors.New("transient dependency failure")

	// ErrCorruptState is returned when a persisted snapshot cannot be decoded.
	ErrCorruptState = errors.New("corrupt persisted state")

	// ErrInvariant marks an internal consistency check failure.
	ErrInvariant = errors.New("invariant violation")

	// ErrInvalidConversationID is returned for ids that cannot be used as a
	// storage key.
	ErrInvalidConversationID = errors.New("invalid conversation id")
)

// InvariantError describes which invariant was broken.
type InvariantError struct {
	Component string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariant, e.Component, e.Detail)
}

// Unwrap lets errors.Is(err, ErrInvariant) match.
func (e *InvariantError) Unwrap() error {
	return ErrInvariant
}

// Invariantf builds an *InvariantError.
func Invariantf(component, format string, args ...any) error {
	return &InvariantError{Component: component, Detail: fmt.Sprintf(format, args...)}
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds while the
// original error stays reachable through errors.Unwrap chains.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}
