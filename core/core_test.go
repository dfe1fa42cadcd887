package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTurn_String(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, "Human: hello", NewTurn(RoleHuman, "hello", now).String())
	assert.Equal(t, "AI: hi there", NewTurn(RoleAssistant, "hi there", now).String())
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleHuman.Valid())
	assert.True(t, RoleAssistant.Valid())
	assert.False(t, Role("system").Valid())
}

func TestTransient_WrapsBoth(t *testing.T) {
	err := Transient("embed", context.DeadlineExceeded)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Nil(t, Transient("embed", nil))
}

func TestInvariantError_Is(t *testing.T) {
	err := Invariantf("buffer", "tokens %d exceed limit %d", 60, 50)
	assert.True(t, errors.Is(err, ErrInvariant))
	assert.Contains(t, err.Error(), "tokens 60 exceed limit 50")

	var ie *InvariantError
	assert.True(t, errors.As(err, &ie))
	assert.Equal(t, "buffer", ie.Component)
}
