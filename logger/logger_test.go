package logger_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-recall/logger"
)

func TestNew_TextRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.WithWriter(&buf))
	l.Debug("hidden")
	l.Info("hello", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "hello")
	assert.Contains(t, out, "key=value")
}

func TestNew_Debug(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.WithWriter(&buf), logger.WithDebug(true))
	l.Debug("debug msg")
	assert.Contains(t, buf.String(), "debug msg")
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.WithWriter(&buf), logger.WithJSON(true), logger.WithPretty(true))
	l.Info("structured", "count", 42)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &parsed))
	assert.Equal(t, "structured", parsed["msg"])
	assert.EqualValues(t, 42, parsed["count"])
}

func TestNew_Pretty(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New(logger.WithWriter(&buf), logger.WithPretty(true), logger.WithDebug(true))
	l.Debug("pretty output", "conversation_id", "abc")
	assert.Contains(t, buf.String(), "pretty output")
	assert.Contains(t, buf.String(), "abc")
}
