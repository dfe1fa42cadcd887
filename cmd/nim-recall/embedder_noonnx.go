//go:build !onnx

package main

import (
	"errors"
	"log/slog"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
)

func newONNXEmbedder(config.EmbeddingConfig, *slog.Logger) (memory.Embedder, func() error, error) {
	return nil, nil, errors.New("onnx embedder not compiled in; rebuild with -tags onnx")
}
