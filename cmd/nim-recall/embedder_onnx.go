//go:build onnx

package main

import (
	"log/slog"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/onnx"
)

func newONNXEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) (memory.Embedder, func() error, error) {
	emb, err := onnx.New(onnx.Config{
		LibraryPath:   cfg.LibraryPath,
		ModelPath:     cfg.ModelPath,
		TokenizerPath: cfg.TokenizerPath,
		Dimensions:    cfg.Dimensions,
		Logger:        logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return emb, emb.Close, nil
}
