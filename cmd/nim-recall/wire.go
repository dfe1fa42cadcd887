package main

import (
	"errors"
	"fmt"
	"log/slog"

	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/engine"
	"github.com/becomeliminal/nim-recall/llm"
	"github.com/becomeliminal/nim-recall/llm/anthropic"
	"github.com/becomeliminal/nim-recall/llm/openai"
	"github.com/becomeliminal/nim-recall/memory"
	"github.com/becomeliminal/nim-recall/memory/embedder/mock"
	openaiemb "github.com/becomeliminal/nim-recall/memory/embedder/openai"
	"github.com/becomeliminal/nim-recall/memory/index/chromem"
	"github.com/becomeliminal/nim-recall/memory/persist/file"
	"github.com/becomeliminal/nim-recall/memory/persist/sqlite"
	"github.com/becomeliminal/nim-recall/memory/tokenizer/tiktoken"
)

// runtime is a wired engine and the resources it owns.
type runtime struct {
	Engine  *engine.Engine
	closers []func() error
}

// Close releases everything in reverse order of acquisition.
func (r *runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}

// build wires an engine from configuration.
func build(cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	memCfg, err := cfg.MemoryConfig()
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, backend.Close)

	embedder, closeEmbedder, err := newEmbedder(cfg.Embedding, logger)
	if err != nil {
		return fail(err)
	}
	if closeEmbedder != nil {
		rt.closers = append(rt.closers, closeEmbedder)
	}

	counter, err := newCounter(cfg.Tokenizer)
	if err != nil {
		return fail(err)
	}

	gen, err := newGenerator(cfg.LLM, logger)
	if err != nil {
		return fail(err)
	}
	summarizer := llm.NewSummarizer(gen,
		llm.WithSummaryModel(cfg.LLM.SummaryModel),
		llm.WithSummaryLogger(logger),
	)

	eng, err := engine.New(gen, backend,
		engine.WithConfig(memCfg),
		engine.WithEmbedder(embedder),
		engine.WithSummarizer(summarizer),
		engine.WithTokenCounter(counter),
		engine.WithIndexFactory(chromem.Factory),
		engine.WithMaxSessions(cfg.Memory.MaxSessions),
		engine.WithLogger(logger),
	)
	if err != nil {
		return fail(err)
	}
	rt.Engine = eng
	rt.closers = append(rt.closers, eng.Close)
	return rt, nil
}

func openBackend(cfg config.StorageConfig, logger *slog.Logger) (memory.PersistenceBackend, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return file.New(cfg.Path, logger)
	case config.BackendSQLite:
		return sqlite.Open(cfg.Path, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newGenerator(cfg config.LLMConfig, logger *slog.Logger) (llm.Generator, error) {
	switch cfg.Provider {
	case config.ProviderAnthropic:
		var opts []anthropicopt.RequestOption
		if cfg.APIKey != "" {
			opts = append(opts, anthropicopt.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anthropicopt.WithBaseURL(cfg.BaseURL))
		}
		return anthropic.New(opts, func(o *anthropic.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxTokens = cfg.MaxTokens
			}
			o.Logger = logger
		}), nil
	case config.ProviderOpenAI:
		return openai.New(openAIOptions(cfg.APIKey, cfg.BaseURL), func(o *openai.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			if cfg.MaxTokens > 0 {
				o.MaxCompletionTokens = cfg.MaxTokens
			}
			o.Logger = logger
		}), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// newEmbedder returns the embedder and an optional close function.
func newEmbedder(cfg config.EmbeddingConfig, logger *slog.Logger) (memory.Embedder, func() error, error) {
	switch cfg.Provider {
	case config.ProviderMock:
		return mock.New(cfg.Dimensions), nil, nil
	case config.ProviderOpenAI:
		return openaiemb.New(openAIOptions(cfg.APIKey, cfg.BaseURL), func(o *openaiemb.Options) {
			if cfg.Model != "" {
				o.Model = cfg.Model
			}
			o.Dimensions = cfg.Dimensions
		}), nil, nil
	case config.ProviderONNX:
		return newONNXEmbedder(cfg, logger)
	default:
		return nil, nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func newCounter(cfg config.TokenizerConfig) (memory.TokenCounter, error) {
	switch cfg.Provider {
	case config.ProviderHeuristic:
		return memory.HeuristicCounter{}, nil
	case config.ProviderTiktoken:
		return tiktoken.New(cfg.Model)
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", cfg.Provider)
	}
}

func openAIOptions(apiKey, baseURL string) []openaiopt.RequestOption {
	var opts []openaiopt.RequestOption
	if apiKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(baseURL))
	}
	return opts
}
