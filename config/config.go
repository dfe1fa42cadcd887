// Package config holds the nim-recall process configuration.
//
// Values come from, highest precedence first: CLI flags, NIM_* environment
// variables, the nim-recall.yaml file, then NewDefaultConfig.
package config

import (
	"fmt"
	"time"

	"github.com/becomeliminal/nim-recall/memory"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP and gRPC settings.
type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	GRPCListen     string        `mapstructure:"grpc_listen"`
	Timeout        time.Duration `mapstructure:"timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// LLMConfig selects the chat model.
type LLMConfig struct {
	Provider     string `mapstructure:"provider"` // anthropic | openai
	Model        string `mapstructure:"model"`
	SummaryModel string `mapstructure:"summary_model"`
	MaxTokens    int64  `mapstructure:"max_tokens"`
	BaseURL      string `mapstructure:"base_url"`
	APIKey       string `mapstructure:"api_key"`
}

// EmbeddingConfig selects the embedder.
type EmbeddingConfig struct {
	Provider      string `mapstructure:"provider"` // mock | openai | onnx
	Model         string `mapstructure:"model"`
	Dimensions    int    `mapstructure:"dimensions"`
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	ModelPath     string `mapstructure:"model_path"`
	TokenizerPath string `mapstructure:"tokenizer_path"`
	LibraryPath   string `mapstructure:"library_path"`
}

// TokenizerConfig selects the short-term buffer's token counter.
type TokenizerConfig struct {
	Provider string `mapstructure:"provider"` // heuristic | tiktoken
	Model    string `mapstructure:"model"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // file | sqlite
	Path    string `mapstructure:"path"`
}

// MemoryConfig mirrors memory.Config plus the session cache size.
type MemoryConfig struct {
	TokenLimit         int     `mapstructure:"token_limit"`
	K                  int     `mapstructure:"k"`
	DecayRate          float64 `mapstructure:"decay_rate"`
	DefaultSalience    float64 `mapstructure:"default_salience"`
	MinSimilarity      float64 `mapstructure:"min_similarity"`
	MaxFormattedLength int     `mapstructure:"max_formatted_length"`
	CorruptPolicy      string  `mapstructure:"corrupt_policy"` // fail | reset
	MaxSessions        int     `mapstructure:"max_sessions"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Debug  bool `mapstructure:"debug"`
	JSON   bool `mapstructure:"json"`
	Pretty bool `mapstructure:"pretty"`
}

// Known provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderMock      = "mock"
	ProviderONNX      = "onnx"
	ProviderHeuristic = "heuristic"
	ProviderTiktoken  = "tiktoken"
	BackendFile       = "file"
	BackendSQLite     = "sqlite"
)

// MemoryConfig converts to the memory package's configuration.
func (c *Config) MemoryConfig() (*memory.Config, error) {
	policy, err := memory.ParseCorruptPolicy(c.Memory.CorruptPolicy)
	if err != nil {
		return nil, err
	}
	mc := &memory.Config{
		TokenLimit:         c.Memory.TokenLimit,
		K:                  c.Memory.K,
		DecayRate:          c.Memory.DecayRate,
		DefaultSalience:    c.Memory.DefaultSalience,
		MinSimilarity:      c.Memory.MinSimilarity,
		MaxFormattedLength: c.Memory.MaxFormattedLength,
		CorruptPolicy:      policy,
	}
	if err := mc.Validate(); err != nil {
		return nil, err
	}
	return mc, nil
}

// Validate checks provider names and memory settings.
func (c *Config) Validate() error {
	if err := oneOf("llm.provider", c.LLM.Provider, ProviderAnthropic, ProviderOpenAI); err != nil {
		return err
	}
	if err := oneOf("embedding.provider", c.Embedding.Provider, ProviderMock, ProviderOpenAI, ProviderONNX); err != nil {
		return err
	}
	if err := oneOf("tokenizer.provider", c.Tokenizer.Provider, ProviderHeuristic, ProviderTiktoken); err != nil {
		return err
	}
	if err := oneOf("storage.backend", c.Storage.Backend, BackendFile, BackendSQLite); err != nil {
		return err
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("config: storage.path is required")
	}
	if c.Embedding.Provider == ProviderONNX && c.Embedding.ModelPath == "" {
		return fmt.Errorf("config: embedding.model_path is required for onnx")
	}
	if c.Memory.MaxSessions <= 0 {
		return fmt.Errorf("config: memory.max_sessions must be positive, got %d", c.Memory.MaxSessions)
	}
	if _, err := c.MemoryConfig(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: invalid %s %q (want one of %v)", key, value, allowed)
}
