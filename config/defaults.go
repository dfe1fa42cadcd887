package config

import (
	"time"

	"github.com/becomeliminal/nim-recall/memory"
)

const (
	defaultListen      = ":8080"
	defaultTimeout     = 60 * time.Second
	defaultProvider    = ProviderAnthropic
	defaultMaxTokens   = 4096
	defaultEmbedder    = ProviderMock
	defaultTokenizer   = ProviderHeuristic
	defaultBackend     = BackendFile
	defaultStoragePath = "./data/conversations"
	defaultMaxSessions = 10
)

// NewDefaultConfig returns a Config with defaults for every field. This is
// the single source of truth for default values.
func NewDefaultConfig() *Config {
	mem := memory.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:  defaultListen,
			Timeout: defaultTimeout,
		},
		LLM: LLMConfig{
			Provider:  defaultProvider,
			MaxTokens: defaultMaxTokens,
		},
		Embedding: EmbeddingConfig{
			Provider: defaultEmbedder,
		},
		Tokenizer: TokenizerConfig{
			Provider: defaultTokenizer,
		},
		Storage: StorageConfig{
			Backend: defaultBackend,
			Path:    defaultStoragePath,
		},
		Memory: MemoryConfig{
			TokenLimit:         mem.TokenLimit,
			K:                  mem.K,
			DecayRate:          mem.DecayRate,
			DefaultSalience:    mem.DefaultSalience,
			MinSimilarity:      mem.MinSimilarity,
			MaxFormattedLength: mem.MaxFormattedLength,
			CorruptPolicy:      mem.CorruptPolicy.String(),
			MaxSessions:        defaultMaxSessions,
		},
		Log: LogConfig{
			Pretty: true,
		},
	}
}
