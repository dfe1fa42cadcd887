package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. NIM_STORAGE_PATH.
const EnvPrefix = "NIM"

// InitViper creates a *viper.Viper with defaults, the config file and
// environment variables registered.
//
// An explicit configFile must exist. Without one, nim-recall.yaml is looked
// up in the working directory and $HOME/.config/nim-recall; a missing file
// is fine.
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("nim-recall")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/nim-recall")
	}
	if err := v.ReadInConfig(); err != nil {
		if configFile != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setViperDefaults registers NewDefaultConfig in dotted-key form. Every key
// needs a default for AutomaticEnv to reach it through Unmarshal.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.grpc_listen", d.Server.GRPCListen)
	v.SetDefault("server.timeout", d.Server.Timeout)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)

	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.summary_model", d.LLM.SummaryModel)
	v.SetDefault("llm.max_tokens", d.LLM.MaxTokens)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.api_key", d.LLM.APIKey)

	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.model_path", d.Embedding.ModelPath)
	v.SetDefault("embedding.tokenizer_path", d.Embedding.TokenizerPath)
	v.SetDefault("embedding.library_path", d.Embedding.LibraryPath)

	v.SetDefault("tokenizer.provider", d.Tokenizer.Provider)
	v.SetDefault("tokenizer.model", d.Tokenizer.Model)

	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)

	v.SetDefault("memory.token_limit", d.Memory.TokenLimit)
	v.SetDefault("memory.k", d.Memory.K)
	v.SetDefault("memory.decay_rate", d.Memory.DecayRate)
	v.SetDefault("memory.default_salience", d.Memory.DefaultSalience)
	v.SetDefault("memory.min_similarity", d.Memory.MinSimilarity)
	v.SetDefault("memory.max_formatted_length", d.Memory.MaxFormattedLength)
	v.SetDefault("memory.corrupt_policy", d.Memory.CorruptPolicy)
	v.SetDefault("memory.max_sessions", d.Memory.MaxSessions)

	v.SetDefault("log.debug", d.Log.Debug)
	v.SetDefault("log.json", d.Log.JSON)
	v.SetDefault("log.pretty", d.Log.Pretty)
}
