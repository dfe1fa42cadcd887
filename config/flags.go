package config

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Flag is the single source of truth for a CLI flag that maps onto a config
// key, so the same flag reads the same everywhere it appears.
type Flag struct {
	Name        string
	Shorthand   string
	ViperKey    string
	Description string
}

// Flag registry keys.
const (
	FlagListen        = "listen"
	FlagGRPCListen    = "grpc-listen"
	FlagProvider      = "provider"
	FlagModel         = "model"
	FlagEmbedder      = "embedder"
	FlagTokenizer     = "tokenizer"
	FlagBackend       = "backend"
	FlagStoragePath   = "storage-path"
	FlagTokenLimit    = "token-limit"
	FlagCorruptPolicy = "corrupt-policy"
	FlagDebug         = "debug"
	FlagJSONLogs      = "json-logs"
)

var flags = map[string]Flag{
	FlagListen:        {Name: FlagListen, Shorthand: "l", ViperKey: "server.listen", Description: "HTTP listen address"},
	FlagGRPCListen:    {Name: FlagGRPCListen, ViperKey: "server.grpc_listen", Description: "gRPC health listen address (empty disables)"},
	FlagProvider:      {Name: FlagProvider, Shorthand: "p", ViperKey: "llm.provider", Description: "chat model provider: anthropic or openai"},
	FlagModel:         {Name: FlagModel, Shorthand: "m", ViperKey: "llm.model", Description: "chat model name"},
	FlagEmbedder:      {Name: FlagEmbedder, ViperKey: "embedding.provider", Description: "embedder: mock, openai or onnx"},
	FlagTokenizer:     {Name: FlagTokenizer, ViperKey: "tokenizer.provider", Description: "token counter: heuristic or tiktoken"},
	FlagBackend:       {Name: FlagBackend, ViperKey: "storage.backend", Description: "persistence backend: file or sqlite"},
	FlagStoragePath:   {Name: FlagStoragePath, Shorthand: "s", ViperKey: "storage.path", Description: "directory (file) or database path (sqlite)"},
	FlagTokenLimit:    {Name: FlagTokenLimit, ViperKey: "memory.token_limit", Description: "short-term buffer token budget"},
	FlagCorruptPolicy: {Name: FlagCorruptPolicy, ViperKey: "memory.corrupt_policy", Description: "corrupt snapshot handling: fail or reset"},
	FlagDebug:         {Name: FlagDebug, Shorthand: "d", ViperKey: "log.debug", Description: "enable debug logging"},
	FlagJSONLogs:      {Name: FlagJSONLogs, ViperKey: "log.json", Description: "log as JSON"},
}

// AddFlags registers the named flags on cmd with their config defaults.
func AddFlags(cmd *cobra.Command, persistent bool, names ...string) {
	fs := cmd.Flags()
	if persistent {
		fs = cmd.PersistentFlags()
	}
	d := NewDefaultConfig()
	for _, name := range names {
		f, ok := flags[name]
		if !ok {
			panic(fmt.Sprintf("config: unknown flag %q", name))
		}
		switch name {
		case FlagTokenLimit:
			fs.IntP(f.Name, f.Shorthand, d.Memory.TokenLimit, f.Description)
		case FlagDebug, FlagJSONLogs:
			fs.BoolP(f.Name, f.Shorthand, false, f.Description)
		default:
			fs.StringP(f.Name, f.Shorthand, stringDefault(d, name), f.Description)
		}
	}
}

func stringDefault(d *Config, name string) string {
	switch name {
	case FlagListen:
		return d.Server.Listen
	case FlagGRPCListen:
		return d.Server.GRPCListen
	case FlagProvider:
		return d.LLM.Provider
	case FlagModel:
		return d.LLM.Model
	case FlagEmbedder:
		return d.Embedding.Provider
	case FlagTokenizer:
		return d.Tokenizer.Provider
	case FlagBackend:
		return d.Storage.Backend
	case FlagStoragePath:
		return d.Storage.Path
	case FlagCorruptPolicy:
		return d.Memory.CorruptPolicy
	}
	return ""
}

// BindFlags binds every registered flag present on cmd to its config key.
// Only flags the user set override file and environment values.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, f := range flags {
		pf := cmd.Flags().Lookup(name)
		if pf == nil {
			continue
		}
		if err := v.BindPFlag(f.ViperKey, pf); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}
