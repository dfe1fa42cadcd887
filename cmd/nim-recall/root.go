package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/logger"
)

const rootLongDesc = `nim-recall is an assistant backend with long-term memory.

Recent turns stay in a token-bounded buffer; turns that fall out of it are
summarized into a persistent memory stream and recalled by relevance,
recency and importance.

  nim-recall serve              Run the HTTP, WebSocket and gRPC health servers
  nim-recall chat               Chat in the terminal
  nim-recall inspect <id>       Show a conversation's buffer and memories
  nim-recall list               List stored conversations
  nim-recall ingest <id> <text> Add memories to a conversation
  nim-recall forget <id>        Delete a conversation`

// app carries state resolved before any subcommand runs.
type app struct {
	configFile string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "nim-recall",
		Short:         "Assistant backend with long-term conversational memory",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file (default ./nim-recall.yaml)")
	config.AddFlags(cmd, true,
		config.FlagProvider,
		config.FlagModel,
		config.FlagEmbedder,
		config.FlagTokenizer,
		config.FlagBackend,
		config.FlagStoragePath,
		config.FlagTokenLimit,
		config.FlagCorruptPolicy,
		config.FlagDebug,
		config.FlagJSONLogs,
	)

	cmd.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newInspectCmd(a),
		newListCmd(a),
		newIngestCmd(a),
		newForgetCmd(a),
	)
	return cmd
}

func (a *app) init(cmd *cobra.Command) error {
	v, err := config.InitViper(a.configFile)
	if err != nil {
		return err
	}
	if err := config.BindFlags(v, cmd); err != nil {
		return err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger.New(
		logger.WithWriter(cmd.ErrOrStderr()),
		logger.WithDebug(cfg.Log.Debug),
		logger.WithJSON(cfg.Log.JSON),
		logger.WithPretty(cfg.Log.Pretty),
	)
	slog.SetDefault(a.logger)
	a.logger.Debug("config loaded",
		"llm", cfg.LLM.Provider,
		"embedder", cfg.Embedding.Provider,
		"backend", cfg.Storage.Backend,
		"storage", cfg.Storage.Path,
	)
	return nil
}

// withEngine builds the engine for one command and tears it down after.
func (a *app) withEngine(fn func(*runtime) error) error {
	rt, err := build(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer rt.Close()
	return fn(rt)
}
