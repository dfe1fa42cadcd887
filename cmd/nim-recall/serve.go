package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/server"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC health servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.withEngine(func(rt *runtime) error {
				srv, err := server.New(server.Config{
					Engine:         rt.Engine,
					Addr:           a.cfg.Server.Listen,
					GRPCAddr:       a.cfg.Server.GRPCListen,
					DefaultModel:   a.cfg.LLM.Model,
					DefaultTimeout: a.cfg.Server.Timeout,
					AllowedOrigins: a.cfg.Server.AllowedOrigins,
					Logger:         a.logger,
				})
				if err != nil {
					return err
				}
				a.logger.Info("nim-recall serving",
					"chat", "http://"+displayAddr(a.cfg.Server.Listen)+"/chat",
					"ws", "ws://"+displayAddr(a.cfg.Server.Listen)+"/ws",
				)
				return srv.Run(ctx)
			})
		},
	}
	config.AddFlags(cmd, false, config.FlagListen, config.FlagGRPCListen)
	return cmd
}

func displayAddr(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		return "localhost" + addr
	}
	return addr
}
