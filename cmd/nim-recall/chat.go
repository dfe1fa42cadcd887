package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/becomeliminal/nim-recall/engine"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		conversation string
		system       string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat in the terminal",
		Long: `Chat with the assistant in the terminal. Each line is one message;
replies stream as they are generated. Type /exit or press Ctrl-D to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.withEngine(func(rt *runtime) error {
				return chatLoop(ctx, rt.Engine, cmd.InOrStdin(), cmd.OutOrStdout(), conversation, system)
			})
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "cli", "conversation id")
	cmd.Flags().StringVar(&system, "system", "", "system prompt (default built in)")
	return cmd
}

type responder interface {
	Respond(ctx context.Context, in *engine.Input) (*engine.Output, error)
}

func chatLoop(ctx context.Context, eng responder, in io.Reader, out io.Writer, conversation, system string) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Fprintf(out, "conversation %s, /exit to quit\n", conversation)
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			fmt.Fprintln(out)
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		_, err := eng.Respond(ctx, &engine.Input{
			ConversationID: conversation,
			SystemPrompt:   system,
			Message:        line,
			StreamCallback: func(tok string) { fmt.Fprint(out, tok) },
		})
		fmt.Fprintln(out)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}
