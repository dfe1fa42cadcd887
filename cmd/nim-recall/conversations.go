package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <conversation-id>",
		Short: "Print a conversation's buffer and memories as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(rt *runtime) error {
				view, err := rt.Engine.Inspect(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(view)
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(rt *runtime) error {
				ids, err := rt.Engine.Conversations(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				return nil
			})
		},
	}
}

func newIngestCmd(a *app) *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:   "ingest <conversation-id> [text...]",
		Short: "Add long-term memories to a conversation",
		Long: `Add long-term memories to a conversation. Each argument is one memory;
with --file, each non-empty line of the file is one memory.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			texts := args[1:]
			if fromFile != "" {
				lines, err := readLines(fromFile)
				if err != nil {
					return err
				}
				texts = append(texts, lines...)
			}
			if len(texts) == 0 {
				return fmt.Errorf("nothing to ingest")
			}
			return a.withEngine(func(rt *runtime) error {
				n, err := rt.Engine.Ingest(cmd.Context(), args[0], texts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %d memories into %s\n", n, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "read memories from a file, one per line")
	return cmd
}

func newForgetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <conversation-id>",
		Short: "Delete a conversation and its memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(rt *runtime) error {
				return rt.Engine.Forget(cmd.Context(), args[0])
			})
		},
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}
