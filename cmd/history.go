package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smazurov/alterego/internal/history"
)

// CreateHistoryCmd creates the history command.
func CreateHistoryCmd(open func() (*history.Store, error)) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [persona]",
		Short: "Print the chat history of a persona",
		Long:  `Prints the messages exchanged with a persona, oldest first. Without a persona, lists the personas that have history.`,
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			store, err := open()
			if err != nil {
				fmt.Fprintln(os.Stderr, "open history:", err)
				os.Exit(1)
			}
			defer store.Close()

			if len(args) == 0 {
				names, err := store.Personas(cmd.Context())
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				for _, name := range names {
					fmt.Println(name)
				}
				return
			}

			if err := PrintHistory(cmd.Context(), os.Stdout, store, args[0], limit); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Most recent messages to print, 0 for all")
	return cmd
}

// PrintHistory writes one block per message.
func PrintHistory(ctx context.Context, w io.Writer, store *history.Store, persona string, limit int) error {
	entries, err := store.List(ctx, persona, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(w, "no history for %s\n", persona)
		return nil
	}
	for _, e := range entries {
		who := persona
		if e.Role == history.RoleUser {
			who = "you"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), who, strings.TrimSpace(e.Content))
	}
	return nil
}
