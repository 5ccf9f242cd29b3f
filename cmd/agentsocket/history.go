package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chrisboulton/agentsocket-go"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the current conversation and the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			printHistory(cmd.OutOrStdout(), e.store, e.cfg.Session.Namespace, full)
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Print every archived message")
	return cmd
}

func printHistory(out io.Writer, store *agentsocket.Store, namespace string, full bool) {
	current := store.Restore(namespace)
	fmt.Fprintln(out, color.New(color.Bold).Sprint("Current conversation"))
	if len(current.Messages) == 0 {
		fmt.Fprintln(out, color.HiBlackString("  (empty)"))
	}
	for _, m := range current.Messages {
		fmt.Fprintf(out, "  %-9s %s\n", string(m.Role)+":", m.Content)
	}

	archives := store.Archives(namespace)
	fmt.Fprintln(out)
	fmt.Fprintln(out, color.New(color.Bold).Sprintf("Archive (%d)", len(archives)))
	for _, a := range archives {
		id := a.ConversationID
		if id == "" {
			id = a.SessionID
		}
		fmt.Fprintf(out, "  %s  %s  %d messages  %s\n",
			color.CyanString(id),
			a.ArchivedAt.Local().Format("2006-01-02 15:04"),
			len(a.Messages),
			preview(a.Messages),
		)
		if full {
			for _, m := range a.Messages {
				fmt.Fprintf(out, "      %-9s %s\n", string(m.Role)+":", m.Content)
			}
		}
	}
}

// preview returns the first user message, shortened.
func preview(msgs []agentsocket.Message) string {
	for _, m := range msgs {
		if m.Role != agentsocket.RoleUser {
			continue
		}
		r := []rune(m.Content)
		if len(r) > 48 {
			return string(r[:47]) + "…"
		}
		return m.Content
	}
	return ""
}
