package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newClearCmd(flags *globalFlags) *cobra.Command {
	var archive bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the current conversation",
		Long:  "Forget the current conversation. With --archive it is kept in the archive first.",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			ns := e.cfg.Session.Namespace
			if archive {
				r := e.store.Restore(ns)
				e.store.Archive(ns, r.Messages, r.SessionID, r.ConversationID, e.cfg.Session.ArchiveLimit)
			}
			e.store.Clear(ns)

			fmt.Fprintf(cmd.OutOrStdout(), "Cleared conversation %q\n", ns)
			return nil
		},
	}
	cmd.Flags().BoolVar(&archive, "archive", false, "Archive the conversation before clearing it")
	return cmd
}
