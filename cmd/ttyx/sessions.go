package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/ttyx/schema"
)

func newSessionsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List and manage terminal sessions",
	}
	cmd.AddCommand(newSessionsListCmd(flags))
	cmd.AddCommand(newSessionsCreateCmd(flags))
	cmd.AddCommand(newSessionsCloseCmd(flags))
	cmd.AddCommand(newSessionsSwitchCmd(flags))
	return cmd
}

func newSessionsListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			resp, err := client.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), resp)
		},
	}
}

func printSessions(w io.Writer, resp schema.ListSessionsResponse) error {
	for _, s := range resp.Sessions {
		marker := " "
		if s.ID == resp.Current {
			marker = "*"
		}
		if _, err := fmt.Fprintf(w, "%s %-12s %-6s %-8s %-8s %d queued  %s\n",
			marker, s.ID, s.Kind, s.Status, s.InitState, len(s.CommandQueue), s.CurrentDirectory); err != nil {
			return err
		}
	}
	return nil
}

func newSessionsCreateCmd(flags *globalFlags) *cobra.Command {
	var kind string
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session and wait until its shell is ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := schema.ParseTerminalKind(kind)
			if err != nil {
				return err
			}
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			resp, err := client.CreateSession(cmd.Context(), schema.CreateSessionRequest{Title: title, Kind: parsed})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), resp.Session.ID)
			return err
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", string(schema.TerminalLocal), "terminal kind (local or ssh)")
	cmd.Flags().StringVarP(&title, "title", "t", "", "session title")
	return cmd
}

func newSessionsCloseCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "close [session-id]",
		Short: "Close a session (default current)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			resp, err := client.CloseSession(cmd.Context(), schema.SessionID(firstArg(args)))
			if err != nil {
				return err
			}
			if !resp.Closed {
				return fmt.Errorf("session was not closed")
			}
			if resp.Current != "" {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "current session: %s\n", resp.Current)
			}
			return err
		},
	}
}

func newSessionsSwitchCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "switch session-id",
		Short: "Make a session current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(flags)
			if err != nil {
				return err
			}
			resp, err := client.SwitchSession(cmd.Context(), schema.SessionID(args[0]))
			if err != nil {
				return err
			}
			if !resp.Switched {
				return fmt.Errorf("session %s not switched", args[0])
			}
			return nil
		},
	}
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
