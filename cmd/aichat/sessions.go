package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/m4xw311/aichat/session"
	"github.com/spf13/cobra"
)

func newSessionsCommand() *cobra.Command {
	sessionsCommand := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List the conversations of the workspace",
		Args:    cobra.NoArgs,
		RunE:    sessionsListAction,
	}
	sessionsCommand.AddCommand(
		&cobra.Command{
			Use:   "delete ID...",
			Short: "Delete conversations with their messages and logs",
			Args:  cobra.MinimumNArgs(1),
			RunE:  sessionsDeleteAction,
		},
		&cobra.Command{
			Use:   "rename ID TITLE",
			Short: "Change the title of a conversation",
			Args:  cobra.ExactArgs(2),
			RunE:  sessionsRenameAction,
		},
		&cobra.Command{
			Use:   "logs ID",
			Short: "Show the provider calls made for a conversation",
			Args:  cobra.ExactArgs(1),
			RunE:  sessionsLogsAction,
		},
	)
	return sessionsCommand
}

func ago(t time.Time) string {
	return units.HumanDuration(time.Since(t)) + " ago"
}

func sessionsListAction(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	infos, err := a.store.ListSessions(cmd.Context())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMODE\tUPDATED")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.ID, info.Title, info.Mode, ago(info.UpdatedAt))
	}
	return w.Flush()
}

func sessionsDeleteAction(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, id := range args {
		if _, err := a.store.GetSession(cmd.Context(), id); err != nil {
			return err
		}
		if err := a.store.DeleteSession(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
	}
	return nil
}

func sessionsRenameAction(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	title := args[1]
	info, err := a.store.UpdateSession(cmd.Context(), args[0], session.SessionUpdate{Title: &title})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %q\n", info.ID, info.Title)
	return nil
}

func sessionsLogsAction(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	logs, err := a.store.ListLogs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 4, 8, 4, ' ', 0)
	fmt.Fprintln(w, "WHEN\tPROVIDER\tMETHOD\tSTATUS\tPARSED")
	for _, rec := range logs {
		parsed := "-"
		if rec.ParsedSuccess != nil {
			parsed = fmt.Sprint(*rec.ParsedSuccess)
			if rec.ParseError != "" {
				parsed += " (" + rec.ParseError + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", ago(rec.CreatedAt), rec.Provider, rec.Method, rec.StatusCode, parsed)
	}
	return w.Flush()
}
