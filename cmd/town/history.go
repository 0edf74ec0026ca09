package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"agent_town/internal/monitor"
)

func historyCmd(opts *globalOptions) *cobra.Command {
	var (
		decisions bool
		sessionID string
		resultID  string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show journaled results, decisions or one planning session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				if rt.journal == nil {
					return errors.New("journal is disabled")
				}
				out := cmd.OutOrStdout()
				room := rt.cfg.Backend.Room
				switch {
				case strings.TrimSpace(resultID) != "":
					rec, err := rt.journal.GetResult(ctx, resultID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"), rec.Description)
					fmt.Fprint(out, monitor.RenderResult(&rec.Result))
				case strings.TrimSpace(sessionID) != "":
					return printSession(ctx, rt, sessionID, limit, cmd)
				case decisions:
					items, err := rt.journal.ListRoomDecisions(ctx, room, limit)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, strings.TrimRight(monitor.RenderDecisions(items), "\n"))
				default:
					items, err := rt.journal.ListResults(ctx, room, limit)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, strings.TrimRight(monitor.RenderResults(items), "\n"))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&decisions, "decisions", false, "list the room's decision log instead of results")
	cmd.Flags().StringVar(&sessionID, "session", "", "show one planning session and its decisions")
	cmd.Flags().StringVar(&resultID, "result", "", "show one collaborative result in full")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	return cmd
}

func printSession(ctx context.Context, rt *runtime, sessionID string, limit int, cmd *cobra.Command) error {
	session, status, err := rt.journal.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "session %s status=%s created=%s\n", session.ID, status, session.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "task: %s\n", session.Description)
	fmt.Fprint(out, monitor.RenderPlan(session.Steps))
	if len(session.Steps) == 0 {
		fmt.Fprintln(out)
	}
	items, err := rt.journal.ListSessionDecisions(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, strings.TrimRight(monitor.RenderDecisions(items), "\n"))
	return nil
}
