package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agent_town/internal/domain"
	"agent_town/internal/monitor"
	"agent_town/internal/orchestrator"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// withRuntime opens a runtime for one command and closes it afterwards.
func withRuntime(opts *globalOptions, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, stop := signalContext()
	defer stop()
	rt, err := openRuntime(ctx, opts, os.Stderr)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func healthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the simulation service is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				status, err := rt.client.Health(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", status.Status, status.Message, rt.client.BaseURL())
				return nil
			})
		},
	}
}

func stateCmd(opts *globalOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Fetch and print the room's world state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.orch.LoadWorldState(ctx); err != nil {
					return err
				}
				v := rt.orch.View()
				if v.WorldState == nil {
					return fmt.Errorf("no world state returned")
				}
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(v.WorldState)
				}
				writeWorld(cmd.OutOrStdout(), *v.WorldState, v.Positions)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw world state as JSON")
	return cmd
}

func writeWorld(w io.Writer, ws domain.WorldState, positions map[string]domain.Point) {
	fmt.Fprintf(w, "time=%s weather=%s agents=%d\n", ws.Environment.TimeOfDay, ws.Environment.Weather, len(ws.Agents))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tROLE\tMOOD\tTASK\tPOSITION")
	for _, a := range ws.Agents {
		task := "-"
		if a.CurrentTask != nil && *a.CurrentTask != "" {
			task = *a.CurrentTask
		}
		pos := "-"
		if p, ok := positions[a.ID]; ok {
			pos = fmt.Sprintf("%.0f,%.0f", p.X, p.Y)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Role, a.Mood, task, pos)
	}
	_ = tw.Flush()
}

func sendCmd(opts *globalOptions) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send a chat message to the room or one agent",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				resp, err := rt.orch.SendMessage(ctx, strings.Join(args, " "), target)
				if err != nil {
					return err
				}
				who := firstNonEmpty(resp.AgentUsed, "assistant")
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", who, resp.Output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target agent id")
	return cmd
}

func analyzeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <description>",
		Short: "Ask the service to break a task into per-agent steps",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				description := strings.TrimSpace(strings.Join(args, " "))
				if description == "" {
					return domain.Validationf("task description is required")
				}
				analysis, err := rt.client.AnalyzeTask(ctx, description)
				if err != nil {
					return err
				}
				if len(analysis.Steps) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no steps returned")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), monitor.RenderPlan(analysis.Steps))
				return nil
			})
		},
	}
}

func publishCmd(opts *globalOptions) *cobra.Command {
	var agents, order string
	cmd := &cobra.Command{
		Use:   "publish <description>",
		Short: "Publish a collaborative task directly, without planning",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				in := orchestrator.TaskRequest{
					Description:    strings.Join(args, " "),
					SelectedAgents: splitList(agents),
					AgentOrder:     splitList(order),
				}
				if err := rt.orch.Publish(ctx, in); err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), monitor.RenderResult(rt.orch.View().Result))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agents, "agents", "", "comma-separated agent ids taking part")
	cmd.Flags().StringVar(&order, "order", "", "comma-separated execution order (defaults to --agents)")
	return cmd
}

func clearCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the room's conversation on the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				if err := rt.orch.ClearRoom(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "room %s cleared\n", rt.cfg.Backend.Room)
				return nil
			})
		},
	}
}
