package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"agent_town/internal/domain"
	"agent_town/internal/monitor"
	"agent_town/internal/orchestrator"
)

func runCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <description>",
		Short: "Plan a task, play the distribution and publish it to the agents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(opts, func(ctx context.Context, rt *runtime) error {
				return runTask(ctx, rt, strings.Join(args, " "), cmd.OutOrStdout())
			})
		},
	}
}

func runTask(ctx context.Context, rt *runtime, description string, out io.Writer) error {
	if err := rt.orch.LoadWorldState(ctx); err != nil {
		return err
	}
	events := rt.bus.Register("cli")
	defer rt.bus.Unregister("cli")

	if err := rt.orch.RequestAnalysis(ctx, description); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}
			if done, err := printEvent(out, rt.orch, ev); done {
				return err
			}
		}
	}
}

// printEvent reports one orchestrator event and whether the run has settled.
func printEvent(out io.Writer, orch *orchestrator.Orchestrator, ev domain.Event) (bool, error) {
	switch ev.Kind {
	case domain.EventTriageVisible:
		fmt.Fprintf(out, "dispatcher ready, %d steps\n", ev.StepTotal)
	case domain.EventStepDistributing:
		if ev.Step != nil {
			fmt.Fprintf(out, "[%d/%d] -> %s: %s\n", ev.StepIndex+1, ev.StepTotal, ev.Step.Agent, ev.Step.Instruction)
		}
	case domain.EventAnimationDone:
		fmt.Fprintln(out, "all steps delivered, publishing")
	case domain.EventStateChanged:
		switch orchestrator.State(ev.State) {
		case orchestrator.StateIdleWithResult:
			fmt.Fprint(out, monitor.RenderResult(orch.View().Result))
			return true, nil
		case orchestrator.StateIdleWithError:
			return true, errors.New(orch.View().Error)
		}
	}
	return false, nil
}
