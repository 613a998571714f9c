package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spachava753/matrixci/internal/executor"
	"github.com/spachava753/matrixci/internal/workflow"
)

func newPlanCmd(a *app) *cobra.Command {
	var ev eventFlags

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the jobs and matrix cells an event would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := filepath.Abs(a.root)
			if err != nil {
				return err
			}
			event := executor.ResolveEvent(cmd.Context(), root, ev.event())

			set, err := workflow.LoadAll(root, a.cfg.WorkflowsDir)
			if err != nil {
				return err
			}
			triggered := set.Triggered(event)
			out := cmd.OutOrStdout()
			if len(triggered) == 0 {
				fmt.Fprintf(out, "No workflow is triggered by %s on %q\n", event.Name, event.Branch)
				return nil
			}
			for _, wf := range triggered {
				plan, err := workflow.BuildPlan(set, wf, event, nil)
				if err != nil {
					return err
				}
				printPlan(out, plan)
			}
			return nil
		},
	}
	ev.register(cmd)
	return cmd
}

func printPlan(out io.Writer, plan *workflow.Plan) {
	name := plan.Workflow.Name
	if name == "" {
		name = workflow.Stem(plan.Workflow)
	}
	fmt.Fprintf(out, "%s (%s): %d jobs, %d cells\n", name, plan.Workflow.Path, len(plan.Order), plan.TotalCells())
	for i, level := range plan.Levels {
		fmt.Fprintf(out, "  level %d\n", i)
		for _, id := range level {
			cells := plan.Cells[id]
			line := fmt.Sprintf("    %s", id)
			if needs := plan.Needs(id); len(needs) > 0 {
				line += fmt.Sprintf(" (needs %s)", strings.Join(needs, ", "))
			}
			fmt.Fprintln(out, line)
			if len(cells) == 1 && len(cells[0].Matrix) == 0 {
				continue
			}
			for _, c := range cells {
				fmt.Fprintf(out, "      %s\n", c.ID)
			}
		}
	}
}
