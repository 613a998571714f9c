package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/spachava753/matrixci/internal/executor"
	"github.com/spachava753/matrixci/internal/models"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		ev      eventFlags
		name    string
		repoURL string
		ref     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the workflows triggered by an event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := executor.RunFromConfig(cmd.Context(), executor.RunOptions{
				ConfigPath: a.configPath,
				Root:       a.root,
				Event:      ev.event(),
				Name:       name,
				RepoURL:    repoURL,
				Ref:        ref,
			})
			out := cmd.OutOrStdout()
			for _, r := range results {
				printSummary(out, r)
			}
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(out, "No workflow was triggered")
			}
			for _, r := range results {
				if r.Status != models.StatusSuccess || r.Cancelled {
					return errExit
				}
			}
			return nil
		},
	}
	ev.register(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Run directory name (default: a UUID)")
	cmd.Flags().StringVar(&repoURL, "repo", "", "Clone this repository instead of using the local one")
	cmd.Flags().StringVar(&ref, "ref", "", "Commit, branch or tag to check out with --repo")
	return cmd
}

func printSummary(out io.Writer, r *models.RunResult) {
	fmt.Fprintf(out, "\nRun: %s\n", r.RunID)
	fmt.Fprintf(out, "Workflow: %s\n", r.Workflow)
	fmt.Fprintf(out, "Status: %s\n", r.Status)
	fmt.Fprintf(out, "Jobs: %d total, %d succeeded, %d failed, %d skipped\n",
		r.TotalNodes, r.SucceededNodes, r.FailedNodes, r.SkippedNodes)
	fmt.Fprintf(out, "Cells: %d total, %d passed, %d failed, %d cancelled, %d skipped\n",
		r.TotalCells, r.PassedCells, r.FailedCells, r.CancelledCells, r.SkippedCells)
	fmt.Fprintf(out, "Duration: %.2fs\n", r.DurationSec)

	for _, n := range r.Nodes {
		for _, c := range n.Cells {
			if c.Status != models.StatusFailure || c.Error == nil {
				continue
			}
			fmt.Fprintf(out, "  FAILED %s: %s\n", c.CellID, c.Error)
		}
	}
}
