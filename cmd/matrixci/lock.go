package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spachava753/matrixci/internal/lockfile"
	"github.com/spachava753/matrixci/internal/models"
)

func newLockCmd(a *app) *cobra.Command {
	lock := &cobra.Command{
		Use:   "lock",
		Short: "Inspect dependency manifests",
	}

	lock.AddCommand(&cobra.Command{
		Use:   "check [files...]",
		Short: "Check that every manifest entry is pinned to an exact version",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				var err error
				paths, err = lockfile.Discover(a.root, a.cfg.Manifests)
				if err != nil {
					return err
				}
			}
			manifests, err := a.parseManifests(paths)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var findings []models.Finding
			for _, m := range manifests {
				findings = append(findings, lockfile.CheckPinned(m)...)
			}
			for _, f := range findings {
				fmt.Fprintln(out, f)
			}
			fmt.Fprintf(out, "%d manifest(s), %d finding(s)\n", len(manifests), len(findings))

			for _, f := range findings {
				if f.Severity == models.SeverityError {
					return errExit
				}
			}
			return nil
		},
	})
	return lock
}
