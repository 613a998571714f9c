package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spachava753/matrixci/internal/config"
	"github.com/spachava753/matrixci/internal/lint"
	"github.com/spachava753/matrixci/internal/lockfile"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/workflow"
)

func newLintCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "lint [paths...]",
		Short: "Check workflows and dependency manifests",
		Long: `Check workflows and dependency manifests.

Without arguments every workflow in the workflows directory and every manifest
matching the configured patterns is checked. Arguments ending in .yml or
.yaml are read as workflows, anything else as a manifest.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			linter, err := a.linter(args)
			if err != nil {
				return err
			}
			report := linter.Run()

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				for _, f := range report.Findings {
					fmt.Fprintln(out, f)
				}
				fmt.Fprintf(out, "%d error(s), %d warning(s)\n",
					report.Count(models.SeverityError), report.Count(models.SeverityWarning))
			}

			if report.HasErrors() {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}

func (a *app) linter(args []string) (lint.Linter, error) {
	if len(args) == 0 {
		set, err := workflow.LoadAll(a.root, a.cfg.WorkflowsDir)
		if err != nil {
			return lint.Linter{}, err
		}
		paths, err := lockfile.Discover(a.root, a.cfg.Manifests)
		if err != nil {
			return lint.Linter{}, err
		}
		manifests, err := a.parseManifests(paths)
		return lint.Linter{Workflows: set, Manifests: manifests}, err
	}

	set := workflow.Set{Workflows: make(map[string]models.Workflow)}
	var manifestPaths []string
	for _, p := range args {
		switch strings.ToLower(filepath.Ext(p)) {
		case ".yml", ".yaml":
			wf, err := config.LoadWorkflow(p)
			if err != nil {
				return lint.Linter{}, err
			}
			key := filepath.ToSlash(filepath.Clean(a.relative(p)))
			wf.Path = key
			set.Workflows[key] = wf
		default:
			manifestPaths = append(manifestPaths, p)
		}
	}
	manifests, err := a.parseManifests(manifestPaths)
	return lint.Linter{Workflows: set, Manifests: manifests}, err
}

func (a *app) parseManifests(paths []string) ([]models.Manifest, error) {
	manifests := make([]models.Manifest, 0, len(paths))
	for _, p := range paths {
		m, err := lockfile.Parse(p)
		if err != nil {
			return nil, err
		}
		m.Path = a.relative(m.Path)
		manifests = append(manifests, m)
	}
	return manifests, nil
}

// relative makes p relative to the repository root for display when it lies
// below it.
func (a *app) relative(p string) string {
	root, err := filepath.Abs(a.root)
	if err != nil {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return p
	}
	return rel
}
