package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/spachava753/matrixci/internal/executor"
	"github.com/spachava753/matrixci/internal/models"
)

// errExit ends the process with status 1 after the command has already
// reported why.
var errExit = errors.New("exit status 1")

// app holds the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	root       string
	cfg        models.RunConfig
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "matrixci",
		Short:         "Run GitHub-style CI workflows and their job matrices locally",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := executor.LoadConfig(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg

			level := cfg.LogLevel
			if a.logLevel != "" {
				level = a.logLevel
			}
			return setupLogger(level)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "matrixci.toml", "Path to the run config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&a.root, "dir", "C", ".", "Repository root")

	root.AddCommand(
		newLintCmd(a),
		newPlanCmd(a),
		newRunCmd(a),
		newLockCmd(a),
	)
	return root
}

// setupLogger routes slog through a charmbracelet logger on stderr.
func setupLogger(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	slog.SetDefault(slog.New(logger))
	return nil
}

// eventFlags are the flags describing the triggering event.
type eventFlags struct {
	name   string
	branch string
	sha    string
	inputs map[string]string
}

func (f *eventFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "event", models.EventPush, "Triggering event (push, pull_request, workflow_dispatch)")
	cmd.Flags().StringVar(&f.branch, "branch", "", "Branch the event is for (default: current branch)")
	cmd.Flags().StringVar(&f.sha, "sha", "", "Commit the event is for (default: HEAD)")
	cmd.Flags().StringToStringVar(&f.inputs, "input", nil, "workflow_dispatch input as name=value (repeatable)")
}

func (f *eventFlags) event() models.Event {
	return models.Event{Name: f.name, Branch: f.branch, SHA: f.sha, Inputs: f.inputs}
}
