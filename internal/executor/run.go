package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spachava753/matrixci/internal/checkout"
	"github.com/spachava753/matrixci/internal/config"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/workflow"
)

// RunOptions configures RunFromConfig.
type RunOptions struct {
	// ConfigPath is the matrixci.toml to load. Defaults are used when it is
	// empty or the file does not exist.
	ConfigPath string
	// Root is the repository root holding the workflows directory.
	Root  string
	Event models.Event
	// Name is the run directory name. With several triggered workflows the
	// workflow stem is appended.
	Name string
	// RepoURL, when set, is cloned at Ref and used instead of Root.
	RepoURL string
	Ref     string
	// Environ supplies secrets; os.Environ() when nil.
	Environ     []string
	NewExecutor NewCellExecutorFunc
}

// LoadConfig loads path, falling back to defaults when the file is missing.
// Environment overrides are applied in both cases.
func LoadConfig(path string) (models.RunConfig, error) {
	if path != "" {
		cfg, err := config.LoadRunConfig(path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			return cfg, err
		}
		slog.Debug("run config not found, using defaults", "path", path)
	}
	cfg := config.DefaultRunConfig()
	config.ApplyEnv(&cfg, os.Getenv)
	return cfg, nil
}

// RunFromConfig loads the run config and the workflows, then runs every
// workflow triggered by the event, one after the other.
func RunFromConfig(ctx context.Context, opts RunOptions) ([]*models.RunResult, error) {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}

	root := opts.Root
	if root == "" {
		root = "."
	}
	ev := opts.Event
	if opts.RepoURL != "" {
		resolver, err := checkout.NewResolver()
		if err != nil {
			return nil, err
		}
		defer resolver.Cleanup()

		root, err = resolver.Checkout(ctx, opts.RepoURL, opts.Ref)
		if err != nil {
			return nil, err
		}
		if ev.Repository == "" {
			ev.Repository = opts.RepoURL
		}
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving repository root: %w", err)
	}
	ev = ResolveEvent(ctx, root, ev)

	set, err := workflow.LoadAll(root, cfg.WorkflowsDir)
	if err != nil {
		return nil, err
	}
	triggered := set.Triggered(ev)
	if len(triggered) == 0 {
		slog.Warn("no workflow is triggered by the event", "event", ev.Name, "branch", ev.Branch)
		return nil, nil
	}

	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}
	secrets := config.SecretsFromEnv(environ, secretNames(set, cfg))

	plans := make([]*workflow.Plan, 0, len(triggered))
	for _, wf := range triggered {
		plan, err := workflow.BuildPlan(set, wf, ev, secrets)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	newExecutor := opts.NewExecutor
	if newExecutor == nil {
		newExecutor = DefaultCellExecutorFunc
	}

	results := make([]*models.RunResult, 0, len(plans))
	for _, plan := range plans {
		if ctx.Err() != nil {
			break
		}
		name := opts.Name
		if name != "" && len(plans) > 1 {
			name += "-" + workflow.Stem(plan.Workflow)
		}
		orch := NewOrchestrator(cfg, plan, Options{Name: name, Workspace: root}, newExecutor)
		result, err := orch.Run(ctx)
		if err != nil {
			return results, fmt.Errorf("running %s: %w", plan.Workflow.Path, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// ResolveEvent fills the commit and branch from the repository when the
// caller did not give them.
func ResolveEvent(ctx context.Context, root string, ev models.Event) models.Event {
	if ev.Name == "" {
		ev.Name = models.EventPush
	}
	if ev.SHA == "" {
		if sha, err := checkout.ResolveSHA(ctx, root); err == nil {
			ev.SHA = sha
		}
	}
	if ev.Branch == "" {
		if branch, err := checkout.ResolveBranch(ctx, root); err == nil {
			ev.Branch = branch
		}
	}
	return ev
}

// secretNames lists the bare environment variables read as secrets: those
// declared by reusable workflows and the coverage token.
func secretNames(set workflow.Set, cfg models.RunConfig) []string {
	seen := make(map[string]bool)
	var names []string
	add := func(name string) {
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	for _, p := range set.Paths() {
		wf := set.Workflows[p]
		if wf.On.WorkflowCall == nil {
			continue
		}
		for _, name := range sortedStrings(mapKeys(wf.On.WorkflowCall.Secrets)) {
			add(name)
		}
	}
	add(cfg.Coverage.TokenEnv)
	return names
}
