// Package workflow turns a directory of workflow files into schedulable plans.
package workflow

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spachava753/matrixci/internal/config"
	"github.com/spachava753/matrixci/internal/models"
)

// DefaultPatterns match workflow files below the workflows directory.
var DefaultPatterns = []string{"**/*.yml", "**/*.yaml"}

// Set is a collection of workflows keyed by slash path relative to the
// repository root, e.g. ".github/workflows/ci.yml".
type Set struct {
	Workflows map[string]models.Workflow
}

// Discover finds workflow files in dir matching patterns. Returned paths are
// relative to fsys and sorted.
func Discover(fsys fs.FS, dir string, patterns []string) ([]string, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	dir = path.Clean(strings.TrimPrefix(dir, "./"))

	found := make(map[string]bool)
	for _, pattern := range patterns {
		if path.IsAbs(pattern) || strings.Contains(pattern, "..") {
			return nil, fmt.Errorf("invalid workflow pattern %q: must be relative to the workflows directory", pattern)
		}
		matches, err := doublestar.Glob(fsys, path.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			found[m] = true
		}
	}

	files := make([]string, 0, len(found))
	for f := range found {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// LoadFS loads every workflow file in dir from fsys.
func LoadFS(fsys fs.FS, dir string) (Set, error) {
	set := Set{Workflows: make(map[string]models.Workflow)}

	files, err := Discover(fsys, dir, nil)
	if err != nil {
		return set, err
	}
	for _, f := range files {
		wf, err := config.LoadWorkflowFS(fsys, f)
		if err != nil {
			return set, err
		}
		set.Workflows[f] = wf
		slog.Debug("loaded workflow", "path", f, "name", wf.Name, "jobs", len(wf.Jobs))
	}
	return set, nil
}

// LoadAll loads every workflow file in dir, which is relative to root.
func LoadAll(root, dir string) (Set, error) {
	if _, err := os.Stat(root); err != nil {
		return Set{}, fmt.Errorf("loading workflows: %w", err)
	}
	return LoadFS(os.DirFS(root), dir)
}

// Paths returns the workflow paths, sorted.
func (s Set) Paths() []string {
	paths := make([]string, 0, len(s.Workflows))
	for p := range s.Workflows {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// IsLocalCall reports whether uses refers to a workflow in this repository.
func IsLocalCall(uses string) bool {
	return strings.HasPrefix(uses, "./")
}

// Resolve returns the workflow a call job's `uses:` points at. Only local
// references (./path/to/workflow.yml) are supported.
func (s Set) Resolve(uses string) (models.Workflow, error) {
	if !IsLocalCall(uses) {
		return models.Workflow{}, fmt.Errorf("unsupported workflow reference %q: only local ./ paths can be called", uses)
	}
	key := path.Clean(strings.TrimPrefix(uses, "./"))
	wf, ok := s.Workflows[key]
	if !ok {
		return models.Workflow{}, fmt.Errorf("called workflow %q not found", uses)
	}
	if !wf.IsReusable() {
		return wf, fmt.Errorf("called workflow %q has no workflow_call trigger", uses)
	}
	return wf, nil
}

// Triggered returns the workflows whose triggers match ev, sorted by path.
func (s Set) Triggered(ev models.Event) []models.Workflow {
	var out []models.Workflow
	for _, p := range s.Paths() {
		wf := s.Workflows[p]
		if Matches(wf.On, ev) {
			out = append(out, wf)
		}
	}
	return out
}

// Matches reports whether triggers fire for ev.
func Matches(t models.Triggers, ev models.Event) bool {
	switch ev.Name {
	case models.EventPush:
		return t.Push != nil && branchMatches(*t.Push, ev.Branch)
	case models.EventPullRequest:
		return t.PullRequest != nil && branchMatches(*t.PullRequest, ev.Branch)
	case models.EventWorkflowDispatch:
		return t.WorkflowDispatch != nil
	}
	return false
}

// branchMatches applies a branch filter. Patterns are evaluated in order and
// a leading '!' negates a pattern.
func branchMatches(f models.BranchFilter, branch string) bool {
	for _, p := range f.BranchesIgnore {
		if globMatch(p, branch) {
			return false
		}
	}
	if len(f.Branches) == 0 {
		return true
	}
	matched := false
	for _, p := range f.Branches {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if globMatch(neg, branch) {
				matched = false
			}
			continue
		}
		if globMatch(p, branch) {
			matched = true
		}
	}
	return matched
}

func globMatch(pattern, name string) bool {
	ok, err := doublestar.Match(pattern, name)
	if err != nil {
		slog.Warn("invalid branch pattern", "pattern", pattern, "error", err)
		return false
	}
	return ok
}
