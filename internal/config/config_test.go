package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/spachava753/matrixci/internal/config"
)

const testsWorkflow = `name: Tests
on:
  workflow_call:
    inputs:
      python-versions:
        type: string
        required: true
      postgresql:
        type: number
        default: 16
      os:
        type: string
        default: ubuntu-latest
    secrets:
      codecov_token:
        required: false
jobs:
  tests:
    runs-on: ${{ inputs.os }}
    strategy:
      fail-fast: false
      matrix:
        python-version: ${{ fromJSON(inputs.python-versions) }}
    steps:
      - uses: actions/checkout@v4
      - name: Run tests
        run: pytest -v
  lint:
    runs-on: ubuntu-latest
    needs: tests
    steps:
      - run: ruff check .
`

func TestLoadWorkflowFS(t *testing.T) {
	fsys := fstest.MapFS{
		".github/workflows/tests.yml": &fstest.MapFile{Data: []byte(testsWorkflow)},
	}

	wf, err := config.LoadWorkflowFS(fsys, ".github/workflows/tests.yml")
	if err != nil {
		t.Fatalf("LoadWorkflowFS failed: %v", err)
	}

	if wf.Name != "Tests" {
		t.Errorf("expected name Tests, got %s", wf.Name)
	}
	if !wf.IsReusable() {
		t.Fatal("expected workflow_call trigger")
	}
	if wf.On.Push != nil || wf.On.PullRequest != nil {
		t.Errorf("expected no push/pull_request triggers, got %+v", wf.On)
	}

	in := wf.On.WorkflowCall.Inputs
	if !in["python-versions"].Required {
		t.Error("expected python-versions to be required")
	}
	if in["postgresql"].Type != "number" || in["postgresql"].Default != 16 {
		t.Errorf("unexpected postgresql input: %+v", in["postgresql"])
	}
	if _, ok := wf.On.WorkflowCall.Secrets["codecov_token"]; !ok {
		t.Error("expected codecov_token secret to be declared")
	}

	if got := wf.JobOrder; len(got) != 2 || got[0] != "tests" || got[1] != "lint" {
		t.Errorf("expected job order [tests lint], got %v", got)
	}

	tests := wf.Jobs["tests"]
	if tests.RunnerLabel() != "${{ inputs.os }}" {
		t.Errorf("unexpected runs-on %v", tests.RunsOn)
	}
	if tests.Strategy.IsFailFast() {
		t.Error("expected fail-fast false")
	}
	axes := tests.Strategy.Matrix.Axes
	if len(axes) != 1 || axes[0].Name != "python-version" || axes[0].Expr != "${{ fromJSON(inputs.python-versions) }}" {
		t.Errorf("unexpected matrix axes %+v", axes)
	}
	if len(tests.Steps) != 2 || tests.Steps[0].Uses != "actions/checkout@v4" {
		t.Errorf("unexpected steps %+v", tests.Steps)
	}

	lint := wf.Jobs["lint"]
	if len(lint.Needs) != 1 || lint.Needs[0] != "tests" {
		t.Errorf("expected scalar needs to decode as list, got %v", lint.Needs)
	}
	if !lint.Strategy.IsFailFast() {
		t.Error("expected fail-fast to default to true")
	}
}

func TestParseWorkflowTriggers(t *testing.T) {
	tests := []struct {
		name        string
		on          string
		push        bool
		pullRequest bool
		branches    []string
	}{
		{name: "scalar", on: "on: push", push: true},
		{name: "list", on: "on: [push, pull_request]", push: true, pullRequest: true},
		{name: "map with null", on: "on:\n  push:\n  pull_request:\n", push: true, pullRequest: true},
		{name: "branch filter", on: "on:\n  push:\n    branches: [main]\n", push: true, branches: []string{"main"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := tt.on + "\njobs:\n  a:\n    runs-on: ubuntu-latest\n    steps:\n      - run: true\n"
			wf, err := config.ParseWorkflow("ci.yml", []byte(src))
			if err != nil {
				t.Fatalf("ParseWorkflow failed: %v", err)
			}
			if wf.Name != "ci" {
				t.Errorf("expected default name ci, got %s", wf.Name)
			}
			if (wf.On.Push != nil) != tt.push {
				t.Errorf("push trigger: got %v, want %v", wf.On.Push != nil, tt.push)
			}
			if (wf.On.PullRequest != nil) != tt.pullRequest {
				t.Errorf("pull_request trigger: got %v, want %v", wf.On.PullRequest != nil, tt.pullRequest)
			}
			if tt.branches != nil {
				if len(wf.On.Push.Branches) != len(tt.branches) || wf.On.Push.Branches[0] != tt.branches[0] {
					t.Errorf("expected branches %v, got %v", tt.branches, wf.On.Push.Branches)
				}
			}
		})
	}
}

func TestParseWorkflowDispatchInputs(t *testing.T) {
	src := `on:
  push:
  workflow_dispatch:
    inputs:
      postgresql:
        type: choice
        options: ["15", "16", "17"]
        default: "16"
      debug:
        type: boolean
      suite:
        required: true
jobs:
  a:
    runs-on: ubuntu-latest
    steps:
      - run: pytest
`
	wf, err := config.ParseWorkflow("ci.yml", []byte(src))
	if err != nil {
		t.Fatalf("ParseWorkflow failed: %v", err)
	}
	if wf.On.Push == nil || wf.On.WorkflowDispatch == nil {
		t.Fatalf("expected push and workflow_dispatch triggers, got %+v", wf.On)
	}
	inputs := wf.On.WorkflowDispatch.Inputs
	if pg := inputs["postgresql"]; pg.Type != "choice" || len(pg.Options) != 3 || pg.Default != "16" {
		t.Errorf("postgresql input = %+v", pg)
	}
	if got := inputs["suite"].Type; got != "string" {
		t.Errorf("suite input type = %q, want the string default", got)
	}
	if _, ok := wf.DeclaredInputs()["debug"]; !ok {
		t.Error("dispatch inputs missing from DeclaredInputs")
	}
}

func TestParseWorkflowErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "no jobs", src: "on: push\n"},
		{name: "no trigger", src: "jobs:\n  a:\n    steps:\n      - run: true\n"},
		{name: "bad input type", src: "on:\n  workflow_call:\n    inputs:\n      x:\n        type: choice\njobs:\n  a:\n    steps:\n      - run: true\n"},
		{name: "bad secrets", src: "on: push\njobs:\n  a:\n    uses: ./x.yml\n    secrets: all\n"},
		{name: "choice without options", src: "on:\n  workflow_dispatch:\n    inputs:\n      pg:\n        type: choice\njobs:\n  a:\n    steps:\n      - run: true\n"},
		{name: "bad dispatch input type", src: "on:\n  workflow_dispatch:\n    inputs:\n      pg:\n        type: list\njobs:\n  a:\n    steps:\n      - run: true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.ParseWorkflow("bad.yml", []byte(tt.src)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseWorkflowCallJob(t *testing.T) {
	src := `on:
  push:
    branches: [main]
jobs:
  tests:
    uses: ./.github/workflows/tests.yml
    with:
      python-versions: '["3.10", "3.11"]'
      postgresql: 15
    secrets: inherit
`
	wf, err := config.ParseWorkflow("ci.yml", []byte(src))
	if err != nil {
		t.Fatalf("ParseWorkflow failed: %v", err)
	}
	job := wf.Jobs["tests"]
	if !job.IsCall() {
		t.Fatal("expected call job")
	}
	if !job.Secrets.Inherit {
		t.Error("expected secrets: inherit")
	}
	if job.With["postgresql"] != 15 {
		t.Errorf("expected postgresql 15, got %v", job.With["postgresql"])
	}
}

func TestLoadRunConfig(t *testing.T) {
	runToml := `runs_dir = "out"
max_parallel_jobs = 2

[runners.ubuntu-latest]
provider = "docker"
image = "python:${{ matrix.python-version }}-slim"
cpus = 2
memory = "4G"

[runners.big]
provider = "docker"
image = "python:3.12"
memory = "4G"
memory_mb = 1024

[postgres]
backend = "pgctl"
port = "2000-3000"
connection_timeout = "15s"
`

	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "matrixci.toml")
	if err := os.WriteFile(tmpFile, []byte(runToml), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}

	t.Setenv("MATRIXCI_LOG_LEVEL", "debug")
	t.Setenv("MATRIXCI_RUNS_DIR", "")

	cfg, err := config.LoadRunConfig(tmpFile)
	if err != nil {
		t.Fatalf("LoadRunConfig failed: %v", err)
	}

	if cfg.RunsDir != "out" {
		t.Errorf("expected runs_dir out, got %s", cfg.RunsDir)
	}
	if cfg.MaxParallelJobs != 2 {
		t.Errorf("expected max_parallel_jobs 2, got %d", cfg.MaxParallelJobs)
	}
	if cfg.MaxParallelCells != 4 {
		t.Errorf("expected default max_parallel_cells 4, got %d", cfg.MaxParallelCells)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected env override log level debug, got %s", cfg.LogLevel)
	}

	r := cfg.Runner("ubuntu-latest")
	if r.Provider != "docker" || r.CPUs != 2 {
		t.Errorf("unexpected runner %+v", r)
	}
	if r.MemoryMB != 4096 {
		t.Errorf("expected legacy memory 4G to give 4096 MiB, got %d", r.MemoryMB)
	}
	if big := cfg.Runner("big"); big.MemoryMB != 1024 {
		t.Errorf("expected explicit memory_mb to win, got %d", big.MemoryMB)
	}
	if def := cfg.Runner("windows-latest"); def.Provider != "local" {
		t.Errorf("expected unknown label to fall back to local, got %+v", def)
	}

	if cfg.Postgres.Backend != "pgctl" || cfg.Postgres.Port != "2000-3000" {
		t.Errorf("unexpected postgres config %+v", cfg.Postgres)
	}
	if cfg.Postgres.ConnectionTimeout.Duration != 15*time.Second {
		t.Errorf("expected connection timeout 15s, got %v", cfg.Postgres.ConnectionTimeout)
	}
	if cfg.Postgres.Image != "postgres:%s-alpine" {
		t.Errorf("expected default image template, got %s", cfg.Postgres.Image)
	}
}

func TestParseRunConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "unknown provider", src: "[runners.x]\nprovider = \"k8s\"\n"},
		{name: "docker without image", src: "[runners.x]\nprovider = \"docker\"\n"},
		{name: "bad memory", src: "[runners.x]\nmemory = \"4X\"\n"},
		{name: "unknown backend", src: "[postgres]\nbackend = \"embedded\"\n"},
		{name: "s3 without bucket", src: "[artifacts]\nstore = \"s3\"\nendpoint = \"localhost:9000\"\n"},
		{name: "no database names", src: "[postgres]\ndbname = \"\"\ntemplate_dbname = \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.ParseRunConfig(tt.src); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSecretsFromEnv(t *testing.T) {
	environ := []string{
		"CODECOV_TOKEN=bare",
		"MATRIXCI_SECRET_CODECOV_TOKEN=prefixed",
		"MATRIXCI_SECRET_DEPLOY_KEY=k",
		"HOME=/root",
	}

	secrets := config.SecretsFromEnv(environ, []string{"CODECOV_TOKEN", "MISSING"})
	if secrets["CODECOV_TOKEN"] != "prefixed" {
		t.Errorf("expected prefixed value to win, got %q", secrets["CODECOV_TOKEN"])
	}
	if secrets["DEPLOY_KEY"] != "k" {
		t.Errorf("expected DEPLOY_KEY from prefix, got %q", secrets["DEPLOY_KEY"])
	}
	if _, ok := secrets["HOME"]; ok {
		t.Error("unwanted bare variable leaked into secrets")
	}
	if _, ok := secrets["MISSING"]; ok {
		t.Error("missing secret should not be present")
	}
}
