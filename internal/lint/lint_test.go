package lint

import (
	"testing"
	"testing/fstest"

	"github.com/spachava753/matrixci/internal/lockfile"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/workflow"
)

func loadSet(t *testing.T, files map[string]string) workflow.Set {
	t.Helper()
	fsys := fstest.MapFS{}
	for name, data := range files {
		fsys[".github/workflows/"+name] = &fstest.MapFile{Data: []byte(data)}
	}
	set, err := workflow.LoadFS(fsys, ".github/workflows")
	if err != nil {
		t.Fatalf("LoadFS failed: %v", err)
	}
	return set
}

// hasFinding reports whether the report contains a finding for rule at loc.
func hasFinding(r Report, rule, file, loc string) bool {
	for _, f := range r.Findings {
		if f.Rule == rule && f.File == file && f.Location == loc {
			return true
		}
	}
	return false
}

const cleanCI = `on:
  push:
    branches: [main]
jobs:
  tests:
    uses: ./.github/workflows/tests.yml
    with:
      python-versions: '["3.11", "3.12"]'
    secrets:
      CODECOV_TOKEN: ${{ secrets.CODECOV_TOKEN }}
`

const cleanTests = `on:
  workflow_call:
    inputs:
      python-versions:
        type: string
        required: true
      postgresql:
        type: number
        default: 16
    secrets:
      CODECOV_TOKEN:
        required: false
jobs:
  tests:
    runs-on: ubuntu-latest
    strategy:
      matrix:
        python-version: ${{ fromJSON(inputs.python-versions) }}
    steps:
      - uses: actions/checkout@v4
      - uses: actions/setup-python@v5
        with:
          python-version: ${{ matrix.python-version }}
      - uses: ankane/setup-postgres@v1
        with:
          postgres-version: ${{ inputs.postgresql }}
      - run: pytest --cov
      - uses: codecov/codecov-action@v5
        with:
          token: ${{ secrets.CODECOV_TOKEN }}
      - if: failure()
        uses: actions/upload-artifact@v4
        with:
          name: logs
          path: /tmp/pytest-*/**
`

func TestCleanWorkflowsHaveNoFindings(t *testing.T) {
	set := loadSet(t, map[string]string{"ci.yml": cleanCI, "tests.yml": cleanTests})
	m, err := lockfile.ParseBytes("requirements.txt", []byte("pytest==8.3.4\npsycopg==3.2.3\n"))
	if err != nil {
		t.Fatal(err)
	}

	report := Linter{Workflows: set, Manifests: []models.Manifest{m}}.Run()
	if len(report.Findings) != 0 {
		for _, f := range report.Findings {
			t.Errorf("unexpected finding: %s", f)
		}
	}
	if report.HasErrors() {
		t.Error("expected no errors")
	}
}

func TestRules(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		rule     string
		file     string
		loc      string
		severity models.Severity
	}{
		{
			name: "needs cycle",
			files: map[string]string{"ci.yml": `on: push
jobs:
  a:
    needs: b
    steps: [{run: "true"}]
  b:
    needs: a
    steps: [{run: "true"}]
`},
			rule: RuleAcyclicNeeds, file: ".github/workflows/ci.yml", loc: "jobs.a.needs", severity: models.SeverityError,
		},
		{
			name: "self need",
			files: map[string]string{"ci.yml": `on: push
jobs:
  a:
    needs: a
    steps: [{run: "true"}]
`},
			rule: RuleAcyclicNeeds, file: ".github/workflows/ci.yml", loc: "jobs.a.needs", severity: models.SeverityError,
		},
		{
			name: "unknown needs",
			files: map[string]string{"ci.yml": `on: push
jobs:
  a:
    needs: [build]
    steps: [{run: "true"}]
`},
			rule: RuleUnknownNeeds, file: ".github/workflows/ci.yml", loc: "jobs.a.needs", severity: models.SeverityError,
		},
		{
			name: "undeclared input in run",
			files: map[string]string{"tests.yml": `on:
  workflow_call:
    inputs:
      os:
        type: string
jobs:
  t:
    runs-on: ${{ inputs.os }}
    steps:
      - run: echo ${{ inputs.postgresql }}
`},
			rule: RuleDeclaredInputs, file: ".github/workflows/tests.yml", loc: "jobs.t.steps[0].run", severity: models.SeverityError,
		},
		{
			name: "input used by a non reusable workflow",
			files: map[string]string{"ci.yml": `on: push
jobs:
  t:
    if: inputs.enabled
    steps: [{run: "true"}]
`},
			rule: RuleDeclaredInputs, file: ".github/workflows/ci.yml", loc: "jobs.t.if", severity: models.SeverityError,
		},
		{
			name: "with key unknown to callee",
			files: map[string]string{"tests.yml": cleanTests, "ci.yml": `on: push
jobs:
  t:
    uses: ./.github/workflows/tests.yml
    with:
      python-versions: '["3.12"]'
      python-version: "3.12"
`},
			rule: RuleDeclaredInputs, file: ".github/workflows/ci.yml", loc: "jobs.t.with.python-version", severity: models.SeverityError,
		},
		{
			name: "required input missing",
			files: map[string]string{"tests.yml": cleanTests, "ci.yml": `on: push
jobs:
  t:
    uses: ./.github/workflows/tests.yml
`},
			rule: RuleDeclaredInputs, file: ".github/workflows/ci.yml", loc: "jobs.t.with", severity: models.SeverityError,
		},
		{
			name: "undeclared secret",
			files: map[string]string{"tests.yml": `on: workflow_call
jobs:
  t:
    steps:
      - run: upload --token ${{ secrets.CODECOV_TOKEN }} --gh ${{ secrets.GITHUB_TOKEN }}
`},
			rule: RuleDeclaredSecrets, file: ".github/workflows/tests.yml", loc: "jobs.t.steps[0].run", severity: models.SeverityWarning,
		},
		{
			name: "unknown matrix key",
			files: map[string]string{"ci.yml": `on: push
jobs:
  t:
    strategy:
      matrix:
        python: ["3.12"]
    steps:
      - run: echo ${{ matrix.python-version }}
`},
			rule: RuleMatrixReferences, file: ".github/workflows/ci.yml", loc: "jobs.t.steps[0].run", severity: models.SeverityError,
		},
		{
			name: "needs result of a job not listed in needs",
			files: map[string]string{"tests.yml": cleanTests, "ci.yml": `on: push
jobs:
  build:
    steps: [{run: make}]
  t:
    if: needs.build.result == 'success'
    uses: ./.github/workflows/tests.yml
    with:
      python-versions: '["3.12"]'
`},
			rule: RuleNeedsReferences, file: ".github/workflows/ci.yml", loc: "jobs.t.if", severity: models.SeverityError,
		},
		{
			name: "input not declared by workflow_dispatch",
			files: map[string]string{"ci.yml": `on:
  workflow_dispatch:
    inputs:
      python:
        type: string
jobs:
  t:
    steps:
      - run: echo ${{ inputs.python }} ${{ inputs.postgresql }}
`},
			rule: RuleDeclaredInputs, file: ".github/workflows/ci.yml", loc: "jobs.t.steps[0].run", severity: models.SeverityError,
		},
		{
			name: "job with uses and steps",
			files: map[string]string{"tests.yml": cleanTests, "ci.yml": `on: push
jobs:
  t:
    uses: ./.github/workflows/tests.yml
    with:
      python-versions: '["3.12"]'
    steps: [{run: "true"}]
`},
			rule: RuleJobKind, file: ".github/workflows/ci.yml", loc: "jobs.t", severity: models.SeverityError,
		},
		{
			name: "unresolved call",
			files: map[string]string{"ci.yml": `on: push
jobs:
  t:
    uses: ./.github/workflows/missing.yml
`},
			rule: RuleUnresolvedCall, file: ".github/workflows/ci.yml", loc: "jobs.t.uses", severity: models.SeverityError,
		},
		{
			name: "unsupported action",
			files: map[string]string{"ci.yml": `on: push
jobs:
  t:
    steps:
      - uses: docker/build-push-action@v6
`},
			rule: RuleUnsupportedAction, file: ".github/workflows/ci.yml", loc: "jobs.t.steps[0]", severity: models.SeverityWarning,
		},
		{
			name: "invalid expression",
			files: map[string]string{"ci.yml": `on: push
jobs:
  t:
    steps:
      - run: echo ${{ github.ref == }}
`},
			rule: RuleExpressionSyntax, file: ".github/workflows/ci.yml", loc: "jobs.t.steps[0].run", severity: models.SeverityError,
		},
		{
			name: "reusable workflows calling each other",
			files: map[string]string{
				"a.yml": "on: workflow_call\njobs:\n  b:\n    uses: ./.github/workflows/b.yml\n",
				"b.yml": "on: workflow_call\njobs:\n  a:\n    uses: ./.github/workflows/a.yml\n",
			},
			rule: RuleAcyclicNeeds, file: ".github/workflows/a.yml", loc: "jobs", severity: models.SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := Linter{Workflows: loadSet(t, tt.files)}.Run()
			if !hasFinding(report, tt.rule, tt.file, tt.loc) {
				t.Fatalf("expected %s finding at %s:%s, got %v", tt.rule, tt.file, tt.loc, report.Findings)
			}
			for _, f := range report.Findings {
				if f.Rule == tt.rule && f.Location == tt.loc && f.Severity != tt.severity {
					t.Errorf("expected severity %s, got %s", tt.severity, f.Severity)
				}
			}
			if tt.severity == models.SeverityError && !report.HasErrors() {
				t.Error("expected HasErrors")
			}
		})
	}
}

func TestDispatchInputsAndCallMatrix(t *testing.T) {
	set := loadSet(t, map[string]string{"tests.yml": cleanTests, "ci.yml": `on:
  workflow_dispatch:
    inputs:
      postgresql:
        type: choice
        options: ["15", "16"]
        default: "16"
jobs:
  build:
    steps:
      - run: make PG=${{ inputs.postgresql }}
  tests:
    needs: build
    if: needs.build.result == 'success'
    strategy:
      matrix:
        python: ["3.11", "3.12"]
    uses: ./.github/workflows/tests.yml
    with:
      python-versions: ${{ matrix.python }}
`})
	report := Linter{Workflows: set}.Run()
	if len(report.Findings) != 0 {
		t.Errorf("expected no findings, got %v", report.Findings)
	}
}

func TestGithubTokenIsImplicit(t *testing.T) {
	set := loadSet(t, map[string]string{"tests.yml": `on: workflow_call
jobs:
  t:
    steps:
      - run: gh release view --token ${{ secrets.GITHUB_TOKEN }}
`})
	report := Linter{Workflows: set}.Run()
	if len(report.Findings) != 0 {
		t.Errorf("expected no findings, got %v", report.Findings)
	}
}

func TestManifestFindingsAreSorted(t *testing.T) {
	m, err := lockfile.ParseBytes("requirements.txt", []byte("ruff\npytest>=8\npytest==8.3.4\n"))
	if err != nil {
		t.Fatal(err)
	}
	report := Linter{Manifests: []models.Manifest{m}}.Run()

	var got []string
	for _, f := range report.Findings {
		got = append(got, f.Rule+"@"+f.Location)
	}
	want := []string{"duplicate-requirements@line 3", "pinned-versions@line 1", "pinned-versions@line 2"}
	if len(got) != len(want) {
		t.Fatalf("findings = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("finding %d = %s, want %s", i, got[i], want[i])
		}
	}
	if report.Count(models.SeverityWarning) != 1 || report.Count(models.SeverityError) != 2 {
		t.Errorf("unexpected counts in %v", report.Findings)
	}
}
