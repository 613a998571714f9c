// Package lint runs structural checks over workflows and dependency manifests.
package lint

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/graph"
	"github.com/spachava753/matrixci/internal/lockfile"
	"github.com/spachava753/matrixci/internal/models"
	"github.com/spachava753/matrixci/internal/workflow"
)

// Rule names.
const (
	RuleAcyclicNeeds      = "acyclic-needs"
	RuleUnknownNeeds      = "unknown-needs"
	RulePinnedVersions    = lockfile.RulePinned
	RuleDuplicates        = lockfile.RuleDuplicates
	RuleDeclaredInputs    = "declared-inputs"
	RuleDeclaredSecrets   = "declared-secrets"
	RuleMatrixReferences  = "matrix-references"
	RuleNeedsReferences   = "needs-references"
	RuleJobKind           = "job-kind"
	RuleUnresolvedCall    = "unresolved-call"
	RuleUnsupportedAction = "unsupported-action"
	RuleExpressionSyntax  = "expression-syntax"
)

// Secrets every workflow can read without declaring them.
var implicitSecrets = map[string]bool{"GITHUB_TOKEN": true}

// Linter checks a set of workflows and manifests.
type Linter struct {
	Workflows workflow.Set
	Manifests []models.Manifest
}

// Report holds the findings of a lint run, sorted by file, rule and location.
type Report struct {
	Findings []models.Finding `json:"findings"`
}

// HasErrors reports whether any finding has error severity.
func (r Report) HasErrors() bool {
	return r.Count(models.SeverityError) > 0
}

// Count returns the number of findings with the given severity.
func (r Report) Count(sev models.Severity) int {
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// Run executes every rule.
func (l Linter) Run() Report {
	var findings []models.Finding

	for _, p := range l.Workflows.Paths() {
		wf := l.Workflows.Workflows[p]
		findings = append(findings, checkJobKind(wf)...)
		findings = append(findings, checkNeeds(wf)...)
		findings = append(findings, l.checkCalls(wf)...)
		findings = append(findings, checkReferences(wf)...)
		findings = append(findings, checkActions(wf)...)
	}
	findings = append(findings, l.checkCallCycles()...)

	for _, m := range l.Manifests {
		findings = append(findings, lockfile.CheckPinned(m)...)
		findings = append(findings, lockfile.Duplicates(m)...)
	}

	return newReport(findings)
}

func newReport(findings []models.Finding) Report {
	sort.Slice(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		if a.Location != b.Location {
			return a.Location < b.Location
		}
		return a.Message < b.Message
	})
	out := findings[:0]
	for i, f := range findings {
		if i > 0 && f == findings[i-1] {
			continue
		}
		out = append(out, f)
	}
	return Report{Findings: out}
}

func finding(rule string, sev models.Severity, wf models.Workflow, loc, format string, args ...any) models.Finding {
	return models.Finding{
		Rule:     rule,
		Severity: sev,
		File:     wf.Path,
		Location: loc,
		Message:  fmt.Sprintf(format, args...),
	}
}

func checkJobKind(wf models.Workflow) []models.Finding {
	var out []models.Finding
	for _, key := range wf.JobOrder {
		job := wf.Jobs[key]
		switch {
		case job.Uses != "" && len(job.Steps) > 0:
			out = append(out, finding(RuleJobKind, models.SeverityError, wf, "jobs."+key, "job has both uses and steps"))
		case job.Uses == "" && len(job.Steps) == 0:
			out = append(out, finding(RuleJobKind, models.SeverityError, wf, "jobs."+key, "job has neither uses nor steps"))
		}
	}
	return out
}

// checkNeeds reports unknown needs and cycles among a workflow's jobs.
func checkNeeds(wf models.Workflow) []models.Finding {
	var out []models.Finding
	g := graph.New()
	for _, key := range wf.JobOrder {
		g.AddNode(key)
	}
	for _, key := range wf.JobOrder {
		for _, need := range wf.Jobs[key].Needs {
			if _, ok := wf.Jobs[need]; !ok {
				out = append(out, finding(RuleUnknownNeeds, models.SeverityError, wf, "jobs."+key+".needs", "job %q needs unknown job %q", key, need))
				continue
			}
			if err := g.AddEdge(need, key); err != nil {
				out = append(out, cycleFinding(wf, "jobs."+key+".needs", err))
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		var ce *graph.CycleError
		loc := "jobs"
		if errors.As(err, &ce) && len(ce.Path) > 0 {
			loc = "jobs." + ce.Path[0] + ".needs"
		}
		out = append(out, cycleFinding(wf, loc, err))
	}
	return out
}

func cycleFinding(wf models.Workflow, loc string, err error) models.Finding {
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return finding(RuleAcyclicNeeds, models.SeverityError, wf, loc, "needs form a cycle: %s", strings.Join(ce.Path, " -> "))
	}
	return finding(RuleAcyclicNeeds, models.SeverityError, wf, loc, "%v", err)
}

// checkCalls resolves call jobs and checks their `with:` against the callee.
func (l Linter) checkCalls(wf models.Workflow) []models.Finding {
	var out []models.Finding
	for _, key := range wf.JobOrder {
		job := wf.Jobs[key]
		if !job.IsCall() {
			continue
		}
		loc := "jobs." + key + ".uses"
		callee, err := l.Workflows.Resolve(job.Uses)
		if err != nil {
			out = append(out, finding(RuleUnresolvedCall, models.SeverityError, wf, loc, "%v", err))
			continue
		}

		schema := callee.On.WorkflowCall.Inputs
		for _, name := range sortedKeys(job.With) {
			if _, ok := schema[name]; !ok {
				out = append(out, finding(RuleDeclaredInputs, models.SeverityError, wf, "jobs."+key+".with."+name,
					"input %q is not declared by %s", name, callee.Path))
				continue
			}
			v := job.With[name]
			if s, ok := v.(string); ok && expr.HasExpression(s) {
				continue
			}
			if _, err := workflow.Coerce(schema[name].Type, v); err != nil {
				out = append(out, finding(RuleDeclaredInputs, models.SeverityError, wf, "jobs."+key+".with."+name,
					"input %q: %v", name, err))
			}
		}
		for _, name := range sortedKeys(schema) {
			spec := schema[name]
			if _, ok := job.With[name]; !ok && spec.Required && spec.Default == nil {
				out = append(out, finding(RuleDeclaredInputs, models.SeverityError, wf, "jobs."+key+".with",
					"required input %q of %s is not provided", name, callee.Path))
			}
		}

		if !job.Secrets.Inherit {
			declared := callee.On.WorkflowCall.Secrets
			for _, name := range sortedKeys(job.Secrets.Values) {
				if _, ok := declared[name]; !ok {
					out = append(out, finding(RuleDeclaredSecrets, models.SeverityWarning, wf, "jobs."+key+".secrets."+name,
						"secret %q is not declared by %s", name, callee.Path))
				}
			}
			for _, name := range sortedKeys(declared) {
				if _, ok := job.Secrets.Values[name]; !ok && declared[name].Required {
					out = append(out, finding(RuleDeclaredSecrets, models.SeverityWarning, wf, "jobs."+key+".secrets",
						"required secret %q of %s is not passed", name, callee.Path))
				}
			}
		}
	}
	return out
}

// checkCallCycles reports reusable workflows that call themselves, directly
// or through other workflows.
func (l Linter) checkCallCycles() []models.Finding {
	g := graph.New()
	for _, p := range l.Workflows.Paths() {
		g.AddNode(p)
	}
	var out []models.Finding
	for _, p := range l.Workflows.Paths() {
		wf := l.Workflows.Workflows[p]
		for _, key := range wf.JobOrder {
			job := wf.Jobs[key]
			if !job.IsCall() || !workflow.IsLocalCall(job.Uses) {
				continue
			}
			callee, err := l.Workflows.Resolve(job.Uses)
			if err != nil {
				continue
			}
			if err := g.AddEdge(p, callee.Path); err != nil {
				out = append(out, finding(RuleAcyclicNeeds, models.SeverityError, wf, "jobs."+key+".uses",
					"workflow calls itself"))
			}
		}
	}
	if err := g.DetectCycles(); err != nil {
		var ce *graph.CycleError
		if errors.As(err, &ce) && len(ce.Path) > 0 {
			wf := l.Workflows.Workflows[ce.Path[0]]
			out = append(out, finding(RuleAcyclicNeeds, models.SeverityError, wf, "jobs",
				"reusable workflow calls form a cycle: %s", strings.Join(ce.Path, " -> ")))
		}
	}
	return out
}

// checkReferences validates every expression of a workflow: syntax, inputs,
// secrets and matrix keys.
func checkReferences(wf models.Workflow) []models.Finding {
	var out []models.Finding

	declaredInputs := wf.DeclaredInputs()
	var declaredSecrets map[string]models.SecretSpec
	if wf.On.WorkflowCall != nil {
		declaredSecrets = wf.On.WorkflowCall.Secrets
	}

	matrixKeys := make(map[string]map[string]bool, len(wf.Jobs))
	dynamicMatrix := make(map[string]bool)
	for key, job := range wf.Jobs {
		keys := make(map[string]bool)
		m := job.Strategy.Matrix
		for _, a := range m.Axes {
			keys[a.Name] = true
		}
		for _, entry := range m.Include {
			for k := range entry {
				keys[k] = true
			}
		}
		matrixKeys[key] = keys
		dynamicMatrix[key] = m.Expr != ""
	}

	for _, f := range workflowFields(wf) {
		if f.value == "" {
			continue
		}
		var refs []expr.Ref
		var err error
		if f.condition {
			refs, err = expr.ConditionReferences(f.value)
		} else {
			refs, err = expr.References(f.value)
		}
		if err != nil {
			out = append(out, finding(RuleExpressionSyntax, models.SeverityError, wf, f.location, "invalid expression: %v", err))
			continue
		}
		if unknown := unknownContexts(f); len(unknown) > 0 {
			out = append(out, finding(RuleExpressionSyntax, models.SeverityError, wf, f.location,
				"unrecognized named-value %s", strings.Join(unknown, ", ")))
		}

		jobKey := jobOf(f.location)
		for _, r := range refs {
			switch r.Context {
			case "inputs":
				if _, ok := declaredInputs[r.Name]; !ok {
					out = append(out, finding(RuleDeclaredInputs, models.SeverityError, wf, f.location,
						"input %q is used but not declared in on.workflow_call.inputs or on.workflow_dispatch.inputs", r.Name))
				}
			case "secrets":
				if wf.IsReusable() && !implicitSecrets[r.Name] {
					if _, ok := declaredSecrets[r.Name]; !ok {
						out = append(out, finding(RuleDeclaredSecrets, models.SeverityWarning, wf, f.location,
							"secret %q is used but not declared in on.workflow_call.secrets", r.Name))
					}
				}
			case "needs":
				if jobKey == "" {
					continue
				}
				if !slices.Contains(wf.Jobs[jobKey].Needs, r.Name) {
					out = append(out, finding(RuleNeedsReferences, models.SeverityError, wf, f.location,
						"needs.%s is not listed in the job's needs", r.Name))
				}
			case "matrix":
				if jobKey == "" || f.matrix || dynamicMatrix[jobKey] {
					continue
				}
				if !matrixKeys[jobKey][r.Name] {
					out = append(out, finding(RuleMatrixReferences, models.SeverityError, wf, f.location,
						"matrix.%s is not defined by the job's matrix", r.Name))
				}
			}
		}
	}
	return out
}

func unknownContexts(f field) []string {
	var exprs []string
	if f.condition && !expr.HasExpression(f.value) {
		exprs = []string{f.value}
	} else {
		exprs, _ = expr.Expressions(f.value)
	}
	seen := map[string]bool{}
	var out []string
	for _, e := range exprs {
		names, err := expr.UnknownContexts(e)
		if err != nil {
			continue
		}
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// jobOf extracts the job key from a location such as jobs.tests.steps[0].run.
func jobOf(loc string) string {
	rest, ok := strings.CutPrefix(loc, "jobs.")
	if !ok {
		return ""
	}
	key, _, _ := strings.Cut(rest, ".")
	return key
}

func checkActions(wf models.Workflow) []models.Finding {
	var out []models.Finding
	for _, key := range wf.JobOrder {
		for i, step := range wf.Jobs[key].Steps {
			loc := fmt.Sprintf("jobs.%s.steps[%d]", key, i)
			switch {
			case step.Uses != "" && step.Run != "":
				out = append(out, finding(RuleJobKind, models.SeverityError, wf, loc, "step has both uses and run"))
			case step.Uses == "" && step.Run == "":
				out = append(out, finding(RuleJobKind, models.SeverityError, wf, loc, "step has neither uses nor run"))
			case step.Uses != "" && !workflow.IsBuiltinAction(step.Uses):
				out = append(out, finding(RuleUnsupportedAction, models.SeverityWarning, wf, loc,
					"action %s has no built-in emulation and will fail when run", step.Uses))
			}
		}
	}
	return out
}
