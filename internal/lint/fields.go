package lint

import (
	"fmt"
	"sort"

	"github.com/spachava753/matrixci/internal/models"
)

// field is one string value of a workflow that may hold expressions.
type field struct {
	location  string
	value     string
	condition bool // `if:` values may be bare expressions
	matrix    bool // part of the matrix definition itself
}

func workflowFields(wf models.Workflow) []field {
	var out []field
	out = appendMap(out, "env", wf.Env)
	for _, key := range wf.JobOrder {
		out = append(out, jobFields(key, wf.Jobs[key])...)
	}
	return out
}

func jobFields(key string, job models.Job) []field {
	base := "jobs." + key
	var out []field

	out = append(out, field{location: base + ".name", value: job.Name})
	out = append(out, field{location: base + ".if", value: job.If, condition: true})
	for i, l := range job.RunsOn {
		out = append(out, field{location: fmt.Sprintf("%s.runs-on[%d]", base, i), value: l})
	}
	out = appendMap(out, base+".with", job.With)
	for _, name := range sortedKeys(job.Secrets.Values) {
		out = append(out, field{location: base + ".secrets." + name, value: job.Secrets.Values[name]})
	}
	out = appendMap(out, base+".env", job.Env)

	m := job.Strategy.Matrix
	loc := base + ".strategy.matrix"
	if m.Expr != "" {
		out = append(out, field{location: loc, value: m.Expr, matrix: true})
	}
	for _, axis := range m.Axes {
		if axis.Expr != "" {
			out = append(out, field{location: loc + "." + axis.Name, value: axis.Expr, matrix: true})
		}
		for i, v := range axis.Values {
			if s, ok := v.(string); ok {
				out = append(out, field{location: fmt.Sprintf("%s.%s[%d]", loc, axis.Name, i), value: s, matrix: true})
			}
		}
	}
	for i, entry := range m.Include {
		for _, f := range appendMap(nil, fmt.Sprintf("%s.include[%d]", loc, i), entry) {
			f.matrix = true
			out = append(out, f)
		}
	}

	for _, name := range sortedKeys(job.Services) {
		svc := job.Services[name]
		sloc := base + ".services." + name
		out = append(out, field{location: sloc + ".image", value: svc.Image})
		out = appendMap(out, sloc+".env", svc.Env)
		for i, p := range svc.Ports {
			out = append(out, field{location: fmt.Sprintf("%s.ports[%d]", sloc, i), value: p})
		}
	}

	for i, step := range job.Steps {
		sloc := fmt.Sprintf("%s.steps[%d]", base, i)
		out = append(out,
			field{location: sloc + ".name", value: step.Name},
			field{location: sloc + ".if", value: step.If, condition: true},
			field{location: sloc + ".run", value: step.Run},
			field{location: sloc + ".working-directory", value: step.WorkingDirectory},
		)
		out = appendMap(out, sloc+".with", step.With)
		out = appendMap(out, sloc+".env", step.Env)
	}
	return out
}

// appendMap adds the string leaves of m, descending into nested maps and lists.
func appendMap(out []field, loc string, m map[string]any) []field {
	for _, k := range sortedKeys(m) {
		out = appendValue(out, loc+"."+k, m[k])
	}
	return out
}

func appendValue(out []field, loc string, v any) []field {
	switch x := v.(type) {
	case string:
		out = append(out, field{location: loc, value: x})
	case map[string]any:
		out = appendMap(out, loc, x)
	case []any:
		for i, item := range x {
			out = appendValue(out, fmt.Sprintf("%s[%d]", loc, i), item)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
