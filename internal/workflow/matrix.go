package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/models"
)

// MaxCombinations caps the size of an expanded matrix.
const MaxCombinations = 256

// ExpandMatrix evaluates a job's matrix into its combinations. Expression axes
// are evaluated against ctx. The product is formed in axis declaration order,
// then exclude entries remove partial matches and include entries extend
// matching combinations or are appended. A job without a matrix yields one
// empty combination.
func ExpandMatrix(s models.Strategy, ctx expr.Context) ([]map[string]any, error) {
	m, err := resolveMatrix(s.Matrix, ctx)
	if err != nil {
		return nil, err
	}
	if m.IsEmpty() {
		return []map[string]any{{}}, nil
	}

	axes := make([]models.MatrixAxis, 0, len(m.Axes))
	for _, axis := range m.Axes {
		values := axis.Values
		if axis.Expr != "" {
			v, err := expr.EvaluateValue(axis.Expr, ctx)
			if err != nil {
				return nil, fmt.Errorf("matrix axis %s: %w", axis.Name, err)
			}
			values, err = asList(v)
			if err != nil {
				return nil, fmt.Errorf("matrix axis %s: %w", axis.Name, err)
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("matrix axis %s has no values", axis.Name)
		}
		axes = append(axes, models.MatrixAxis{Name: axis.Name, Values: values})
	}

	var combos []map[string]any
	if len(axes) > 0 {
		combos = []map[string]any{{}}
		for _, axis := range axes {
			next := make([]map[string]any, 0, len(combos)*len(axis.Values))
			for _, c := range combos {
				for _, v := range axis.Values {
					nc := make(map[string]any, len(c)+1)
					for k, cv := range c {
						nc[k] = cv
					}
					nc[axis.Name] = v
					next = append(next, nc)
				}
			}
			combos = next
			if len(combos) > MaxCombinations {
				return nil, fmt.Errorf("matrix exceeds %d combinations", MaxCombinations)
			}
		}
	}

	combos = applyExclude(combos, m.Exclude)
	combos = applyInclude(combos, axes, m.Include)

	if len(combos) == 0 {
		return nil, fmt.Errorf("matrix has no combinations left after exclude")
	}
	if len(combos) > MaxCombinations {
		return nil, fmt.Errorf("matrix exceeds %d combinations", MaxCombinations)
	}
	return combos, nil
}

// resolveMatrix evaluates a whole-matrix expression into axes and entries.
func resolveMatrix(m models.Matrix, ctx expr.Context) (models.Matrix, error) {
	if m.Expr == "" {
		return m, nil
	}
	v, err := expr.EvaluateValue(m.Expr, ctx)
	if err != nil {
		return m, fmt.Errorf("matrix: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return m, fmt.Errorf("matrix expression must evaluate to an object, got %T", v)
	}

	var out models.Matrix
	for _, k := range sortedKeys(obj) {
		switch k {
		case "include", "exclude":
			list, err := asList(obj[k])
			if err != nil {
				return m, fmt.Errorf("matrix %s: %w", k, err)
			}
			entries := make([]map[string]any, 0, len(list))
			for _, item := range list {
				entry, ok := item.(map[string]any)
				if !ok {
					return m, fmt.Errorf("matrix %s entries must be objects", k)
				}
				entries = append(entries, entry)
			}
			if k == "include" {
				out.Include = entries
			} else {
				out.Exclude = entries
			}
		default:
			values, err := asList(obj[k])
			if err != nil {
				return m, fmt.Errorf("matrix axis %s: %w", k, err)
			}
			out.Axes = append(out.Axes, models.MatrixAxis{Name: k, Values: values})
		}
	}
	return out, nil
}

func asList(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return x, nil
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %s", expr.Stringify(v))
}

func sameValue(a, b any) bool {
	return expr.Stringify(a) == expr.Stringify(b)
}

func applyExclude(combos []map[string]any, exclude []map[string]any) []map[string]any {
	if len(exclude) == 0 {
		return combos
	}
	out := combos[:0:0]
	for _, c := range combos {
		excluded := false
		for _, ex := range exclude {
			match := true
			for k, v := range ex {
				if cv, ok := c[k]; !ok || !sameValue(cv, v) {
					match = false
					break
				}
			}
			if match {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, c)
		}
	}
	return out
}

// applyInclude extends every original combination whose axis values match the
// entry, without overwriting an original axis value. Entries that extend
// nothing become new combinations.
func applyInclude(combos []map[string]any, axes []models.MatrixAxis, include []map[string]any) []map[string]any {
	original := make(map[string]bool, len(axes))
	for _, a := range axes {
		original[a.Name] = true
	}

	var extra []map[string]any
	for _, entry := range include {
		matched := false
		for _, c := range combos {
			ok := true
			for k, v := range entry {
				if original[k] && !sameValue(c[k], v) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			for k, v := range entry {
				if !original[k] {
					c[k] = v
				}
			}
			matched = true
		}
		if !matched {
			nc := make(map[string]any, len(entry))
			for k, v := range entry {
				nc[k] = v
			}
			extra = append(extra, nc)
		}
	}
	return append(combos, extra...)
}

// MatrixStrings renders combination values for display and environment use.
func MatrixStrings(combo map[string]any) map[string]string {
	out := make(map[string]string, len(combo))
	for k, v := range combo {
		out[k] = expr.Stringify(v)
	}
	return out
}

// CellID names one combination of a node: node(v1, v2) with values in sorted
// key order. A combination without values is named after the node alone.
func CellID(nodeID string, combo map[string]string) string {
	if len(combo) == 0 {
		return nodeID
	}
	keys := make([]string, 0, len(combo))
	for k := range combo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	vals := make([]string, len(keys))
	for i, k := range keys {
		vals[i] = combo[k]
	}
	return nodeID + "(" + strings.Join(vals, ", ") + ")"
}
