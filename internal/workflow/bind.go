package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/spachava753/matrixci/internal/expr"
	"github.com/spachava753/matrixci/internal/models"
)

// BindInputs checks a call job's `with:` values against the callee's input
// schema and returns the callee's inputs. Expressions in values are evaluated
// against ctx, defaults are applied and values are coerced to the declared
// type.
func BindInputs(callee models.Workflow, with map[string]any, ctx expr.Context) (map[string]any, error) {
	if callee.On.WorkflowCall == nil {
		return nil, fmt.Errorf("workflow %s is not reusable", callee.Path)
	}
	schema := callee.On.WorkflowCall.Inputs

	var errs []error
	bound := make(map[string]any, len(schema))

	for _, name := range sortedKeys(with) {
		spec, ok := schema[name]
		if !ok {
			errs = append(errs, fmt.Errorf("input %q is not declared by %s", name, callee.Path))
			continue
		}
		v := with[name]
		if s, ok := v.(string); ok && expr.HasExpression(s) {
			ev, err := expr.EvaluateValue(s, ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("input %q: %w", name, err))
				continue
			}
			v = ev
		}
		cv, err := Coerce(spec.Type, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("input %q: %w", name, err))
			continue
		}
		bound[name] = cv
	}

	for _, name := range sortedKeys(schema) {
		if _, ok := bound[name]; ok {
			continue
		}
		if _, given := with[name]; given {
			continue
		}
		spec := schema[name]
		if spec.Default == nil {
			if spec.Required {
				errs = append(errs, fmt.Errorf("required input %q of %s is missing", name, callee.Path))
			}
			continue
		}
		cv, err := Coerce(spec.Type, spec.Default)
		if err != nil {
			errs = append(errs, fmt.Errorf("default of input %q: %w", name, err))
			continue
		}
		bound[name] = cv
	}

	return bound, errors.Join(errs...)
}

// DefaultInputs returns the declared defaults of a workflow's inputs. It is
// used when a reusable workflow runs at the top level.
func DefaultInputs(wf models.Workflow) map[string]any {
	inputs := make(map[string]any)
	if wf.On.WorkflowCall == nil {
		return inputs
	}
	for name, spec := range wf.On.WorkflowCall.Inputs {
		if spec.Default == nil {
			continue
		}
		if v, err := Coerce(spec.Type, spec.Default); err == nil {
			inputs[name] = v
		}
	}
	return inputs
}

// EventInputs returns the inputs context of a top-level run. A
// workflow_dispatch event binds the dispatch inputs given with the event;
// other events see the declared workflow_call defaults.
func EventInputs(wf models.Workflow, ev models.Event) (map[string]any, error) {
	if ev.Name == models.EventWorkflowDispatch && wf.On.WorkflowDispatch != nil {
		return BindDispatchInputs(wf.On.WorkflowDispatch.Inputs, ev.Inputs)
	}
	return DefaultInputs(wf), nil
}

// BindDispatchInputs validates given against the dispatch input schema and
// fills in defaults. Choice inputs must name one of their options.
func BindDispatchInputs(schema map[string]models.InputSpec, given map[string]string) (map[string]any, error) {
	var errs []error
	for _, name := range sortedKeys(given) {
		if _, ok := schema[name]; !ok {
			errs = append(errs, fmt.Errorf("input %q is not declared in on.workflow_dispatch.inputs", name))
		}
	}

	bound := make(map[string]any, len(schema))
	for _, name := range sortedKeys(schema) {
		spec := schema[name]
		var v any
		if s, ok := given[name]; ok {
			v = s
		} else if spec.Default != nil {
			v = spec.Default
		} else {
			if spec.Required {
				errs = append(errs, fmt.Errorf("required input %q is not provided", name))
			}
			continue
		}
		cv, err := Coerce(spec.Type, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("input %q: %w", name, err))
			continue
		}
		if spec.Type == "choice" && !slices.Contains(spec.Options, cv.(string)) {
			errs = append(errs, fmt.Errorf("input %q: %q is not one of %s", name, cv, strings.Join(spec.Options, ", ")))
			continue
		}
		bound[name] = cv
	}
	return bound, errors.Join(errs...)
}

// Coerce converts v to an input type: string, number or boolean. The
// dispatch-only choice and environment types are strings.
func Coerce(typ string, v any) (any, error) {
	switch typ {
	case "", "string", "choice", "environment":
		return expr.Stringify(v), nil
	case "number":
		switch x := v.(type) {
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a number", x)
			}
			return f, nil
		case bool:
			return nil, fmt.Errorf("%v is not a number", x)
		case nil:
			return nil, fmt.Errorf("null is not a number")
		}
		if f, ok := toFloat(v); ok {
			return f, nil
		}
		return nil, fmt.Errorf("%v is not a number", v)
	case "boolean":
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%q is not a boolean", x)
			}
			return b, nil
		}
		return nil, fmt.Errorf("%v is not a boolean", v)
	}
	return nil, fmt.Errorf("unsupported input type %q", typ)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}

// BindSecrets returns the secrets visible to a called workflow. With inherit
// the caller's secrets pass through unchanged. Explicit values may reference
// the caller's secrets through expressions.
func BindSecrets(callee models.Workflow, binding models.SecretsBinding, caller map[string]string) (map[string]string, error) {
	var declared map[string]models.SecretSpec
	if callee.On.WorkflowCall != nil {
		declared = callee.On.WorkflowCall.Secrets
	}

	if binding.Inherit {
		out := make(map[string]string, len(caller))
		for k, v := range caller {
			out[k] = v
		}
		for _, name := range sortedKeys(declared) {
			if declared[name].Required && out[name] == "" {
				slog.Warn("required secret is not set", "workflow", callee.Path, "secret", name)
			}
		}
		return out, nil
	}

	ctx := expr.Context{Secrets: expr.StringMap(caller)}
	var errs []error
	out := make(map[string]string, len(binding.Values))
	for _, name := range sortedKeys(binding.Values) {
		if _, ok := declared[name]; !ok {
			errs = append(errs, fmt.Errorf("secret %q is not declared by %s", name, callee.Path))
			continue
		}
		v, err := expr.Interpolate(binding.Values[name], ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("secret %q: %w", name, err))
			continue
		}
		out[name] = v
	}
	for _, name := range sortedKeys(declared) {
		if _, ok := binding.Values[name]; !ok && declared[name].Required {
			errs = append(errs, fmt.Errorf("required secret %q of %s is not passed", name, callee.Path))
		}
	}
	return out, errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
