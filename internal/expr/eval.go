// Package expr evaluates the ${{ ... }} expressions found in workflow files.
package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/spachava753/matrixci/internal/models"
)

// Context holds the named values an expression can read.
type Context struct {
	Inputs   map[string]any
	Matrix   map[string]any
	Secrets  map[string]any
	Env      map[string]any
	Github   map[string]any
	Runner   map[string]any
	Steps    map[string]any
	Needs    map[string]any
	Job      map[string]any
	Strategy map[string]any

	// Status is the job status so far, read by the status functions.
	Status models.Status
}

// Contexts are the named values recognised at the top level of an expression.
var Contexts = []string{"inputs", "matrix", "secrets", "env", "github", "runner", "steps", "needs", "job", "strategy", "vars"}

func (c Context) named(name string) (map[string]any, error) {
	switch strings.ToLower(name) {
	case "inputs":
		return c.Inputs, nil
	case "matrix":
		return c.Matrix, nil
	case "secrets":
		return c.Secrets, nil
	case "env":
		return c.Env, nil
	case "github":
		return c.Github, nil
	case "runner":
		return c.Runner, nil
	case "steps":
		return c.Steps, nil
	case "needs":
		return c.Needs, nil
	case "job":
		return c.Job, nil
	case "strategy":
		return c.Strategy, nil
	case "vars":
		return nil, nil
	}
	return nil, fmt.Errorf("unrecognized named-value: %q", name)
}

// StringMap converts a map of strings for use as a Context field.
func StringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Evaluate evaluates a single expression. A surrounding ${{ }} is optional.
func Evaluate(src string, ctx Context) (any, error) {
	src = strings.TrimSpace(src)
	if inner, ok := unwrap(src); ok {
		src = inner
	}
	n, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", src, err)
	}
	v, err := eval(n, ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluating %q: %w", src, err)
	}
	return v, nil
}

// EvaluateValue evaluates s when it is exactly one ${{ }} expression and
// returns the typed result. Any other string is interpolated.
func EvaluateValue(s string, ctx Context) (any, error) {
	if inner, ok := unwrap(strings.TrimSpace(s)); ok {
		return Evaluate(inner, ctx)
	}
	return Interpolate(s, ctx)
}

// Interpolate replaces every ${{ expr }} in s with the string form of its value.
func Interpolate(s string, ctx Context) (string, error) {
	spans, err := scan(s)
	if err != nil {
		return "", err
	}
	if len(spans) == 0 {
		return s, nil
	}

	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp.start])
		v, err := Evaluate(sp.inner, ctx)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// EvaluateCondition evaluates an `if:` condition. An empty condition is
// success(). A condition that calls no status function is implicitly
// combined with success().
func EvaluateCondition(cond string, ctx Context) (bool, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return statusSuccess(ctx), nil
	}

	src := cond
	if inner, ok := unwrap(cond); ok {
		src = inner
	} else if HasExpression(cond) {
		s, err := Interpolate(cond, ctx)
		if err != nil {
			return false, err
		}
		return statusSuccess(ctx) && s != "", nil
	}

	n, err := parse(src)
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", src, err)
	}
	v, err := eval(n, ctx)
	if err != nil {
		return false, fmt.Errorf("evaluating condition %q: %w", src, err)
	}
	if !callsStatus(n) {
		return statusSuccess(ctx) && Truthy(v), nil
	}
	return Truthy(v), nil
}

// HasExpression reports whether s contains a ${{ marker.
func HasExpression(s string) bool {
	return strings.Contains(s, "${{")
}

func unwrap(s string) (string, bool) {
	if !strings.HasPrefix(s, "${{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	spans, err := scan(s)
	if err != nil || len(spans) != 1 || spans[0].start != 0 || spans[0].end != len(s) {
		return "", false
	}
	return spans[0].inner, true
}

type span struct {
	start, end int
	inner      string
}

// scan finds every ${{ ... }} in s. A "}}" inside a quoted string does not
// close the expression.
func scan(s string) ([]span, error) {
	var spans []span
	i := 0
	for {
		open := strings.Index(s[i:], "${{")
		if open < 0 {
			return spans, nil
		}
		start := i + open
		j := start + 3
		inString := false
		closed := -1
		for j < len(s) {
			c := s[j]
			if c == '\'' {
				inString = !inString
			} else if !inString && c == '}' && j+1 < len(s) && s[j+1] == '}' {
				closed = j
				break
			}
			j++
		}
		if closed < 0 {
			return nil, fmt.Errorf("unterminated expression at offset %d in %q", start, s)
		}
		spans = append(spans, span{start: start, end: closed + 2, inner: strings.TrimSpace(s[start+3 : closed])})
		i = closed + 2
	}
}

func eval(n node, ctx Context) (any, error) {
	switch n := n.(type) {
	case literalNode:
		return n.value, nil
	case identNode:
		m, err := ctx.named(n.name)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return map[string]any{}, nil
		}
		return m, nil
	case accessNode:
		obj, err := eval(n.obj, ctx)
		if err != nil {
			return nil, err
		}
		key, err := eval(n.key, ctx)
		if err != nil {
			return nil, err
		}
		return access(obj, key), nil
	case starNode:
		obj, err := eval(n.obj, ctx)
		if err != nil {
			return nil, err
		}
		return star(obj), nil
	case notNode:
		v, err := eval(n.operand, ctx)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case binaryNode:
		left, err := eval(n.left, ctx)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "&&":
			if !Truthy(left) {
				return left, nil
			}
			return eval(n.right, ctx)
		case "||":
			if Truthy(left) {
				return left, nil
			}
			return eval(n.right, ctx)
		}
		right, err := eval(n.right, ctx)
		if err != nil {
			return nil, err
		}
		return compare(n.op, left, right), nil
	case callNode:
		return call(n, ctx)
	}
	return nil, fmt.Errorf("unknown expression node %T", n)
}

// filtered is the result of an object filter; property access maps over it.
type filtered []any

func access(obj, key any) any {
	obj = normalize(obj)
	switch o := obj.(type) {
	case map[string]any:
		k, ok := key.(string)
		if !ok {
			k = Stringify(key)
		}
		if v, ok := o[k]; ok {
			return normalize(v)
		}
		for mk, v := range o {
			if strings.EqualFold(mk, k) {
				return normalize(v)
			}
		}
		return nil
	case filtered:
		var out filtered
		for _, item := range o {
			if v := access(item, key); v != nil {
				out = append(out, v)
			}
		}
		return out
	case []any:
		f, ok := normalize(key).(float64)
		if !ok || f < 0 || int(f) >= len(o) || f != math.Trunc(f) {
			return nil
		}
		return normalize(o[int(f)])
	}
	return nil
}

func star(obj any) any {
	switch o := normalize(obj).(type) {
	case []any:
		return filtered(o)
	case filtered:
		return o
	case map[string]any:
		keys := make([]string, 0, len(o))
		for k := range o {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(filtered, 0, len(keys))
		for _, k := range keys {
			out = append(out, normalize(o[k]))
		}
		return out
	}
	return filtered{}
}

func call(n callNode, ctx Context) (any, error) {
	args := make([]any, len(n.args))
	for i, a := range n.args {
		v, err := eval(a, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	arity := func(lo, hi int) error {
		if len(args) < lo || (hi >= 0 && len(args) > hi) {
			return fmt.Errorf("%s: wrong number of arguments (%d)", n.name, len(args))
		}
		return nil
	}

	switch n.name {
	case "success":
		return statusSuccess(ctx), arity(0, 0)
	case "failure":
		return ctx.Status == models.StatusFailure, arity(0, 0)
	case "cancelled":
		return ctx.Status == models.StatusCancelled, arity(0, 0)
	case "always":
		return true, arity(0, 0)
	case "contains":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		switch hay := normalize(args[0]).(type) {
		case []any:
			for _, item := range hay {
				if looseEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		case filtered:
			for _, item := range hay {
				if looseEqual(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return strings.Contains(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
	case "startswith":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return strings.HasPrefix(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
	case "endswith":
		if err := arity(2, 2); err != nil {
			return nil, err
		}
		return strings.HasSuffix(strings.ToLower(Stringify(args[0])), strings.ToLower(Stringify(args[1]))), nil
	case "format":
		if err := arity(1, -1); err != nil {
			return nil, err
		}
		return format(Stringify(args[0]), args[1:])
	case "join":
		if err := arity(1, 2); err != nil {
			return nil, err
		}
		sep := ","
		if len(args) == 2 {
			sep = Stringify(args[1])
		}
		var items []any
		switch v := normalize(args[0]).(type) {
		case []any:
			items = v
		case filtered:
			items = v
		default:
			return Stringify(v), nil
		}
		parts := make([]string, len(items))
		for i, item := range items {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, sep), nil
	case "tojson":
		if err := arity(1, 1); err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(plain(args[0]), "", "  ")
		if err != nil {
			return nil, fmt.Errorf("toJSON: %w", err)
		}
		return string(data), nil
	case "fromjson":
		if err := arity(1, 1); err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(Stringify(args[0])), &v); err != nil {
			return nil, fmt.Errorf("fromJSON: %w", err)
		}
		return normalize(v), nil
	}
	return nil, fmt.Errorf("unknown function %s()", n.name)
}

func statusSuccess(ctx Context) bool {
	return ctx.Status != models.StatusFailure && ctx.Status != models.StatusCancelled
}

var statusFunctions = map[string]bool{"success": true, "failure": true, "cancelled": true, "always": true}

func callsStatus(n node) bool {
	switch n := n.(type) {
	case callNode:
		if statusFunctions[n.name] {
			return true
		}
		for _, a := range n.args {
			if callsStatus(a) {
				return true
			}
		}
	case accessNode:
		return callsStatus(n.obj) || callsStatus(n.key)
	case starNode:
		return callsStatus(n.obj)
	case notNode:
		return callsStatus(n.operand)
	case binaryNode:
		return callsStatus(n.left) || callsStatus(n.right)
	}
	return false
}

func format(f string, args []any) (string, error) {
	var b strings.Builder
	for i := 0; i < len(f); i++ {
		c := f[i]
		switch {
		case c == '{' && i+1 < len(f) && f[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(f) && f[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(f[i:], '}')
			if end < 0 {
				return "", fmt.Errorf("format: unclosed placeholder in %q", f)
			}
			idx, err := strconv.Atoi(f[i+1 : i+end])
			if err != nil || idx < 0 || idx >= len(args) {
				return "", fmt.Errorf("format: invalid placeholder %q", f[i:i+end+1])
			}
			b.WriteString(Stringify(args[idx]))
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func compare(op string, a, b any) bool {
	switch op {
	case "==":
		return looseEqual(a, b)
	case "!=":
		return !looseEqual(a, b)
	}

	a, b = normalize(a), normalize(b)
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			c := strings.Compare(strings.ToLower(as), strings.ToLower(bs))
			return ordered(op, float64(c), 0)
		}
	}
	return ordered(op, toNumber(a), toNumber(b))
}

func ordered(op string, x, y float64) bool {
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	switch op {
	case "<":
		return x < y
	case "<=":
		return x <= y
	case ">":
		return x > y
	case ">=":
		return x >= y
	}
	return false
}

// looseEqual implements == : strings compare case-insensitively, values of
// different primitive types are coerced to numbers.
func looseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	switch x := a.(type) {
	case nil:
		if b == nil {
			return true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.EqualFold(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			return x == y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x == y
		}
	case map[string]any, []any, filtered:
		return false
	}
	switch b.(type) {
	case map[string]any, []any, filtered:
		return false
	}
	x, y := toNumber(a), toNumber(b)
	return !math.IsNaN(x) && !math.IsNaN(y) && x == y
}

func toNumber(v any) float64 {
	switch x := normalize(v).(type) {
	case nil:
		return 0
	case bool:
		if x {
			return 1
		}
		return 0
	case float64:
		return x
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0
		}
		if n, err := parseNumber(s); err == nil {
			return n
		}
	}
	return math.NaN()
}

// Truthy reports whether v is truthy: false, 0, NaN, "" and null are falsy.
func Truthy(v any) bool {
	switch x := normalize(v).(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0 && !math.IsNaN(x)
	case string:
		return x != ""
	}
	return true
}

// Stringify returns the string form used when a value is interpolated.
// Arrays and objects are rendered as compact JSON.
func Stringify(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		data, err := json.Marshal(plain(x))
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

// normalize maps Go numeric types to float64 and string maps to map[string]any
// so that values decoded from YAML, TOML and JSON compare alike.
func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case map[string]string:
		return StringMap(x)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, m := range x {
			out[i] = m
		}
		return out
	}
	return v
}

func plain(v any) any {
	if f, ok := v.(filtered); ok {
		return []any(f)
	}
	return v
}
