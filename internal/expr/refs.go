package expr

import (
	"sort"
	"strings"
)

// Ref is a context.name reference found in an expression, e.g. inputs.os.
type Ref struct {
	Context string // lower-cased context name
	Name    string
	Expr    string // the expression the reference was found in
}

func (r Ref) String() string {
	return r.Context + "." + r.Name
}

// Expressions returns the inner text of every ${{ }} in s.
func Expressions(s string) ([]string, error) {
	spans, err := scan(s)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(spans))
	for i, sp := range spans {
		out[i] = sp.inner
	}
	return out, nil
}

// References returns every context reference inside the ${{ }} expressions
// of s. Both inputs.name and inputs['name'] forms are recognised.
func References(s string) ([]Ref, error) {
	exprs, err := Expressions(s)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, e := range exprs {
		r, err := ExprReferences(e)
		if err != nil {
			return refs, err
		}
		refs = append(refs, r...)
	}
	return refs, nil
}

// ConditionReferences is References for an `if:` value, which may be a bare
// expression.
func ConditionReferences(cond string) ([]Ref, error) {
	cond = strings.TrimSpace(cond)
	if cond == "" {
		return nil, nil
	}
	if HasExpression(cond) {
		return References(cond)
	}
	return ExprReferences(cond)
}

// ExprReferences returns the context references of a bare expression.
func ExprReferences(src string) ([]Ref, error) {
	n, err := parse(src)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	walk(n, func(n node) {
		a, ok := n.(accessNode)
		if !ok {
			return
		}
		id, ok := a.obj.(identNode)
		if !ok {
			return
		}
		key, ok := a.key.(literalNode)
		if !ok {
			return
		}
		name, ok := key.value.(string)
		if !ok {
			return
		}
		refs = append(refs, Ref{Context: strings.ToLower(id.name), Name: name, Expr: src})
	})
	return refs, nil
}

// UnknownContexts returns the top-level names in src that are not contexts,
// sorted and without duplicates.
func UnknownContexts(src string) ([]string, error) {
	n, err := parse(src)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	walk(n, func(n node) {
		id, ok := n.(identNode)
		if !ok {
			return
		}
		name := strings.ToLower(id.name)
		for _, c := range Contexts {
			if c == name {
				return
			}
		}
		seen[id.name] = true
	})
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func walk(n node, fn func(node)) {
	fn(n)
	switch n := n.(type) {
	case accessNode:
		walk(n.obj, fn)
		walk(n.key, fn)
	case starNode:
		walk(n.obj, fn)
	case callNode:
		for _, a := range n.args {
			walk(a, fn)
		}
	case notNode:
		walk(n.operand, fn)
	case binaryNode:
		walk(n.left, fn)
		walk(n.right, fn)
	}
}
