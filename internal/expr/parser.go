package expr

import (
	"fmt"
	"strings"
)

type node interface{}

type literalNode struct{ value any }

// identNode is a top-level context name such as "inputs".
type identNode struct{ name string }

// accessNode is obj.key or obj[key].
type accessNode struct{ obj, key node }

// starNode is the obj.* object filter.
type starNode struct{ obj node }

type callNode struct {
	name string
	args []node
}

type notNode struct{ operand node }

type binaryNode struct {
	op          string
	left, right node
}

type parser struct {
	toks []token
	pos  int
	src  string
}

// parse compiles a bare expression (no ${{ }} wrapper).
func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, src: src}
	if p.peek().kind == tokEOF {
		return nil, fmt.Errorf("empty expression")
	}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) accept(punct string) bool {
	if t := p.peek(); t.kind == tokPunct && t.text == punct {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(punct string) error {
	if !p.accept(punct) {
		t := p.peek()
		if t.kind == tokEOF {
			return fmt.Errorf("expected %q at end of expression", punct)
		}
		return fmt.Errorf("position %d: expected %q, got %q", t.pos, punct, t.text)
	}
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCompare()
	if err != nil {
		return nil, err
	}
	for p.accept("&&") {
		right, err := p.parseCompare()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokPunct {
			return left, nil
		}
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			left = binaryNode{op: t.text, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.accept("!") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept("."):
			if p.accept("*") {
				n = starNode{obj: n}
				continue
			}
			t := p.next()
			if t.kind != tokIdent {
				return nil, fmt.Errorf("position %d: expected property name after '.'", t.pos)
			}
			n = accessNode{obj: n, key: literalNode{value: t.text}}
		case p.accept("["):
			if p.accept("*") {
				if err := p.expect("]"); err != nil {
					return nil, err
				}
				n = starNode{obj: n}
				continue
			}
			key, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = accessNode{obj: n, key: key}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literalNode{value: t.num}, nil
	case tokString:
		return literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return literalNode{value: true}, nil
		case "false":
			return literalNode{value: false}, nil
		case "null":
			return literalNode{value: nil}, nil
		}
		if p.accept("(") {
			call := callNode{name: strings.ToLower(t.text)}
			if !p.accept(")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}
					call.args = append(call.args, arg)
					if p.accept(")") {
						break
					}
					if err := p.expect(","); err != nil {
						return nil, err
					}
				}
			}
			return call, nil
		}
		return identNode{name: t.text}, nil
	case tokPunct:
		if t.text == "(" {
			n, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
	default:
		return nil, fmt.Errorf("unexpected end of expression")
	}
}
