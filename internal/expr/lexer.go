package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokenKind
	text string  // identifier, punctuation or decoded string
	num  float64 // tokNumber only
	pos  int
}

var punctuators = []string{"==", "!=", "<=", ">=", "&&", "||", "!", "<", ">", "(", ")", "[", "]", ".", ",", "*"}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c == '-' || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case isDigit(c) || (c == '-' && i+1 < len(src) && isDigit(src[i+1]) && !afterOperand(toks)):
			start := i
			i++
			for i < len(src) && (isDigit(src[i]) || src[i] == '.' || src[i] == 'x' || src[i] == 'e' || src[i] == 'E' ||
				(src[i] >= 'a' && src[i] <= 'f') || (src[i] >= 'A' && src[i] <= 'F')) {
				i++
			}
			text := src[start:i]
			n, err := parseNumber(text)
			if err != nil {
				return nil, fmt.Errorf("position %d: invalid number %q", start, text)
			}
			toks = append(toks, token{kind: tokNumber, text: text, num: n, pos: start})
		case c == '\'':
			start := i
			i++
			var b strings.Builder
			closed := false
			for i < len(src) {
				if src[i] == '\'' {
					if i+1 < len(src) && src[i+1] == '\'' {
						b.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				b.WriteByte(src[i])
				i++
			}
			if !closed {
				return nil, fmt.Errorf("position %d: unterminated string", start)
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: start})
		default:
			matched := false
			for _, p := range punctuators {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, token{kind: tokPunct, text: p, pos: i})
					i += len(p)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("position %d: unexpected character %q", i, c)
			}
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

// afterOperand reports whether the previous token ends an operand, in which
// case a '-' cannot start a negative number literal.
func afterOperand(toks []token) bool {
	if len(toks) == 0 {
		return false
	}
	last := toks[len(toks)-1]
	switch last.kind {
	case tokIdent, tokNumber, tokString:
		return true
	case tokPunct:
		return last.text == ")" || last.text == "]"
	}
	return false
}

func parseNumber(text string) (float64, error) {
	neg := strings.HasPrefix(text, "-")
	body := strings.TrimPrefix(text, "-")
	var n float64
	if strings.HasPrefix(body, "0x") {
		v, err := strconv.ParseInt(body[2:], 16, 64)
		if err != nil {
			return 0, err
		}
		n = float64(v)
	} else {
		v, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	if neg {
		n = -n
	}
	return n, nil
}
