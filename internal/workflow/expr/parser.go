package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '.' && (i+1 >= len(src) || !unicode.IsDigit(rune(src[i+1]))):
			toks = append(toks, token{tokDot, "."})
			i++
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			toks = append(toks, token{tokString, sb.String()})
			i = j + 1
		case unicode.IsDigit(rune(c)) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j]})
			i = j
		default:
			// Longest-match operators first.
			matched := false
			for _, op := range []string{"===", "!==", "==", "!=", "<=", ">=", "&&", "||", "<", ">", "!", "+", "-", "*", "/", "%"} {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q", c)
			}
		}
	}
	return toks, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) atEnd() bool { return p.pos >= len(p.tokens) }

func (p *parser) peek() token {
	if p.atEnd() {
		return token{}
	}
	return p.tokens[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.atEnd() || p.peek().kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.peek().text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseExpr() (node, error) { return p.parseOr() }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseEquality() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("===", "!==", "==", "!=")
		if !ok {
			return left, nil
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: op, left: left, right: right}
	}
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("<=", ">=", "<", ">")
		if !ok {
			return left, nil
		}
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryOp{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryOp{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles dotted field access after a primary expression.
func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for !p.atEnd() && p.peek().kind == tokDot {
		p.next()
		if p.atEnd() || p.peek().kind != tokIdent {
			return nil, fmt.Errorf("expected field name after '.'")
		}
		n = &fieldAccess{base: n, name: p.next().text}
	}
	return n, nil
}

func (p *parser) parsePrimary() (node, error) {
	if p.atEnd() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.next()

	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", t.text)
		}
		return &literal{value: f}, nil

	case tokString:
		return &literal{value: t.text}, nil

	case tokIdent:
		switch t.text {
		case "true":
			return &literal{value: true}, nil
		case "false":
			return &literal{value: false}, nil
		case "null":
			return &literal{value: nil}, nil
		}
		// Function call.
		if !p.atEnd() && p.peek().kind == tokLParen {
			p.next()
			var args []node
			if !p.atEnd() && p.peek().kind != tokRParen {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					args = append(args, arg)
					if p.atEnd() || p.peek().kind != tokComma {
						break
					}
					p.next()
				}
			}
			if p.atEnd() || p.next().kind != tokRParen {
				return nil, fmt.Errorf("expected ')' after arguments to %s", t.text)
			}
			return &call{name: t.text, args: args}, nil
		}
		return &fieldAccess{name: t.text}, nil

	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.atEnd() || p.next().kind != tokRParen {
			return nil, fmt.Errorf("expected ')'")
		}
		return inner, nil
	}

	return nil, fmt.Errorf("unexpected token %q", t.text)
}
