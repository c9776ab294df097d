package soar

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"orthrus/util"
)

// Condition grammar, smallest thing that covers playbook guards:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := unary ("&&" unary)*
//	unary   := "!" unary | "(" expr ")" | compare
//	compare := operand (cmpop operand | "exists")?
//	operand := path | string | number | bool | null | list
//	cmpop   := "==" "!=" ">" "<" ">=" "<=" "contains" "in" "matches"
//
// A bare path with no operator is a truthiness test. Evaluation is
// fail-closed: any runtime error yields false plus the error.

// ErrConditionSyntax wraps all parse failures.
var ErrConditionSyntax = errors.New("condition syntax error")

type tokenKind int

const (
	tokPath tokenKind = iota
	tokString
	tokNumber
	tokBool
	tokNull
	tokOp     // == != > < >= <= contains in matches exists
	tokAnd    // &&
	tokOr     // ||
	tokNot    // !
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokComma  // ,
	tokEOF
)

type token struct {
	kind tokenKind
	text string
	num  float64
	b    bool
	pos  int
}

// ConditionExpr is a parsed condition ready for repeated evaluation.
type ConditionExpr struct {
	root condNode
	src  string
}

// Source returns the original expression text.
func (c *ConditionExpr) Source() string { return c.src }

// Eval evaluates the expression against an execution context. Missing
// paths compare as absent; any error fails closed to false.
func (c *ConditionExpr) Eval(ctx map[string]interface{}) (bool, error) {
	return c.root.eval(ctx)
}

// ParseCondition compiles an expression. An empty expression is
// rejected; callers treat absent conditions as always-true themselves.
func ParseCondition(src string) (*ConditionExpr, error) {
	toks, err := lexCondition(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks, src: src}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("%w: unexpected %q at offset %d", ErrConditionSyntax, p.peek().text, p.peek().pos)
	}
	return &ConditionExpr{root: root, src: src}, nil
}

// EvalCondition parses and evaluates in one call, for one-shot guards.
func EvalCondition(src string, ctx map[string]interface{}) (bool, error) {
	expr, err := ParseCondition(src)
	if err != nil {
		return false, err
	}
	return expr.Eval(ctx)
}

func lexCondition(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case ch == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case ch == '[':
			toks = append(toks, token{kind: tokLBrack, text: "[", pos: i})
			i++
		case ch == ']':
			toks = append(toks, token{kind: tokRBrack, text: "]", pos: i})
			i++
		case ch == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case ch == '&':
			if i+1 >= len(src) || src[i+1] != '&' {
				return nil, fmt.Errorf("%w: single '&' at offset %d", ErrConditionSyntax, i)
			}
			toks = append(toks, token{kind: tokAnd, text: "&&", pos: i})
			i += 2
		case ch == '|':
			if i+1 >= len(src) || src[i+1] != '|' {
				return nil, fmt.Errorf("%w: single '|' at offset %d", ErrConditionSyntax, i)
			}
			toks = append(toks, token{kind: tokOr, text: "||", pos: i})
			i += 2
		case ch == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				toks = append(toks, token{kind: tokOp, text: "!=", pos: i})
				i += 2
			} else {
				toks = append(toks, token{kind: tokNot, text: "!", pos: i})
				i++
			}
		case ch == '=':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("%w: single '=' at offset %d (use '==')", ErrConditionSyntax, i)
			}
			toks = append(toks, token{kind: tokOp, text: "==", pos: i})
			i += 2
		case ch == '>' || ch == '<':
			op := string(ch)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			toks = append(toks, token{kind: tokOp, text: op, pos: i})
			i++
		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			var b strings.Builder
			for j < len(src) && src[j] != quote {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				b.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("%w: unterminated string at offset %d", ErrConditionSyntax, i)
			}
			toks = append(toks, token{kind: tokString, text: b.String(), pos: i})
			i = j + 1
		case ch >= '0' && ch <= '9' || ch == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q at offset %d", ErrConditionSyntax, src[i:j], i)
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], num: n, pos: i})
			i = j
		case isPathStart(rune(ch)):
			j := i + 1
			for j < len(src) && isPathRune(rune(src[j])) {
				j++
			}
			word := src[i:j]
			switch word {
			case "true", "false":
				toks = append(toks, token{kind: tokBool, text: word, b: word == "true", pos: i})
			case "null":
				toks = append(toks, token{kind: tokNull, text: word, pos: i})
			case "contains", "in", "matches", "exists":
				toks = append(toks, token{kind: tokOp, text: word, pos: i})
			default:
				toks = append(toks, token{kind: tokPath, text: word, pos: i})
			}
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected character %q at offset %d", ErrConditionSyntax, string(ch), i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func isPathStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isPathRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.'
}

type condParser struct {
	toks []token
	pos  int
	src  string
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) advance() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	switch p.peek().kind {
	case tokNot:
		p.advance()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	case tokLParen:
		p.advance()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("%w: expected ')' at offset %d", ErrConditionSyntax, p.peek().pos)
		}
		p.advance()
		return inner, nil
	default:
		return p.parseCompare()
	}
}

func (p *condParser) parseCompare() (condNode, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp {
		// Bare operand: truthiness / presence test.
		return &truthyNode{operand: left}, nil
	}
	p.advance()
	if t.text == "exists" {
		pathOp, ok := left.(*pathOperand)
		if !ok {
			return nil, fmt.Errorf("%w: 'exists' requires a context path at offset %d", ErrConditionSyntax, t.pos)
		}
		return &existsNode{path: pathOp.path}, nil
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if t.text == "matches" {
		lit, ok := right.(*literalOperand)
		patStr, isStr := "", false
		if ok {
			patStr, isStr = lit.value.(string)
		}
		if !ok || !isStr {
			return nil, fmt.Errorf("%w: 'matches' requires a quoted pattern at offset %d", ErrConditionSyntax, t.pos)
		}
		if len(patStr) > util.MaxPatternLength {
			return nil, fmt.Errorf("%w: pattern exceeds %d characters", ErrConditionSyntax, util.MaxPatternLength)
		}
	}
	return &compareNode{op: t.text, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (operand, error) {
	t := p.advance()
	switch t.kind {
	case tokPath:
		return &pathOperand{path: strings.Split(t.text, ".")}, nil
	case tokString:
		return &literalOperand{value: t.text}, nil
	case tokNumber:
		return &literalOperand{value: t.num}, nil
	case tokBool:
		return &literalOperand{value: t.b}, nil
	case tokNull:
		return &literalOperand{value: nil}, nil
	case tokLBrack:
		var items []interface{}
		for p.peek().kind != tokRBrack {
			elem, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			lit, ok := elem.(*literalOperand)
			if !ok {
				return nil, fmt.Errorf("%w: list literals may only contain literals", ErrConditionSyntax)
			}
			items = append(items, lit.value)
			if p.peek().kind == tokComma {
				p.advance()
			} else if p.peek().kind != tokRBrack {
				return nil, fmt.Errorf("%w: expected ',' or ']' at offset %d", ErrConditionSyntax, p.peek().pos)
			}
		}
		p.advance()
		return &literalOperand{value: items}, nil
	default:
		return nil, fmt.Errorf("%w: expected operand, got %q at offset %d", ErrConditionSyntax, t.text, t.pos)
	}
}

type condNode interface {
	eval(ctx map[string]interface{}) (bool, error)
}

type operand interface {
	resolve(ctx map[string]interface{}) (interface{}, bool)
}

type pathOperand struct{ path []string }

func (o *pathOperand) resolve(ctx map[string]interface{}) (interface{}, bool) {
	return LookupPath(ctx, o.path)
}

type literalOperand struct{ value interface{} }

func (o *literalOperand) resolve(map[string]interface{}) (interface{}, bool) {
	return o.value, true
}

type andNode struct{ left, right condNode }

func (n *andNode) eval(ctx map[string]interface{}) (bool, error) {
	l, err := n.left.eval(ctx)
	if err != nil || !l {
		return false, err
	}
	return n.right.eval(ctx)
}

type orNode struct{ left, right condNode }

func (n *orNode) eval(ctx map[string]interface{}) (bool, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return false, err
	}
	if l {
		return true, nil
	}
	return n.right.eval(ctx)
}

type notNode struct{ inner condNode }

func (n *notNode) eval(ctx map[string]interface{}) (bool, error) {
	v, err := n.inner.eval(ctx)
	if err != nil {
		return false, err
	}
	return !v, nil
}

type existsNode struct{ path []string }

func (n *existsNode) eval(ctx map[string]interface{}) (bool, error) {
	_, ok := LookupPath(ctx, n.path)
	return ok, nil
}

type truthyNode struct{ operand operand }

func (n *truthyNode) eval(ctx map[string]interface{}) (bool, error) {
	v, ok := n.operand.resolve(ctx)
	if !ok {
		return false, nil
	}
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		return t != "", nil
	case float64:
		return t != 0, nil
	case int:
		return t != 0, nil
	case nil:
		return false, nil
	default:
		return true, nil
	}
}

type compareNode struct {
	op          string
	left, right operand
}

func (n *compareNode) eval(ctx map[string]interface{}) (bool, error) {
	lv, lok := n.left.resolve(ctx)
	rv, rok := n.right.resolve(ctx)

	switch n.op {
	case "==":
		if !lok {
			return !rok || rv == nil, nil
		}
		return valuesEqual(lv, rv), nil
	case "!=":
		if !lok {
			return rok && rv != nil, nil
		}
		return !valuesEqual(lv, rv), nil
	}

	// Remaining operators need both sides present; a missing path makes
	// the comparison false rather than an error.
	if !lok || !rok {
		return false, nil
	}

	switch n.op {
	case ">", "<", ">=", "<=":
		return compareOrdered(n.op, lv, rv)
	case "contains":
		return evalContains(lv, rv)
	case "in":
		list, ok := rv.([]interface{})
		if !ok {
			return false, fmt.Errorf("'in' requires a list on the right, got %T", rv)
		}
		for _, item := range list {
			if valuesEqual(lv, item) {
				return true, nil
			}
		}
		return false, nil
	case "matches":
		s, ok := lv.(string)
		if !ok {
			return false, nil
		}
		pattern, ok := rv.(string)
		if !ok {
			return false, fmt.Errorf("'matches' requires a string pattern")
		}
		return util.MatchWithTimeout(pattern, s, util.DefaultMatchTimeout)
	default:
		return false, fmt.Errorf("unknown operator %q", n.op)
	}
}

func valuesEqual(a, b interface{}) bool {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			return an == bn
		}
	}
	return a == b
}

func compareOrdered(op string, a, b interface{}) (bool, error) {
	if an, aok := toNumber(a); aok {
		if bn, bok := toNumber(b); bok {
			switch op {
			case ">":
				return an > bn, nil
			case "<":
				return an < bn, nil
			case ">=":
				return an >= bn, nil
			case "<=":
				return an <= bn, nil
			}
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch op {
		case ">":
			return as > bs, nil
		case "<":
			return as < bs, nil
		case ">=":
			return as >= bs, nil
		case "<=":
			return as <= bs, nil
		}
	}
	return false, fmt.Errorf("cannot order %T against %T", a, b)
}

func evalContains(container, item interface{}) (bool, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			s = stringify(item)
		}
		return strings.Contains(c, s), nil
	case []interface{}:
		for _, elem := range c {
			if valuesEqual(elem, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("'contains' requires a string or list on the left, got %T", container)
	}
}

func toNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
