package monitor

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// Usage fields an alert condition may reference.
const (
	FieldActivePods  = "active_pods"
	FieldTotalGPUs   = "total_gpus"
	FieldCostPerHour = "cost_per_hour"
	FieldCostToday   = "cost_today"
)

var knownFields = []string{FieldActivePods, FieldTotalGPUs, FieldCostPerHour, FieldCostToday}

// Condition is a compiled alert condition: comparisons between usage fields
// and numbers joined by "and" and "or", with "and" binding tighter.
// Parentheses group. Nothing else is accepted.
type Condition struct {
	src  string
	root node
}

// Compile parses src into a Condition.
func Compile(src string) (*Condition, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("condition is empty")
	}
	p := &parser{toks: toks}
	root, err := p.or()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("condition %q: unexpected %q", src, p.toks[p.pos].text)
	}
	return &Condition{src: src, root: root}, nil
}

// Eval evaluates the condition. Fields absent from vars count as zero.
func (c *Condition) Eval(vars map[string]float64) bool {
	return c.root.eval(vars)
}

func (c *Condition) String() string { return c.src }

type node interface {
	eval(vars map[string]float64) bool
}

type logical struct {
	and         bool
	left, right node
}

func (n logical) eval(vars map[string]float64) bool {
	if n.and {
		return n.left.eval(vars) && n.right.eval(vars)
	}
	return n.left.eval(vars) || n.right.eval(vars)
}

type operand struct {
	field string
	value float64
}

func (o operand) resolve(vars map[string]float64) float64 {
	if o.field != "" {
		return vars[o.field]
	}
	return o.value
}

type comparison struct {
	op          string
	left, right operand
}

func (n comparison) eval(vars map[string]float64) bool {
	l, r := n.left.resolve(vars), n.right.resolve(vars)
	switch n.op {
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "<":
		return l < r
	case "<=":
		return l <= r
	case "==":
		return l == r
	case "!=":
		return l != r
	}
	return false
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokOp
	tokAnd
	tokOr
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case r == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case strings.ContainsRune("<>=!&|", r):
			j := i + 1
			if j < len(rs) && strings.ContainsRune("=&|", rs[j]) {
				j++
			}
			op := string(rs[i:j])
			switch op {
			case ">", ">=", "<", "<=", "==", "!=":
				toks = append(toks, token{kind: tokOp, text: op})
			case "&&":
				toks = append(toks, token{kind: tokAnd, text: op})
			case "||":
				toks = append(toks, token{kind: tokOr, text: op})
			default:
				return nil, fmt.Errorf("condition %q: unknown operator %q", src, op)
			}
			i = j
		case unicode.IsDigit(r) || r == '.':
			j := i
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.') {
				j++
			}
			v, err := strconv.ParseFloat(string(rs[i:j]), 64)
			if err != nil {
				return nil, fmt.Errorf("condition %q: bad number %q", src, string(rs[i:j]))
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j]), num: v})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_') {
				j++
			}
			word := strings.ToLower(string(rs[i:j]))
			switch {
			case word == "and":
				toks = append(toks, token{kind: tokAnd, text: word})
			case word == "or":
				toks = append(toks, token{kind: tokOr, text: word})
			case slices.Contains(knownFields, word):
				toks = append(toks, token{kind: tokIdent, text: word})
			default:
				return nil, fmt.Errorf("condition %q: unknown field %q (known: %s)",
					src, word, strings.Join(knownFields, ", "))
			}
			i = j
		default:
			return nil, fmt.Errorf("condition %q: unexpected character %q", src, r)
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	return p.toks[p.pos], true
}

func (p *parser) or() (node, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			return left, nil
		}
		p.pos++
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = logical{left: left, right: right}
	}
}

func (p *parser) and() (node, error) {
	left, err := p.primary()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			return left, nil
		}
		p.pos++
		right, err := p.primary()
		if err != nil {
			return nil, err
		}
		left = logical{and: true, left: left, right: right}
	}
}

func (p *parser) primary() (node, error) {
	t, ok := p.peek()
	if ok && t.kind == tokLParen {
		p.pos++
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (node, error) {
	left, err := p.operand()
	if err != nil {
		return nil, err
	}
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return nil, fmt.Errorf("expected comparison operator after %q", p.toks[p.pos-1].text)
	}
	p.pos++
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	return comparison{op: t.text, left: left, right: right}, nil
}

func (p *parser) operand() (operand, error) {
	t, ok := p.peek()
	if !ok {
		return operand{}, fmt.Errorf("unexpected end of condition")
	}
	p.pos++
	switch t.kind {
	case tokIdent:
		return operand{field: t.text}, nil
	case tokNumber:
		return operand{value: t.num}, nil
	}
	return operand{}, fmt.Errorf("expected field or number, got %q", t.text)
}
