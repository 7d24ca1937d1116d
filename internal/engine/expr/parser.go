// ABOUTME: Recursive-descent parser for the closed expression grammar
// ABOUTME: Enforces source, node-count and nesting limits and the function whitelist

package expr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Limits on what Parse accepts.
const (
	MaxSourceLength = 4096
	MaxNodes        = 512
	MaxDepth        = 64
)

// Sentinel errors
var (
	ErrSyntax    = errors.New("syntax error")
	ErrForbidden = errors.New("forbidden construct")
	ErrTooLarge  = errors.New("expression too large")
)

// SyntaxError reports where parsing failed.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

func (e *SyntaxError) Unwrap() error { return ErrSyntax }

// Program is a parsed, reusable expression.
type Program struct {
	root  Node
	nodes int
}

// Identifiers returns the distinct argument names the program references, in
// first-use order.
func (p *Program) Identifiers() []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(n Node)
	walk = func(n Node) {
		switch n := n.(type) {
		case *ident:
			if !seen[n.name] {
				seen[n.name] = true
				names = append(names, n.name)
			}
		case *unary:
			walk(n.x)
		case *binary:
			walk(n.l)
			walk(n.r)
		case *logical:
			walk(n.l)
			walk(n.r)
		case *compare:
			for _, o := range n.operands {
				walk(o)
			}
		case *cond:
			walk(n.then)
			walk(n.test)
			walk(n.otherwise)
		case *call:
			for _, a := range n.args {
				walk(a)
			}
		case *list:
			for _, e := range n.elems {
				walk(e)
			}
		}
	}
	walk(p.root)
	return names
}

type parser struct {
	toks  []token
	i     int
	nodes int
	depth int
}

// Parse compiles src into a Program.
func Parse(src string) (*Program, error) {
	if len(src) > MaxSourceLength {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(src), MaxSourceLength)
	}
	if strings.TrimSpace(src) == "" {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}

	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{toks: toks}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
	}
	return &Program{root: root, nodes: p.nodes}, nil
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	tok := p.toks[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) isOp(ops ...string) bool {
	tok := p.peek()
	if tok.kind != tokOp && tok.kind != tokKeyword {
		return false
	}
	for _, op := range ops {
		if tok.text == op {
			return true
		}
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("expected %s, found %q", what, tok.text)}
	}
	return tok, nil
}

// node counts a produced node against MaxNodes.
func (p *parser) node(n Node) (Node, error) {
	p.nodes++
	if p.nodes > MaxNodes {
		return nil, fmt.Errorf("%w: more than %d nodes", ErrTooLarge, MaxNodes)
	}
	return n, nil
}

func (p *parser) enter() error {
	p.depth++
	if p.depth > MaxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrTooLarge, MaxDepth)
	}
	return nil
}

func (p *parser) leave() { p.depth-- }

// parseExpr := or ["if" or "else" expr]
func (p *parser) parseExpr() (Node, error) {
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	then, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isOp("if") {
		return then, nil
	}
	at := p.next().pos
	test, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.isOp("else") {
		tok := p.peek()
		return nil, &SyntaxError{Pos: tok.pos, Msg: "conditional expression requires else"}
	}
	p.next()
	otherwise, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return p.node(&cond{at: at, then: then, test: test, otherwise: otherwise})
}

func (p *parser) parseOr() (Node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isOp("or", "||") {
		at := p.next().pos
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		if l, err = p.node(&logical{at: at, op: "or", l: l, r: r}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (p *parser) parseAnd() (Node, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isOp("and", "&&") {
		at := p.next().pos
		r, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		if l, err = p.node(&logical{at: at, op: "and", l: l, r: r}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.isOp("not", "!") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		at := p.next().pos
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return p.node(&unary{at: at, op: "not", x: x})
	}
	return p.parseCompare()
}

var compareOps = []string{"==", "!=", "<", "<=", ">", ">="}

func (p *parser) parseCompare() (Node, error) {
	first, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	if !p.isOp(compareOps...) {
		return first, nil
	}
	c := &compare{at: p.peek().pos, operands: []Node{first}}
	for p.isOp(compareOps...) {
		c.ops = append(c.ops, p.next().text)
		operand, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		c.operands = append(c.operands, operand)
	}
	return p.node(c)
}

func (p *parser) parseAdditive() (Node, error) {
	l, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		tok := p.next()
		r, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		if l, err = p.node(&binary{at: tok.pos, op: tok.text, l: l, r: r}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (p *parser) parseTerm() (Node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/", "//", "%") {
		tok := p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if l, err = p.node(&binary{at: tok.pos, op: tok.text, l: l, r: r}); err != nil {
			return nil, err
		}
	}
	return l, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.isOp("-", "+") {
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		tok := p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return p.node(&unary{at: tok.pos, op: tok.text, x: x})
	}
	return p.parsePower()
}

// parsePower binds tighter than a unary minus on its left: -2 ** 2 == -4.
func (p *parser) parsePower() (Node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if !p.isOp("**") {
		return base, nil
	}
	tok := p.next()
	exp, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return p.node(&binary{at: tok.pos, op: "**", l: base, r: exp})
}

func (p *parser) parsePrimary() (Node, error) {
	tok := p.next()
	switch tok.kind {
	case tokNumber:
		v, err := parseNumber(tok.text)
		if err != nil {
			return nil, &SyntaxError{Pos: tok.pos, Msg: err.Error()}
		}
		return p.node(&literal{at: tok.pos, value: v})

	case tokString:
		return p.node(&literal{at: tok.pos, value: tok.text})

	case tokKeyword:
		switch tok.text {
		case "true", "True":
			return p.node(&literal{at: tok.pos, value: true})
		case "false", "False":
			return p.node(&literal{at: tok.pos, value: false})
		case "None", "none", "null":
			return p.node(&literal{at: tok.pos, value: nil})
		}
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}

	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return p.node(&ident{at: tok.pos, name: tok.text})

	case tokLParen:
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return x, nil

	case tokLBrack:
		if err := p.enter(); err != nil {
			return nil, err
		}
		defer p.leave()
		elems, err := p.parseArgs(tokRBrack, "']'")
		if err != nil {
			return nil, err
		}
		return p.node(&list{at: tok.pos, elems: elems})

	case tokEOF:
		return nil, &SyntaxError{Pos: tok.pos, Msg: "unexpected end of expression"}
	}
	return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %q", tok.text)}
}

func (p *parser) parseCall(name token) (Node, error) {
	if _, ok := functions[name.text]; !ok {
		return nil, fmt.Errorf("%w: function %q is not allowed", ErrForbidden, name.text)
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.leave()

	p.next() // (
	args, err := p.parseArgs(tokRParen, "')'")
	if err != nil {
		return nil, err
	}
	return p.node(&call{at: name.pos, fn: name.text, args: args})
}

// parseArgs reads a comma-separated list up to the closing token, allowing a
// trailing comma.
func (p *parser) parseArgs(closing tokenKind, what string) ([]Node, error) {
	var args []Node
	for {
		if p.peek().kind == closing {
			p.next()
			return args, nil
		}
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		tok := p.next()
		switch tok.kind {
		case closing:
			return args, nil
		case tokComma:
			continue
		default:
			return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("expected ',' or %s, found %q", what, tok.text)}
		}
	}
}

func parseNumber(text string) (any, error) {
	if !strings.ContainsAny(text, ".eE") {
		i, err := strconv.ParseInt(text, 10, 64)
		if err == nil {
			return i, nil
		}
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", text)
	}
	return f, nil
}
