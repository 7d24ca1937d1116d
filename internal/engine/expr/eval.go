// ABOUTME: Tree-walking evaluator for parsed expressions
// ABOUTME: Integer arithmetic is checked for overflow and every node honours cancellation

package expr

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrEval is wrapped by every runtime evaluation failure.
var ErrEval = errors.New("evaluation error")

// Limits on values built during evaluation.
const (
	MaxStringLength = 1 << 20
	MaxListLength   = 1 << 16
)

// EvalError is a runtime failure at a position in the source.
type EvalError struct {
	Pos int
	Msg string
}

func (e *EvalError) Error() string { return e.Msg }

func (e *EvalError) Unwrap() error { return ErrEval }

func evalErr(n Node, format string, args ...any) error {
	return &EvalError{Pos: n.pos(), Msg: fmt.Sprintf(format, args...)}
}

// Eval evaluates the program against args. Context cancellation aborts
// evaluation with ctx.Err().
func (p *Program) Eval(ctx context.Context, args map[string]any) (any, error) {
	env := make(map[string]any, len(args))
	for k, v := range args {
		n, err := normalize(v)
		if err != nil {
			return nil, &EvalError{Msg: fmt.Sprintf("argument %q: %v", k, err)}
		}
		env[k] = n
	}
	e := &evaluator{ctx: ctx, env: env}
	return e.eval(p.root)
}

type evaluator struct {
	ctx context.Context
	env map[string]any
}

func (e *evaluator) eval(n Node) (any, error) {
	if err := e.ctx.Err(); err != nil {
		return nil, err
	}

	switch n := n.(type) {
	case *literal:
		return n.value, nil

	case *ident:
		v, ok := e.env[n.name]
		if !ok {
			return nil, evalErr(n, "name '%s' is not defined", n.name)
		}
		return v, nil

	case *unary:
		x, err := e.eval(n.x)
		if err != nil {
			return nil, err
		}
		return unaryOp(n, x)

	case *binary:
		l, err := e.eval(n.l)
		if err != nil {
			return nil, err
		}
		r, err := e.eval(n.r)
		if err != nil {
			return nil, err
		}
		return binaryOp(n, l, r)

	case *logical:
		l, err := e.eval(n.l)
		if err != nil {
			return nil, err
		}
		if (n.op == "and") != truthy(l) {
			return l, nil
		}
		return e.eval(n.r)

	case *compare:
		return e.evalCompare(n)

	case *cond:
		test, err := e.eval(n.test)
		if err != nil {
			return nil, err
		}
		if truthy(test) {
			return e.eval(n.then)
		}
		return e.eval(n.otherwise)

	case *call:
		args := make([]any, len(n.args))
		for i, a := range n.args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		v, err := functions[n.fn](args)
		if err != nil {
			return nil, evalErr(n, "%s(): %v", n.fn, err)
		}
		return v, nil

	case *list:
		out := make([]any, len(n.elems))
		for i, el := range n.elems {
			v, err := e.eval(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}
	return nil, evalErr(n, "unsupported node %T", n)
}

func (e *evaluator) evalCompare(n *compare) (any, error) {
	left, err := e.eval(n.operands[0])
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := e.eval(n.operands[i+1])
		if err != nil {
			return nil, err
		}
		ok, err := compareOp(op, left, right)
		if err != nil {
			return nil, evalErr(n, "'%s' %v", op, err)
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func compareOp(op string, a, b any) (bool, error) {
	switch op {
	case "==":
		return equal(a, b), nil
	case "!=":
		return !equal(a, b), nil
	}
	if isNaN(a) || isNaN(b) {
		_, _, _, aNum := asNumber(a)
		_, _, _, bNum := asNumber(b)
		if aNum && bNum {
			return false, nil
		}
	}
	c, err := order(a, b)
	if err != nil {
		return false, err
	}
	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown comparison")
}

func isNaN(v any) bool {
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

func unaryOp(n *unary, x any) (any, error) {
	if n.op == "not" {
		return !truthy(x), nil
	}
	i, f, isInt, ok := asNumber(x)
	if !ok {
		return nil, evalErr(n, "bad operand type for unary %s: '%s'", n.op, typeName(x))
	}
	if n.op == "+" {
		if isInt {
			return i, nil
		}
		return f, nil
	}
	if isInt {
		if i == math.MinInt64 {
			return nil, evalErr(n, "integer overflow")
		}
		return -i, nil
	}
	return -f, nil
}

func binaryOp(n *binary, l, r any) (any, error) {
	if n.op == "+" {
		switch ls := l.(type) {
		case string:
			if rs, ok := r.(string); ok {
				if len(ls)+len(rs) > MaxStringLength {
					return nil, evalErr(n, "string result exceeds %d bytes", MaxStringLength)
				}
				return ls + rs, nil
			}
		case []any:
			if rl, ok := r.([]any); ok {
				if len(ls)+len(rl) > MaxListLength {
					return nil, evalErr(n, "list result exceeds %d elements", MaxListLength)
				}
				out := make([]any, 0, len(ls)+len(rl))
				return append(append(out, ls...), rl...), nil
			}
		}
	}

	li, lf, lInt, lok := asNumber(l)
	ri, rf, rInt, rok := asNumber(r)
	if !lok || !rok {
		return nil, evalErr(n, "unsupported operand type(s) for %s: '%s' and '%s'", n.op, typeName(l), typeName(r))
	}
	bothInt := lInt && rInt

	switch n.op {
	case "+":
		if bothInt {
			s := li + ri
			if (s > li) != (ri > 0) {
				return nil, evalErr(n, "integer overflow")
			}
			return s, nil
		}
		return lf + rf, nil

	case "-":
		if bothInt {
			d := li - ri
			if (d < li) != (ri > 0) {
				return nil, evalErr(n, "integer overflow")
			}
			return d, nil
		}
		return lf - rf, nil

	case "*":
		if bothInt {
			p, ok := mulInt(li, ri)
			if !ok {
				return nil, evalErr(n, "integer overflow")
			}
			return p, nil
		}
		return lf * rf, nil

	case "/":
		if rf == 0 {
			return nil, evalErr(n, "division by zero")
		}
		return lf / rf, nil

	case "//":
		if rf == 0 {
			return nil, evalErr(n, "integer division or modulo by zero")
		}
		if bothInt {
			if li == math.MinInt64 && ri == -1 {
				return nil, evalErr(n, "integer overflow")
			}
			q := li / ri
			if (li%ri != 0) && ((li < 0) != (ri < 0)) {
				q--
			}
			return q, nil
		}
		return math.Floor(lf / rf), nil

	case "%":
		if rf == 0 {
			return nil, evalErr(n, "integer division or modulo by zero")
		}
		if bothInt {
			if ri == -1 {
				return int64(0), nil
			}
			m := li % ri
			if m != 0 && ((m < 0) != (ri < 0)) {
				m += ri
			}
			return m, nil
		}
		m := math.Mod(lf, rf)
		if m != 0 && ((m < 0) != (rf < 0)) {
			m += rf
		}
		return m, nil

	case "**":
		if bothInt && ri >= 0 {
			p, ok := powInt(li, ri)
			if !ok {
				return nil, evalErr(n, "integer overflow")
			}
			return p, nil
		}
		if lf == 0 && rf < 0 {
			return nil, evalErr(n, "0.0 cannot be raised to a negative power")
		}
		res := math.Pow(lf, rf)
		if math.IsNaN(res) && !math.IsNaN(lf) && !math.IsNaN(rf) {
			return nil, evalErr(n, "math domain error")
		}
		return res, nil
	}
	return nil, evalErr(n, "unknown operator %s", n.op)
}

func mulInt(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	p := a * b
	if p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	return p, true
}

// powInt is exponentiation by squaring, reporting overflow.
func powInt(base, exp int64) (int64, bool) {
	result := int64(1)
	for exp > 0 {
		if exp&1 == 1 {
			var ok bool
			if result, ok = mulInt(result, base); !ok {
				return 0, false
			}
		}
		exp >>= 1
		if exp > 0 {
			var ok bool
			if base, ok = mulInt(base, base); !ok {
				return 0, false
			}
		}
	}
	return result, true
}
