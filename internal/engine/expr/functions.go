// ABOUTME: The fixed set of functions an expression may call
// ABOUTME: Anything not listed here is rejected at parse time

package expr

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

type function func(args []any) (any, error)

var functions = map[string]function{
	"abs":   fnAbs,
	"min":   func(args []any) (any, error) { return extreme(args, -1) },
	"max":   func(args []any) (any, error) { return extreme(args, 1) },
	"len":   fnLen,
	"sum":   fnSum,
	"int":   fnInt,
	"float": fnFloat,
	"str":   fnStr,
	"bool":  fnBool,
}

func arity(args []any, lo, hi int) error {
	if len(args) < lo || len(args) > hi {
		if lo == hi {
			return fmt.Errorf("takes exactly %d argument(s) (%d given)", lo, len(args))
		}
		return fmt.Errorf("takes %d to %d arguments (%d given)", lo, hi, len(args))
	}
	return nil
}

func fnAbs(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	i, f, isInt, ok := asNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("bad operand type: '%s'", typeName(args[0]))
	}
	if isInt {
		if i == math.MinInt64 {
			return nil, errors.New("integer overflow")
		}
		if i < 0 {
			return -i, nil
		}
		return i, nil
	}
	return math.Abs(f), nil
}

// extreme implements min (dir -1) and max (dir 1). A single list argument is
// treated as the candidates.
func extreme(args []any, dir int) (any, error) {
	candidates := args
	if len(args) == 1 {
		l, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("'%s' object is not iterable", typeName(args[0]))
		}
		candidates = l
	}
	if len(candidates) == 0 {
		return nil, errors.New("arg is an empty sequence")
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		o, err := order(c, best)
		if err != nil {
			return nil, err
		}
		if o == dir {
			best = c
		}
	}
	return best, nil
}

func fnLen(args []any) (any, error) {
	if err := arity(args, 1, 1); err != nil {
		return nil, err
	}
	switch v := args[0].(type) {
	case string:
		return int64(utf8.RuneCountInString(v)), nil
	case []any:
		return int64(len(v)), nil
	case map[string]any:
		return int64(len(v)), nil
	}
	return nil, fmt.Errorf("object of type '%s' has no len()", typeName(args[0]))
}

func fnSum(args []any) (any, error) {
	if err := arity(args, 1, 2); err != nil {
		return nil, err
	}
	l, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("'%s' object is not iterable", typeName(args[0]))
	}
	var total any = int64(0)
	if len(args) == 2 {
		total = args[1]
	}
	for _, v := range l {
		ti, tf, tInt, tok := asNumber(total)
		vi, vf, vInt, vok := asNumber(v)
		if !tok || !vok {
			return nil, fmt.Errorf("unsupported operand type(s) for +: '%s' and '%s'", typeName(total), typeName(v))
		}
		if tInt && vInt {
			s := ti + vi
			if (s > ti) != (vi > 0) {
				return nil, errors.New("integer overflow")
			}
			total = s
			continue
		}
		total = tf + vf
	}
	return total, nil
}

func fnInt(args []any) (any, error) {
	if err := arity(args, 0, 1); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return int64(0), nil
	}
	switch v := args[0].(type) {
	case bool, int64:
		i, _, _, _ := asNumber(v)
		return i, nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("cannot convert float %s to integer", formatFloat(v))
		}
		t := math.Trunc(v)
		if t < math.MinInt64 || t >= math.MaxInt64 {
			return nil, errors.New("integer overflow")
		}
		return int64(t), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid literal for int() with base 10: %s", quote(v))
		}
		return i, nil
	}
	return nil, fmt.Errorf("argument must be a string or a number, not '%s'", typeName(args[0]))
}

func fnFloat(args []any) (any, error) {
	if err := arity(args, 0, 1); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return float64(0), nil
	}
	if s, ok := args[0].(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert string to float: %s", quote(s))
		}
		return f, nil
	}
	_, f, _, ok := asNumber(args[0])
	if !ok {
		return nil, fmt.Errorf("argument must be a string or a number, not '%s'", typeName(args[0]))
	}
	return f, nil
}

func fnStr(args []any) (any, error) {
	if err := arity(args, 0, 1); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return "", nil
	}
	return Format(args[0]), nil
}

func fnBool(args []any) (any, error) {
	if err := arity(args, 0, 1); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return false, nil
	}
	return truthy(args[0]), nil
}
