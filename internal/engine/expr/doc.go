// Package expr evaluates single arithmetic/logical expressions over named arguments.
//
// The grammar is closed: it admits literals (numbers, strings, booleans,
// None), identifiers bound to caller arguments, arithmetic, comparison and
// logical operators, the conditional form "x if cond else y", list literals,
// and calls to a fixed set of functions (abs, min, max, len, sum, int, float,
// str, bool). Attribute access, indexing, assignment, lambdas, imports and any
// other construct fail to parse, so an expression cannot reach anything beyond
// its arguments and those functions.
//
// Evaluation has no loops. Its cost is bounded by the size of the parsed tree,
// which Parse caps, and every step honours context cancellation.
//
//	prog, err := expr.Parse("max(a, b) * 2")
//	v, err := prog.Eval(ctx, map[string]any{"a": int64(2), "b": int64(3)})
//	expr.Format(v) // "6"
package expr
