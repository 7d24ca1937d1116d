// ABOUTME: Expression runner evaluating tool bodies with the closed expr grammar
// ABOUTME: Parsed programs are cached by source text

package engine

import (
	"context"
	"sync"

	"github.com/2389/toolgate/internal/engine/expr"
)

const maxCachedPrograms = 256

// ExpressionRunner evaluates expression bodies. It holds no per-call state.
type ExpressionRunner struct {
	mu       sync.Mutex
	programs map[string]*expr.Program
}

// NewExpressionRunner creates an ExpressionRunner.
func NewExpressionRunner() *ExpressionRunner {
	return &ExpressionRunner{programs: make(map[string]*expr.Program)}
}

func (r *ExpressionRunner) program(body string) (*expr.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.programs[body]; ok {
		return p, nil
	}
	p, err := expr.Parse(body)
	if err != nil {
		return nil, err
	}
	if len(r.programs) >= maxCachedPrograms {
		clear(r.programs)
	}
	r.programs[body] = p
	return p, nil
}

// Run evaluates body with args as its only bindings and returns the
// formatted result.
func (r *ExpressionRunner) Run(ctx context.Context, body string, args map[string]any) (string, error) {
	prog, err := r.program(body)
	if err != nil {
		return "", err
	}
	v, err := prog.Eval(ctx, args)
	if err != nil {
		return "", err
	}
	return expr.Format(v), nil
}
