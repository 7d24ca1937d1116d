// ABOUTME: ExecutionEngine dispatching tool bodies to the template or expression runner
// ABOUTME: Applies per-kind timeouts and the result size cap, and wraps failures as ExecutionError

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/store"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultExpressionTimeout = 250 * time.Millisecond
	DefaultQueryTimeout      = 30 * time.Second
	DefaultMaxResultBytes    = 1 << 20
)

var (
	ErrUnknownKind    = errors.New("unknown tool kind")
	ErrResultTooLarge = errors.New("result too large")
	ErrTimeout        = errors.New("execution timed out")
)

// Runner executes one kind of tool body.
type Runner interface {
	Run(ctx context.Context, body string, args map[string]any) (string, error)
}

// ExecutionError is a failed execution. Message is the text surfaced to the
// caller; Err keeps the underlying cause for errors.Is/As.
type ExecutionError struct {
	Kind    store.ToolKind
	Message string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s execution failed: %s", e.Kind, e.Message)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Config configures an Engine.
type Config struct {
	Templates         store.TemplateStore
	ExpressionTimeout time.Duration
	QueryTimeout      time.Duration
	MaxResultBytes    int
	Logger            *slog.Logger
}

// Engine routes Execute calls to the runner registered for the tool kind.
type Engine struct {
	runners        map[store.ToolKind]Runner
	timeouts       map[store.ToolKind]time.Duration
	maxResultBytes int
	logger         *slog.Logger
}

// New builds an Engine with the query-template and expression runners.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExpressionTimeout <= 0 {
		cfg.ExpressionTimeout = DefaultExpressionTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = DefaultMaxResultBytes
	}

	e := &Engine{
		runners: map[store.ToolKind]Runner{
			store.KindExpression: NewExpressionRunner(),
		},
		timeouts: map[store.ToolKind]time.Duration{
			store.KindExpression:    cfg.ExpressionTimeout,
			store.KindQueryTemplate: cfg.QueryTimeout,
		},
		maxResultBytes: cfg.MaxResultBytes,
		logger:         logger.With("component", "engine"),
	}
	if cfg.Templates != nil {
		e.runners[store.KindQueryTemplate] = NewTemplateRunner(cfg.Templates)
	}
	return e
}

// Execute runs body as a tool of the given kind against args.
// Every failure, including cancellation, is returned as *ExecutionError.
func (e *Engine) Execute(ctx context.Context, kind store.ToolKind, body string, args map[string]any) (string, error) {
	runner, ok := e.runners[kind]
	if !ok {
		return "", &ExecutionError{
			Kind:    kind,
			Message: fmt.Sprintf("no runner for tool kind %q", kind),
			Err:     ErrUnknownKind,
		}
	}

	if timeout := e.timeouts[kind]; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := runner.Run(ctx, body, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = fmt.Errorf("%w after %s: %w", ErrTimeout, e.timeouts[kind], err)
		}
		e.logger.Debug("execution failed", "kind", kind, "duration", time.Since(start), "error", err)
		return "", &ExecutionError{Kind: kind, Message: err.Error(), Err: err}
	}

	if len(out) > e.maxResultBytes {
		return "", &ExecutionError{
			Kind:    kind,
			Message: fmt.Sprintf("result of %d bytes exceeds limit of %d", len(out), e.maxResultBytes),
			Err:     ErrResultTooLarge,
		}
	}

	e.logger.Debug("executed tool body", "kind", kind, "duration", time.Since(start), "bytes", len(out))
	return out, nil
}

// Render formats a failure the way each backend reports it in-band: query
// templates as a JSON object with an "error" key, expressions as
// "Error: <message>".
func (e *ExecutionError) Render() string {
	if e.Kind == store.KindQueryTemplate {
		return errorJSON(e.Message)
	}
	return "Error: " + e.Message
}
