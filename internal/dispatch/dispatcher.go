// ABOUTME: Dispatcher tying identity, quota, catalog, engine and audit together per call
// ABOUTME: Exposes Invoke, InvokeWithCredential, ListTools and QuotaStatus to every transport

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/toolgate/internal/audit"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/builtins"
	"github.com/2389/toolgate/internal/catalog"
	"github.com/2389/toolgate/internal/engine"
	"github.com/2389/toolgate/internal/quota"
	"github.com/2389/toolgate/internal/store"
)

// Description prefixes distinguishing built-in from stored tools in listings.
const (
	SystemPrefix  = "[System] "
	DynamicPrefix = "[Dynamic] "
)

// Executor runs stored tool bodies.
type Executor interface {
	Execute(ctx context.Context, kind store.ToolKind, body string, args map[string]any) (string, error)
}

// Auditor records invocation attempts.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) (*store.UsageRecord, error)
}

// QuotaGate admits calls against the caller's daily budget.
type QuotaGate interface {
	Admit(ctx context.Context, p *auth.Principal) (*quota.Admission, error)
	Status(ctx context.Context, p *auth.Principal) (quota.Status, error)
}

// CredentialResolver turns a presented credential into a principal.
type CredentialResolver interface {
	Resolve(ctx context.Context, credential string) (*auth.Principal, error)
}

// Observer receives per-invocation measurements.
type Observer interface {
	ObserveInvocation(tool string, outcome store.Outcome, d time.Duration)
	ObserveUnauthenticated()
}

// Config wires a Dispatcher.
type Config struct {
	Builtins *builtins.Registry
	Catalog  *catalog.Catalog
	Schemas  *catalog.SchemaBuilder
	Engine   Executor
	Quota    QuotaGate
	Audit    Auditor
	Resolver CredentialResolver
	Observer Observer
	Logger   *slog.Logger
}

// Call is one invocation travelling through the middleware chain.
type Call struct {
	ID        string
	Principal *auth.Principal
	Tool      string
	Arguments map[string]any

	settle func(record func())
}

// SettleWith makes the audit write for this call run through settle, which
// must invoke record exactly once.
func (c *Call) SettleWith(settle func(record func())) {
	c.settle = settle
}

// Handler processes a Call.
type Handler func(ctx context.Context, call *Call) Result

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Dispatcher is the invocation core.
type Dispatcher struct {
	builtins *builtins.Registry
	catalog  *catalog.Catalog
	schemas  *catalog.SchemaBuilder
	engine   Executor
	quota    QuotaGate
	audit    Auditor
	resolver CredentialResolver
	observer Observer
	logger   *slog.Logger

	chain Handler
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		builtins: cfg.Builtins,
		catalog:  cfg.Catalog,
		schemas:  cfg.Schemas,
		engine:   cfg.Engine,
		quota:    cfg.Quota,
		audit:    cfg.Audit,
		resolver: cfg.Resolver,
		observer: cfg.Observer,
		logger:   logger.With("component", "dispatch"),
	}
	if d.builtins == nil {
		d.builtins = builtins.NewRegistry(logger)
	}
	if d.schemas == nil && d.catalog != nil {
		d.schemas = catalog.NewSchemaBuilder(d.catalog)
	}

	d.chain = chain(d.execute,
		d.observe,
		d.authenticate,
		d.auditAttempt,
		d.recoverPanics,
		d.enforceQuota,
	)
	return d
}

// chain applies middleware so the first one listed runs outermost.
func chain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// Invoke runs the named tool for the principal carried by ctx.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any) Result {
	call := &Call{
		ID:        newCallID(),
		Principal: auth.FromContext(ctx),
		Tool:      name,
		Arguments: args,
	}
	return d.chain(ctx, call)
}

// InvokeWithCredential resolves credential and invokes the tool as the
// resulting principal. An unresolvable credential yields a
// KindNotAuthenticated result.
func (d *Dispatcher) InvokeWithCredential(ctx context.Context, credential, name string, args map[string]any) Result {
	if d.resolver != nil && credential != "" {
		p, err := d.resolver.Resolve(ctx, credential)
		if err == nil {
			ctx = auth.WithPrincipal(ctx, p)
		} else {
			d.logger.Debug("credential rejected", "tool_name", name, "error", err)
		}
	}
	return d.Invoke(ctx, name, args)
}

// execute is the innermost handler: locate the tool, validate, run it.
func (d *Dispatcher) execute(ctx context.Context, call *Call) Result {
	args := catalog.StripReserved(call.Arguments)

	if tool, ok := d.builtins.Lookup(call.Tool); ok {
		return d.runBuiltin(ctx, call, tool, args)
	}

	if d.catalog == nil {
		return failure(&Error{Kind: KindToolNotFound, Tool: call.Tool, Err: catalog.ErrToolNotFound})
	}
	def, schema, err := d.catalog.Resolve(ctx, call.Tool)
	if errors.Is(err, catalog.ErrToolNotFound) {
		return failure(&Error{Kind: KindToolNotFound, Tool: call.Tool, Err: err})
	}
	if err != nil {
		return failure(&Error{Kind: KindExecutionFailure, Tool: call.Tool, Detail: "tool lookup failed", Err: err})
	}
	validated, err := schema.Validate(args)
	if err != nil {
		return failure(&Error{Kind: KindInvalidArguments, Tool: call.Tool, Detail: err.Error(), Err: err})
	}

	if d.engine == nil {
		return failure(&Error{Kind: KindExecutionFailure, Tool: call.Tool, Detail: "no execution engine configured"})
	}
	out, err := d.engine.Execute(ctx, def.Kind, def.Body, validated)
	if err != nil {
		e := &Error{Kind: KindExecutionFailure, Tool: call.Tool, Detail: err.Error(), Err: err}
		var execErr *engine.ExecutionError
		if errors.As(err, &execErr) {
			e.Detail = execErr.Message
			return Result{Text: execErr.Render(), Err: e}
		}
		return failure(e)
	}
	return success(out)
}

func (d *Dispatcher) runBuiltin(ctx context.Context, call *Call, tool *builtins.Tool, args map[string]any) Result {
	out, err := tool.Call(ctx, call.Principal, args)
	switch {
	case err == nil:
		return success(out)
	case errors.Is(err, builtins.ErrInvalidInput):
		return failure(&Error{Kind: KindInvalidArguments, Tool: call.Tool, Detail: err.Error(), Err: err})
	case errors.Is(err, builtins.ErrForbidden):
		return failure(&Error{Kind: KindExecutionFailure, Tool: call.Tool, Detail: "Admin privileges required for this tool", Err: err})
	}
	return failure(&Error{Kind: KindExecutionFailure, Tool: call.Tool, Detail: err.Error(), Err: err})
}

// ToolInfo describes one invocable tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
	Builtin     bool            `json:"-"`
	// HumanDescription is the operator-facing text of stored tools.
	HumanDescription string `json:"-"`
}

// ListTools returns built-in tools followed by active stored tools. A stored
// tool whose name is taken by a built-in is hidden, since invocation would
// never reach it. Catalog failures are logged and leave only the built-ins.
func (d *Dispatcher) ListTools(ctx context.Context) []ToolInfo {
	var out []ToolInfo
	for _, t := range d.builtins.List() {
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: SystemPrefix + t.Description,
			InputSchema: t.InputSchema,
			Builtin:     true,
		})
	}
	if d.catalog == nil {
		return out
	}

	defs, err := d.catalog.ActiveTools(ctx)
	if err != nil {
		d.logger.Error("failed to load dynamic tools", "error", err)
		return out
	}
	for _, def := range defs {
		if _, shadowed := d.builtins.Lookup(def.Name); shadowed {
			d.logger.Warn("stored tool hidden by built-in", "tool_name", def.Name)
			continue
		}
		schema, err := d.schemas.BuildSchema(ctx, def.ID)
		if err != nil {
			d.logger.Error("failed to build tool schema", "tool_name", def.Name, "error", err)
			continue
		}
		out = append(out, ToolInfo{
			Name:             def.Name,
			Description:      DynamicPrefix + def.AgentDescription,
			InputSchema:      schema.JSONSchema(),
			HumanDescription: def.HumanDescription,
		})
	}
	return out
}

// QuotaStatus reports today's quota position for the principal in ctx.
func (d *Dispatcher) QuotaStatus(ctx context.Context) (quota.Status, error) {
	p := auth.FromContext(ctx)
	if p == nil {
		return quota.Status{}, &Error{Kind: KindNotAuthenticated, Err: auth.ErrNotAuthenticated}
	}
	if d.quota == nil {
		return quota.Status{Limit: quota.Unlimited, Remaining: quota.Unlimited}, nil
	}
	st, err := d.quota.Status(ctx, p)
	if err != nil {
		return quota.Status{}, fmt.Errorf("quota status: %w", err)
	}
	return st, nil
}
