// ABOUTME: Dispatcher middleware: metrics, authentication, audit, panic recovery, quota
// ABOUTME: Applied once around the core handler so every tool kind inherits them

package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/audit"
	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/store"
)

func newCallID() string { return uuid.New().String() }

// outcomeOf maps a result to the audited outcome.
func outcomeOf(r Result) store.Outcome {
	switch {
	case r.Err == nil:
		return store.OutcomeSuccess
	case r.Err.Kind == KindQuotaExceeded:
		return store.OutcomeRejected
	}
	return store.OutcomeFailure
}

// observe reports latency and outcome and writes the completion log line.
func (d *Dispatcher) observe(next Handler) Handler {
	return func(ctx context.Context, call *Call) Result {
		start := time.Now()
		res := next(ctx, call)
		elapsed := time.Since(start)

		if res.Err != nil && res.Err.Kind == KindNotAuthenticated {
			if d.observer != nil {
				d.observer.ObserveUnauthenticated()
			}
			return res
		}

		outcome := outcomeOf(res)
		if d.observer != nil {
			label := call.Tool
			if res.Err != nil && res.Err.Kind == KindToolNotFound {
				label = "unknown"
			}
			d.observer.ObserveInvocation(label, outcome, elapsed)
		}

		attrs := []any{
			"request_id", call.ID,
			"tool_name", call.Tool,
			"principal", call.Principal.String(),
			"outcome", outcome,
			"duration", elapsed,
		}
		switch {
		case outcome == store.OutcomeRejected:
			d.logger.Warn("tool call rejected", append(attrs, "used", res.Err.Used, "limit", res.Err.Limit)...)
		case res.Err != nil:
			d.logger.Info("tool call failed", append(attrs, "kind", res.Err.Kind, "error", res.Err.Error())...)
		default:
			d.logger.Info("tool call completed", attrs...)
		}
		return res
	}
}

// authenticate refuses calls that carry no principal. They are not audited.
func (d *Dispatcher) authenticate(next Handler) Handler {
	return func(ctx context.Context, call *Call) Result {
		if call.Principal == nil {
			d.logger.Warn("tool call blocked: unauthenticated", "request_id", call.ID, "tool_name", call.Tool)
			return failure(&Error{Kind: KindNotAuthenticated, Tool: call.Tool, Err: auth.ErrNotAuthenticated})
		}
		return next(auth.WithPrincipal(ctx, call.Principal), call)
	}
}

// auditAttempt writes one usage record for every authenticated attempt.
// The write goes through the call's settle hook when one is registered.
func (d *Dispatcher) auditAttempt(next Handler) Handler {
	return func(ctx context.Context, call *Call) Result {
		res := next(ctx, call)

		record := func() {
			if d.audit == nil {
				return
			}
			if _, err := d.audit.Record(ctx, audit.Entry{
				Principal: call.Principal,
				ToolName:  call.Tool,
				Arguments: call.Arguments,
				Outcome:   outcomeOf(res),
				Result:    res.Text,
			}); err != nil {
				d.logger.Error("audit write failed", "request_id", call.ID, "tool_name", call.Tool, "error", err)
			}
		}
		if call.settle != nil {
			call.settle(record)
		} else {
			record()
		}
		return res
	}
}

// recoverPanics turns a panic anywhere below into an execution failure so
// it is audited like any other outcome.
func (d *Dispatcher) recoverPanics(next Handler) Handler {
	return func(ctx context.Context, call *Call) (res Result) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("panic during tool call",
					"request_id", call.ID,
					"tool_name", call.Tool,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				res = failure(&Error{
					Kind:   KindExecutionFailure,
					Tool:   call.Tool,
					Detail: fmt.Sprintf("internal error: %v", r),
				})
			}
		}()
		return next(ctx, call)
	}
}

// enforceQuota admits the call against the principal's daily budget. An
// admitted slot is held until the audit record is written.
func (d *Dispatcher) enforceQuota(next Handler) Handler {
	return func(ctx context.Context, call *Call) Result {
		if d.quota == nil {
			return next(ctx, call)
		}
		adm, err := d.quota.Admit(ctx, call.Principal)
		if err != nil {
			return failure(&Error{Kind: KindExecutionFailure, Tool: call.Tool, Detail: "quota check failed", Err: err})
		}
		call.SettleWith(adm.Settle)
		if !adm.Allowed {
			return failure(&Error{Kind: KindQuotaExceeded, Tool: call.Tool, Used: adm.Used, Limit: adm.Limit})
		}
		return next(ctx, call)
	}
}
