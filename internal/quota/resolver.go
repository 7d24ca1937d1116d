// ABOUTME: QuotaResolver applying the TOKEN > USER > ROLE > deny cascade
// ABOUTME: Counts today's usage in the configured time zone and reports status

package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/toolgate/internal/auth"
	"github.com/2389/toolgate/internal/store"
)

// Cascade is the lookup order for quota policies. The first scope with a
// policy for the principal decides the limit.
var Cascade = []store.QuotaScope{store.ScopeToken, store.ScopeUser, store.ScopeRole}

const (
	// Unlimited is the MaxCount meaning no cap.
	Unlimited = -1
	// DefaultLimit applies when no policy matches.
	DefaultLimit = 0
)

// PolicySource looks up one quota policy.
type PolicySource interface {
	GetQuotaPolicy(ctx context.Context, scope store.QuotaScope, key string) (*store.QuotaPolicy, error)
}

// UsageCounter counts recorded usage in a window.
type UsageCounter interface {
	CountUsage(ctx context.Context, principalKey string, from, until time.Time) (int, error)
}

// Options tune a Resolver.
type Options struct {
	// Location defines "today". Defaults to time.Local.
	Location *time.Location
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
	// Exact enables the in-process admission ledger.
	Exact bool
}

// Resolver computes limits and usage for principals.
type Resolver struct {
	policies PolicySource
	usage    UsageCounter
	loc      *time.Location
	now      func() time.Time
	ledger   *Ledger
}

// NewResolver creates a Resolver.
func NewResolver(policies PolicySource, usage UsageCounter, opts Options) *Resolver {
	r := &Resolver{
		policies: policies,
		usage:    usage,
		loc:      opts.Location,
		now:      opts.Now,
	}
	if r.loc == nil {
		r.loc = time.Local
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.Exact {
		r.ledger = NewLedger()
	}
	return r
}

// scopeKey returns the key p has under scope, if any.
func scopeKey(p *auth.Principal, scope store.QuotaScope) (string, bool) {
	switch scope {
	case store.ScopeToken:
		return p.CredentialRef, p.CredentialRef != ""
	case store.ScopeUser:
		return p.AccountID, p.AccountID != ""
	case store.ScopeRole:
		return p.Role, p.Role != ""
	}
	return "", false
}

// Policy returns the first policy in Cascade that applies to p, or nil when
// none does.
func (r *Resolver) Policy(ctx context.Context, p *auth.Principal) (*store.QuotaPolicy, error) {
	for _, scope := range Cascade {
		key, ok := scopeKey(p, scope)
		if !ok {
			continue
		}
		policy, err := r.policies.GetQuotaPolicy(ctx, scope, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("looking up %s quota: %w", scope, err)
		}
		return policy, nil
	}
	return nil, nil
}

// LimitFor returns the daily limit for p: a policy's MaxCount, or
// DefaultLimit when no policy applies.
func (r *Resolver) LimitFor(ctx context.Context, p *auth.Principal) (int, error) {
	policy, err := r.Policy(ctx, p)
	if err != nil {
		return 0, err
	}
	if policy == nil {
		return DefaultLimit, nil
	}
	return policy.MaxCount, nil
}

// Today returns the bounds of the current local day, [midnight, next midnight).
func (r *Resolver) Today() (from, until time.Time) {
	return DayWindow(r.now(), r.loc)
}

// DayWindow returns the calendar day containing t in loc.
func DayWindow(t time.Time, loc *time.Location) (from, until time.Time) {
	t = t.In(loc)
	from = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

// UsedToday counts p's recorded usage within today.
func (r *Resolver) UsedToday(ctx context.Context, p *auth.Principal) (int, error) {
	from, until := r.Today()
	n, err := r.usage.CountUsage(ctx, p.Key(), from, until)
	if err != nil {
		return 0, fmt.Errorf("counting usage: %w", err)
	}
	return n, nil
}

// Status is a principal's quota position for today.
type Status struct {
	Used      int `json:"used"`
	Limit     int `json:"limit"`
	Remaining int `json:"remaining"`
}

// Remaining is limit-used clamped at zero, or Unlimited.
func Remaining(used, limit int) int {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

// Status reports used, limit and remaining for p.
func (r *Resolver) Status(ctx context.Context, p *auth.Principal) (Status, error) {
	limit, err := r.LimitFor(ctx, p)
	if err != nil {
		return Status{}, err
	}
	used, err := r.UsedToday(ctx, p)
	if err != nil {
		return Status{}, err
	}
	return Status{Used: used, Limit: limit, Remaining: Remaining(used, limit)}, nil
}
