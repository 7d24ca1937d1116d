// ABOUTME: Principal type and context propagation for identity through request handlers
// ABOUTME: Provides WithPrincipal/FromContext so call paths never rely on global state

package auth

import (
	"context"
)

// Well-known roles.
const (
	RoleAdmin = "ROLE_ADMIN"
	RoleUser  = "ROLE_USER"
)

// Principal is the authenticated identity on whose behalf a call runs.
type Principal struct {
	AccountID     string // empty for delegated/external credentials
	Role          string
	DisplayName   string
	CredentialRef string // delegated credential ID; empty for session credentials
}

// Key identifies the principal for usage accounting.
func (p *Principal) Key() string {
	if p.AccountID != "" {
		return "account:" + p.AccountID
	}
	return "token:" + p.CredentialRef
}

// IsAdmin reports whether the principal holds the admin role.
func (p *Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// String renders the principal for logs.
func (p *Principal) String() string {
	if p == nil {
		return "anonymous"
	}
	return p.Key()
}

// principalContextKey is the key type for storing a Principal in context.Context.
type principalContextKey struct{}

// WithPrincipal returns a new context with the Principal attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	val := ctx.Value(principalContextKey{})
	if val == nil {
		return nil
	}
	p, ok := val.(*Principal)
	if !ok {
		return nil
	}
	return p
}
