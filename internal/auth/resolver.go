// ABOUTME: Resolver turns a presented credential into a Principal
// ABOUTME: Tries session JWTs first, then delegated credentials, else ErrNotAuthenticated

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/2389/toolgate/internal/store"
)

// ErrNotAuthenticated is returned when a credential is missing, invalid, expired or unknown.
var ErrNotAuthenticated = errors.New("not authenticated")

// ExternalPrincipal describes the fixed identity delegated credentials resolve to.
type ExternalPrincipal struct {
	DisplayName string
	Role        string
}

// ResolverConfig wires a Resolver.
type ResolverConfig struct {
	Verifier    TokenVerifier
	Accounts    store.AccountStore
	Credentials store.CredentialStore
	External    ExternalPrincipal
	Logger      *slog.Logger
}

// Resolver authenticates credentials against the session verifier and the
// delegated credential store.
type Resolver struct {
	verifier    TokenVerifier
	accounts    store.AccountStore
	credentials store.CredentialStore
	external    ExternalPrincipal
	logger      *slog.Logger
}

// NewResolver creates a Resolver. Verifier and Accounts may be nil to disable
// session credentials; Credentials may be nil to disable delegated ones.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	external := cfg.External
	if external.DisplayName == "" {
		external.DisplayName = "external"
	}
	if external.Role == "" {
		external.Role = RoleAdmin
	}
	return &Resolver{
		verifier:    cfg.Verifier,
		accounts:    cfg.Accounts,
		credentials: cfg.Credentials,
		external:    external,
		logger:      logger.With("component", "auth"),
	}
}

// Resolve authenticates a raw credential.
// Every failure is reported as ErrNotAuthenticated; the cause is wrapped for logs.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, fmt.Errorf("%w: no credential", ErrNotAuthenticated)
	}

	sessionErr := errors.New("session credentials disabled")
	if r.verifier != nil && r.accounts != nil {
		p, err := r.resolveSession(ctx, credential)
		if err == nil {
			return p, nil
		}
		sessionErr = err
	}

	if r.credentials != nil {
		p, err := r.resolveDelegated(ctx, credential)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("delegated credential lookup failed", "error", err)
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrNotAuthenticated, sessionErr)
}

func (r *Resolver) resolveSession(ctx context.Context, credential string) (*Principal, error) {
	accountID, err := r.verifier.Verify(credential)
	if err != nil {
		return nil, err
	}

	account, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("loading account %q: %w", accountID, err)
	}
	if !account.Enabled {
		return nil, fmt.Errorf("account %q is disabled", accountID)
	}

	return &Principal{
		AccountID:   account.ID,
		Role:        account.Role,
		DisplayName: account.DisplayName,
	}, nil
}

func (r *Resolver) resolveDelegated(ctx context.Context, credential string) (*Principal, error) {
	cred, err := r.credentials.LookupCredential(ctx, credential)
	if err != nil {
		return nil, err
	}
	return &Principal{
		Role:          r.external.Role,
		DisplayName:   r.external.DisplayName,
		CredentialRef: cred.ID,
	}, nil
}
