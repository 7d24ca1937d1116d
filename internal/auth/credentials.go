// ABOUTME: Issuance of delegated credentials for external systems
// ABOUTME: Tokens are a fixed prefix plus a nanoid; only their digest reaches the store

package auth

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/2389/toolgate/internal/store"
)

// DefaultDelegatedPrefix marks delegated credentials.
const DefaultDelegatedPrefix = "sk_"

const delegatedTokenLength = 43

// NewDelegatedToken generates a fresh delegated credential token.
func NewDelegatedToken(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultDelegatedPrefix
	}
	id, err := gonanoid.New(delegatedTokenLength)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return prefix + id, nil
}

// IssueDelegatedCredential creates and stores a new delegated credential.
// The returned token is the only copy of the secret.
func IssueDelegatedCredential(ctx context.Context, creds store.CredentialStore, name, createdBy, prefix string) (string, *store.DelegatedCredential, error) {
	token, err := NewDelegatedToken(prefix)
	if err != nil {
		return "", nil, err
	}
	cred := &store.DelegatedCredential{
		Name:      name,
		CanUse:    true,
		CreatedBy: createdBy,
	}
	if err := creds.CreateCredential(ctx, cred, token); err != nil {
		return "", nil, fmt.Errorf("storing credential: %w", err)
	}
	return token, cred, nil
}
