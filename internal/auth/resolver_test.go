// ABOUTME: Tests for credential resolution into principals
// ABOUTME: Covers session and delegated credentials, ordering, and every rejection path

package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/toolgate/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *JWTVerifier, *store.MockStore) {
	t.Helper()
	ms := store.NewMockStore()
	v := newTestVerifier(t)
	r := NewResolver(ResolverConfig{
		Verifier:    v,
		Accounts:    ms,
		Credentials: ms,
		External:    ExternalPrincipal{DisplayName: "external", Role: RoleAdmin},
	})
	return r, v, ms
}

func TestResolve_SessionCredential(t *testing.T) {
	r, v, ms := newTestResolver(t)
	ctx := context.Background()
	require.NoError(t, ms.UpsertAccount(ctx, &store.Account{ID: "alice", DisplayName: "Alice", Role: RoleUser, Enabled: true}))

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	p, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, &Principal{AccountID: "alice", Role: RoleUser, DisplayName: "Alice"}, p)
	assert.Equal(t, "account:alice", p.Key())
	assert.False(t, p.IsAdmin())
}

func TestResolve_DelegatedCredential(t *testing.T) {
	r, _, ms := newTestResolver(t)
	ctx := context.Background()

	token, cred, err := IssueDelegatedCredential(ctx, ms, "ci", "admin", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(token, "sk_"))

	p, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, p.AccountID, "external principal has no account")
	assert.Equal(t, RoleAdmin, p.Role)
	assert.Equal(t, "external", p.DisplayName)
	assert.Equal(t, cred.ID, p.CredentialRef)
	assert.Equal(t, "token:"+cred.ID, p.Key())
	assert.True(t, p.IsAdmin())
}

func TestResolve_Rejections(t *testing.T) {
	r, v, ms := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, ms.UpsertAccount(ctx, &store.Account{ID: "disabled", Role: RoleUser, Enabled: false}))
	disabledToken, _ := v.Generate("disabled", time.Hour)
	unknownToken, _ := v.Generate("ghost", time.Hour)
	expiredToken, _ := v.Generate("disabled", -time.Minute)

	revokedToken, cred, err := IssueDelegatedCredential(ctx, ms, "old", "admin", "")
	require.NoError(t, err)
	require.NoError(t, ms.RevokeCredential(ctx, cred.ID))

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"garbage", "not-a-credential"},
		{"expired session", expiredToken},
		{"unknown account", unknownToken},
		{"disabled account", disabledToken},
		{"revoked delegated", revokedToken},
		{"unknown delegated", "sk_never_issued"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Resolve(ctx, tt.credential)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrNotAuthenticated)
		})
	}
}

func TestResolve_SessionTriedBeforeDelegated(t *testing.T) {
	r, v, ms := newTestResolver(t)
	ctx := context.Background()
	require.NoError(t, ms.UpsertAccount(ctx, &store.Account{ID: "bob", DisplayName: "Bob", Role: RoleUser, Enabled: true}))

	token, err := v.Generate("bob", time.Hour)
	require.NoError(t, err)
	// Register the same string as a delegated credential; the session wins.
	require.NoError(t, ms.CreateCredential(ctx, &store.DelegatedCredential{Name: "clash", CanUse: true}, token))

	p, err := r.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.AccountID)
}

func TestNewDelegatedToken_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		tok, err := NewDelegatedToken("")
		require.NoError(t, err)
		assert.Len(t, tok, len(DefaultDelegatedPrefix)+delegatedTokenLength)
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
