// ABOUTME: Tests for principal context propagation and HTTP/gRPC credential extraction
// ABOUTME: Verifies WithPrincipal/FromContext and the interceptor's principal binding

package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/2389/toolgate/internal/store"
)

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if FromContext(ctx) != nil {
		t.Fatal("expected nil principal on empty context")
	}

	p := &Principal{AccountID: "alice", Role: RoleUser}
	ctx = WithPrincipal(ctx, p)
	if got := FromContext(ctx); got != p {
		t.Errorf("FromContext() = %v, want %v", got, p)
	}
}

func TestPrincipalString(t *testing.T) {
	var nilP *Principal
	if nilP.String() != "anonymous" {
		t.Errorf("nil principal String() = %q", nilP.String())
	}
	p := &Principal{CredentialRef: "c1"}
	if p.String() != "token:c1" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestCredentialFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		want   string
		wantOK bool
	}{
		{"path token", "/mcp/sk_abc", "", "sk_abc", true},
		{"path token trailing slash", "/mcp/sk_abc/", "", "sk_abc", true},
		{"path token extra segment", "/mcp/sk_abc/extra", "", "", false},
		{"query token", "/mcp?token=sk_q", "", "sk_q", true},
		{"bearer header", "/mcp", "Bearer jwt.value.here", "jwt.value.here", true},
		{"path beats header", "/mcp/sk_path", "Bearer other", "sk_path", true},
		{"malformed header", "/mcp", "Basic xyz", "", true},
		{"nothing", "/mcp", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok := CredentialFromRequest(r, "/mcp")
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("CredentialFromRequest() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestUnaryInterceptor(t *testing.T) {
	ms := store.NewMockStore()
	v := newTestVerifier(t)
	resolver := NewResolver(ResolverConfig{Verifier: v, Accounts: ms, Credentials: ms})
	if err := ms.UpsertAccount(context.Background(), &store.Account{ID: "alice", Role: RoleUser, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	token, _ := v.Generate("alice", time.Hour)

	interceptor := UnaryInterceptor(resolver, nil)
	info := &grpc.UnaryServerInfo{FullMethod: "/toolgate.v1.ToolService/Invoke"}

	var seen *Principal
	handler := func(ctx context.Context, req any) (any, error) {
		seen = FromContext(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+token))
	if _, err := interceptor(ctx, nil, info, handler); err != nil {
		t.Fatal(err)
	}
	if seen == nil || seen.AccountID != "alice" {
		t.Errorf("expected alice principal, got %v", seen)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer bogus"))
	if _, err := interceptor(ctx, nil, info, handler); err != nil {
		t.Fatal(err)
	}
	if seen != nil {
		t.Errorf("bogus credential must not yield a principal, got %v", seen)
	}

	if _, err := interceptor(context.Background(), nil, info, handler); err != nil {
		t.Fatal(err)
	}
	if seen != nil {
		t.Errorf("missing metadata must not yield a principal, got %v", seen)
	}
}
