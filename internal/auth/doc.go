// Package auth resolves caller credentials into principals for toolgate.
//
// # Credential Types
//
// Two credential types are accepted, tried in this order:
//
//   - Session credentials: HS256-signed JWTs whose "sub" claim names a
//     registered account. The account's role and display name are loaded from
//     the store at resolution time, so disabling an account takes effect on
//     the next resolution.
//
//   - Delegated credentials: long-lived tokens ("sk_" followed by a nanoid)
//     issued to external systems. They resolve to one fixed external principal
//     with no account ID and an elevated role. Only a blake2b digest of each
//     token is stored.
//
// A credential that fails both is rejected with ErrNotAuthenticated.
//
// # Principal Propagation
//
// Resolved principals travel in context.Context:
//
//	ctx = auth.WithPrincipal(ctx, principal)
//	p := auth.FromContext(ctx) // nil when unauthenticated
//
// Transports bind the principal at the granularity they own: once per process
// for stdio, once per session or connection for HTTP and WebSocket, and once
// per call for gRPC via UnaryInterceptor.
package auth
