// ABOUTME: gRPC interceptor that resolves per-call credentials from metadata
// ABOUTME: Unresolvable calls proceed without a principal so the dispatcher can report them

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// credentialFromMetadata reads "authorization: Bearer <token>" from incoming metadata.
func credentialFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return ""
	}
	token, errMsg := extractBearerToken(values[0])
	if errMsg != "" {
		return ""
	}
	return token
}

// UnaryInterceptor returns a gRPC unary interceptor that attaches the caller's
// Principal to the context when the presented credential resolves.
func UnaryInterceptor(resolver *Resolver, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		credential := credentialFromMetadata(ctx)
		if credential == "" {
			return handler(ctx, req)
		}

		p, err := resolver.Resolve(ctx, credential)
		if err != nil {
			logAuthFailure(logger, ctx, "credential rejected", "method", info.FullMethod, "error", err)
			return handler(ctx, req)
		}
		return handler(WithPrincipal(ctx, p), req)
	}
}
