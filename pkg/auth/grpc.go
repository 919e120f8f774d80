package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamServerInterceptor returns a gRPC stream server interceptor that
// authenticates an incoming stream before handing it to the RPC handler.
// internal/messaging.NewServer installs this on the coordinator's Connect
// service — it is the mechanism by which §4.6's "agent auth assumed
// provided by the transport layer" is realized.
//
// The interceptor extracts the bearer token from the stream's "authorization"
// metadata, validates it with validator, and wraps the stream so its
// Context() carries the resulting [Identity]. Missing or invalid tokens
// cause the stream to be rejected with a gRPC Unauthenticated status before
// the handler (Hub.Connect) ever runs. serviceName is recorded on rejection
// log lines so a multi-coordinator deployment can tell which replica denied
// a given agent connection.
func StreamServerInterceptor(validator TokenValidator, serviceName string) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := extractIdentityFromGRPC(ss.Context(), validator)
		if err != nil {
			slog.WarnContext(ss.Context(), "auth: rejected agent connection",
				"service", serviceName, "error", err)
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// extractIdentityFromGRPC extracts the bearer token from incoming gRPC
// metadata, validates it, and returns a context carrying the resulting
// Identity.
func extractIdentityFromGRPC(ctx context.Context, validator TokenValidator) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx, status.Error(codes.Unauthenticated, "missing metadata")
	}

	tokens := md.Get(HeaderAuthorization)
	if len(tokens) == 0 {
		return ctx, status.Error(codes.Unauthenticated, "missing authorization metadata")
	}
	token := ExtractBearerToken(tokens[0])
	if token == "" {
		return ctx, status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	identity, err := validator.Validate(ctx, token)
	if err != nil {
		return ctx, status.Error(codes.Unauthenticated, "token validation failed")
	}

	return ContextWithIdentity(ctx, identity), nil
}

// wrappedServerStream wraps a grpc.ServerStream to override its Context method.
// This is necessary because ServerStream.Context() returns the original stream
// context, which does not contain the identity added by the interceptor.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context containing identity information.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// HeaderAuthorization is the gRPC metadata key carrying the connecting
// agent's bearer token.
const HeaderAuthorization = "authorization"

// ExtractBearerToken extracts the token from a "Bearer <token>"
// authorization header value (case-insensitive scheme). Returns an empty
// string if the header is empty or does not use the Bearer scheme.
func ExtractBearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) {
		return ""
	}
	if !equalFoldASCII(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// equalFoldASCII reports whether a and b are equal under ASCII case folding.
func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
