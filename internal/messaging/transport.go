package messaging

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/stricklysoft/agentcoord/pkg/auth"
)

// serviceName identifies this service in logs emitted around agent
// authentication.
const serviceName = "agentcoord-coordinator"

// NewServer builds the gRPC server hosting the messaging plane,
// authenticating every connecting agent via validator and registering
// hub as the Connect stream handler. Agent connections are
// unary-interceptor-free: Connect is the service's only RPC, and its
// stream-level interceptor is what authenticates it.
func NewServer(validator auth.TokenValidator, hub *Hub, extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.StreamInterceptor(auth.StreamServerInterceptor(validator, serviceName)),
	}, extra...)
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&ServiceDesc, hub)
	return srv
}

// Dial opens a client connection to the coordinator's messaging plane
// and establishes the bidirectional Connect stream, attaching token as
// a bearer credential to the stream's outgoing metadata via a stream
// client interceptor when the stream is opened. Callers supply their own
// grpc.DialOption for transport credentials (TLS, insecure-for-tests).
func Dial(ctx context.Context, target string, token string, opts ...grpc.DialOption) (ConnectClientStream, *grpc.ClientConn, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithChainStreamInterceptor(bearerTokenInterceptor(token)),
	}, opts...)

	cc, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, nil, err
	}
	stream, err := NewConnectClient(ctx, cc)
	if err != nil {
		cc.Close()
		return nil, nil, err
	}
	return stream, cc, nil
}

// bearerTokenInterceptor attaches a static bearer token to outgoing
// stream metadata, the client-side counterpart to
// extractIdentityFromGRPC's "authorization" header lookup.
func bearerTokenInterceptor(token string) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		ctx = metadata.AppendToOutgoingContext(ctx, auth.HeaderAuthorization, "Bearer "+token)
		return streamer(ctx, desc, cc, method, opts...)
	}
}
