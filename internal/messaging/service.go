package messaging

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service name the messaging plane registers
// under, used in place of a .proto-generated name since this service is
// hand-described rather than protoc-generated.
const ServiceName = "agentcoord.messaging.v1.Messaging"

// MessagingServer is implemented by the messaging Hub to accept
// connections. Connect is a single bidirectional stream; the agent's
// identity comes from the authenticated stream context, and a stream
// without an agent identity is rejected.
type MessagingServer interface {
	Connect(stream ConnectServerStream) error
}

// ConnectServerStream is the server side of the bidirectional Connect
// stream, typed over Frame instead of a generated protobuf message.
type ConnectServerStream interface {
	grpc.ServerStream
	Send(*Frame) error
	Recv() (*Frame, error)
}

type connectServerStream struct {
	grpc.ServerStream
}

func (s *connectServerStream) Send(f *Frame) error { return s.ServerStream.SendMsg(f) }
func (s *connectServerStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ServerStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MessagingServer).Connect(&connectServerStream{stream})
}

// ServiceDesc describes the messaging plane's single bidirectional RPC
// to grpc.Server.RegisterService, standing in for the ServiceDesc a
// protoc-gen-go-grpc plugin would normally emit.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

// ConnectClientStream is the client side of the bidirectional Connect
// stream.
type ConnectClientStream interface {
	grpc.ClientStream
	Send(*Frame) error
	Recv() (*Frame, error)
}

type connectClientStream struct {
	grpc.ClientStream
}

func (s *connectClientStream) Send(f *Frame) error { return s.ClientStream.SendMsg(f) }
func (s *connectClientStream) Recv() (*Frame, error) {
	f := new(Frame)
	if err := s.ClientStream.RecvMsg(f); err != nil {
		return nil, err
	}
	return f, nil
}

// NewConnectClient opens the bidirectional Connect stream against cc,
// forcing the messaging plane's codec via CallContentSubtype.
func NewConnectClient(ctx context.Context, cc *grpc.ClientConn) (ConnectClientStream, error) {
	desc := &ServiceDesc.Streams[0]
	stream, err := cc.NewStream(ctx, desc, "/"+ServiceName+"/Connect",
		grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, err
	}
	return &connectClientStream{stream}, nil
}
