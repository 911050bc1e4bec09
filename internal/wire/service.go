// ABOUTME: AgentControl gRPC service descriptor, server registration, and client stub
// ABOUTME: Mirrors the shape of generated stubs but forces the CBOR codec on every call

package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// AgentControlServiceName is the fully-qualified service name.
	AgentControlServiceName = "fleet.v1.AgentControl"
	// ConnectFullMethodName is the fully-qualified name of the Connect RPC.
	ConnectFullMethodName = "/" + AgentControlServiceName + "/Connect"
)

// AgentControlServer is the server API for the AgentControl service.
type AgentControlServer interface {
	Connect(AgentControl_ConnectServer) error
}

// UnimplementedAgentControlServer can be embedded to satisfy AgentControlServer.
type UnimplementedAgentControlServer struct{}

// Connect returns codes.Unimplemented.
func (UnimplementedAgentControlServer) Connect(AgentControl_ConnectServer) error {
	return status.Error(codes.Unimplemented, "method Connect not implemented")
}

// AgentControl_ConnectServer is the server side of a Connect stream.
type AgentControl_ConnectServer interface {
	Send(*ServerMessage) error
	Recv() (*AgentMessage, error)
	grpc.ServerStream
}

// RegisterAgentControlServer registers srv on s.
func RegisterAgentControlServer(s grpc.ServiceRegistrar, srv AgentControlServer) {
	s.RegisterService(&AgentControl_ServiceDesc, srv)
}

// AgentControl_ServiceDesc describes the AgentControl service.
var AgentControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentControlServiceName,
	HandlerType: (*AgentControlServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Connect",
			Handler:       agentControlConnectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet/v1/agent_control",
}

func agentControlConnectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(AgentControlServer).Connect(&agentControlConnectServer{stream})
}

type agentControlConnectServer struct {
	grpc.ServerStream
}

func (x *agentControlConnectServer) Send(m *ServerMessage) error {
	return x.ServerStream.SendMsg(m)
}

func (x *agentControlConnectServer) Recv() (*AgentMessage, error) {
	m := new(AgentMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// AgentControlClient is the client API for the AgentControl service.
type AgentControlClient interface {
	Connect(ctx context.Context, opts ...grpc.CallOption) (AgentControl_ConnectClient, error)
}

// AgentControl_ConnectClient is the client side of a Connect stream.
type AgentControl_ConnectClient interface {
	Send(*AgentMessage) error
	Recv() (*ServerMessage, error)
	grpc.ClientStream
}

type agentControlClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentControlClient returns a client bound to cc.
func NewAgentControlClient(cc grpc.ClientConnInterface) AgentControlClient {
	return &agentControlClient{cc}
}

func (c *agentControlClient) Connect(ctx context.Context, opts ...grpc.CallOption) (AgentControl_ConnectClient, error) {
	callOpts := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &AgentControl_ServiceDesc.Streams[0], ConnectFullMethodName, callOpts...)
	if err != nil {
		return nil, err
	}
	return &agentControlConnectClient{stream}, nil
}

type agentControlConnectClient struct {
	grpc.ClientStream
}

func (x *agentControlConnectClient) Send(m *AgentMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *agentControlConnectClient) Recv() (*ServerMessage, error) {
	m := new(ServerMessage)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
