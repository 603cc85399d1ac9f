package gatewaypb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	serviceName = "gateway.GatewayService"
)

// GatewayServiceServer is the server API, hand-authored in the shape
// protoc-gen-go-grpc would produce.
type GatewayServiceServer interface {
	SubsystemAdd(context.Context, *SubsystemAddRequest) (*SubsystemResponse, error)
	SubsystemDel(context.Context, *SubsystemDelRequest) (*StatusResponse, error)

	NamespaceAdd(context.Context, *NamespaceAddRequest) (*NamespaceResponse, error)
	NamespaceDel(context.Context, *NamespaceDelRequest) (*StatusResponse, error)
	NamespaceResize(context.Context, *NamespaceResizeRequest) (*StatusResponse, error)
	NamespaceChangeLoadBalancingGroup(context.Context, *NamespaceChangeLoadBalancingGroupRequest) (*StatusResponse, error)
	NamespaceAddHost(context.Context, *NamespaceHostRequest) (*StatusResponse, error)
	NamespaceDelHost(context.Context, *NamespaceHostRequest) (*StatusResponse, error)

	ListenerAdd(context.Context, *ListenerRequest) (*StatusResponse, error)
	ListenerDel(context.Context, *ListenerRequest) (*StatusResponse, error)

	HostAdd(context.Context, *HostAddRequest) (*StatusResponse, error)
	HostDel(context.Context, *HostDelRequest) (*StatusResponse, error)

	ConnectionList(context.Context, *ConnectionListRequest) (*ConnectionListResponse, error)
	GetSubsystems(context.Context, *GetSubsystemsRequest) (*SubsystemListResponse, error)
	LogLevel(context.Context, *LogLevelRequest) (*StatusResponse, error)

	GatewayHealth(context.Context, *GatewayHealthRequest) (*GatewayHealthResponse, error)
}

// UnimplementedGatewayServiceServer embeds into a real implementation to
// satisfy forward compatibility when new RPCs are added, matching the
// teacher's Unimplemented*Server convention (pkg/api/server.go embeds
// proto.UnimplementedWarrenAPIServer).
type UnimplementedGatewayServiceServer struct{}

func (UnimplementedGatewayServiceServer) SubsystemAdd(context.Context, *SubsystemAddRequest) (*SubsystemResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubsystemAdd not implemented")
}
func (UnimplementedGatewayServiceServer) SubsystemDel(context.Context, *SubsystemDelRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SubsystemDel not implemented")
}
func (UnimplementedGatewayServiceServer) NamespaceAdd(context.Context, *NamespaceAddRequest) (*NamespaceResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NamespaceAdd not implemented")
}
func (UnimplementedGatewayServiceServer) NamespaceDel(context.Context, *NamespaceDelRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NamespaceDel not implemented")
}
func (UnimplementedGatewayServiceServer) NamespaceResize(context.Context, *NamespaceResizeRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NamespaceResize not implemented")
}
func (UnimplementedGatewayServiceServer) NamespaceChangeLoadBalancingGroup(context.Context, *NamespaceChangeLoadBalancingGroupRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NamespaceChangeLoadBalancingGroup not implemented")
}
func (UnimplementedGatewayServiceServer) NamespaceAddHost(context.Context, *NamespaceHostRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NamespaceAddHost not implemented")
}
func (UnimplementedGatewayServiceServer) NamespaceDelHost(context.Context, *NamespaceHostRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method NamespaceDelHost not implemented")
}
func (UnimplementedGatewayServiceServer) ListenerAdd(context.Context, *ListenerRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListenerAdd not implemented")
}
func (UnimplementedGatewayServiceServer) ListenerDel(context.Context, *ListenerRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ListenerDel not implemented")
}
func (UnimplementedGatewayServiceServer) HostAdd(context.Context, *HostAddRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HostAdd not implemented")
}
func (UnimplementedGatewayServiceServer) HostDel(context.Context, *HostDelRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method HostDel not implemented")
}
func (UnimplementedGatewayServiceServer) ConnectionList(context.Context, *ConnectionListRequest) (*ConnectionListResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ConnectionList not implemented")
}
func (UnimplementedGatewayServiceServer) GetSubsystems(context.Context, *GetSubsystemsRequest) (*SubsystemListResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetSubsystems not implemented")
}
func (UnimplementedGatewayServiceServer) LogLevel(context.Context, *LogLevelRequest) (*StatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method LogLevel not implemented")
}
func (UnimplementedGatewayServiceServer) GatewayHealth(context.Context, *GatewayHealthRequest) (*GatewayHealthResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GatewayHealth not implemented")
}

func RegisterGatewayServiceServer(s grpc.ServiceRegistrar, srv GatewayServiceServer) {
	s.RegisterService(&gatewayServiceServiceDesc, srv)
}

func handlerFor[Req, Resp any](call func(GatewayServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(GatewayServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(GatewayServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var gatewayServiceServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubsystemAdd", Handler: handlerFor(GatewayServiceServer.SubsystemAdd)},
		{MethodName: "SubsystemDel", Handler: handlerFor(GatewayServiceServer.SubsystemDel)},
		{MethodName: "NamespaceAdd", Handler: handlerFor(GatewayServiceServer.NamespaceAdd)},
		{MethodName: "NamespaceDel", Handler: handlerFor(GatewayServiceServer.NamespaceDel)},
		{MethodName: "NamespaceResize", Handler: handlerFor(GatewayServiceServer.NamespaceResize)},
		{MethodName: "NamespaceChangeLoadBalancingGroup", Handler: handlerFor(GatewayServiceServer.NamespaceChangeLoadBalancingGroup)},
		{MethodName: "NamespaceAddHost", Handler: handlerFor(GatewayServiceServer.NamespaceAddHost)},
		{MethodName: "NamespaceDelHost", Handler: handlerFor(GatewayServiceServer.NamespaceDelHost)},
		{MethodName: "ListenerAdd", Handler: handlerFor(GatewayServiceServer.ListenerAdd)},
		{MethodName: "ListenerDel", Handler: handlerFor(GatewayServiceServer.ListenerDel)},
		{MethodName: "HostAdd", Handler: handlerFor(GatewayServiceServer.HostAdd)},
		{MethodName: "HostDel", Handler: handlerFor(GatewayServiceServer.HostDel)},
		{MethodName: "ConnectionList", Handler: handlerFor(GatewayServiceServer.ConnectionList)},
		{MethodName: "GetSubsystems", Handler: handlerFor(GatewayServiceServer.GetSubsystems)},
		{MethodName: "LogLevel", Handler: handlerFor(GatewayServiceServer.LogLevel)},
		{MethodName: "GatewayHealth", Handler: handlerFor(GatewayServiceServer.GatewayHealth)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gateway.proto",
}

// GatewayServiceClient is the client API, hand-authored in the shape
// protoc-gen-go-grpc would produce.
type GatewayServiceClient interface {
	SubsystemAdd(ctx context.Context, in *SubsystemAddRequest, opts ...grpc.CallOption) (*SubsystemResponse, error)
	SubsystemDel(ctx context.Context, in *SubsystemDelRequest, opts ...grpc.CallOption) (*StatusResponse, error)

	NamespaceAdd(ctx context.Context, in *NamespaceAddRequest, opts ...grpc.CallOption) (*NamespaceResponse, error)
	NamespaceDel(ctx context.Context, in *NamespaceDelRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	NamespaceResize(ctx context.Context, in *NamespaceResizeRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	NamespaceChangeLoadBalancingGroup(ctx context.Context, in *NamespaceChangeLoadBalancingGroupRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	NamespaceAddHost(ctx context.Context, in *NamespaceHostRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	NamespaceDelHost(ctx context.Context, in *NamespaceHostRequest, opts ...grpc.CallOption) (*StatusResponse, error)

	ListenerAdd(ctx context.Context, in *ListenerRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	ListenerDel(ctx context.Context, in *ListenerRequest, opts ...grpc.CallOption) (*StatusResponse, error)

	HostAdd(ctx context.Context, in *HostAddRequest, opts ...grpc.CallOption) (*StatusResponse, error)
	HostDel(ctx context.Context, in *HostDelRequest, opts ...grpc.CallOption) (*StatusResponse, error)

	ConnectionList(ctx context.Context, in *ConnectionListRequest, opts ...grpc.CallOption) (*ConnectionListResponse, error)
	GetSubsystems(ctx context.Context, in *GetSubsystemsRequest, opts ...grpc.CallOption) (*SubsystemListResponse, error)
	LogLevel(ctx context.Context, in *LogLevelRequest, opts ...grpc.CallOption) (*StatusResponse, error)

	GatewayHealth(ctx context.Context, in *GatewayHealthRequest, opts ...grpc.CallOption) (*GatewayHealthResponse, error)
}

type gatewayServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewGatewayServiceClient(cc grpc.ClientConnInterface) GatewayServiceClient {
	return &gatewayServiceClient{cc: cc}
}

func invoke[Req, Resp any](ctx context.Context, c *gatewayServiceClient, method string, in *Req, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *gatewayServiceClient) SubsystemAdd(ctx context.Context, in *SubsystemAddRequest, opts ...grpc.CallOption) (*SubsystemResponse, error) {
	return invoke[SubsystemAddRequest, SubsystemResponse](ctx, c, "SubsystemAdd", in, opts...)
}
func (c *gatewayServiceClient) SubsystemDel(ctx context.Context, in *SubsystemDelRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[SubsystemDelRequest, StatusResponse](ctx, c, "SubsystemDel", in, opts...)
}
func (c *gatewayServiceClient) NamespaceAdd(ctx context.Context, in *NamespaceAddRequest, opts ...grpc.CallOption) (*NamespaceResponse, error) {
	return invoke[NamespaceAddRequest, NamespaceResponse](ctx, c, "NamespaceAdd", in, opts...)
}
func (c *gatewayServiceClient) NamespaceDel(ctx context.Context, in *NamespaceDelRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[NamespaceDelRequest, StatusResponse](ctx, c, "NamespaceDel", in, opts...)
}
func (c *gatewayServiceClient) NamespaceResize(ctx context.Context, in *NamespaceResizeRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[NamespaceResizeRequest, StatusResponse](ctx, c, "NamespaceResize", in, opts...)
}
func (c *gatewayServiceClient) NamespaceChangeLoadBalancingGroup(ctx context.Context, in *NamespaceChangeLoadBalancingGroupRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[NamespaceChangeLoadBalancingGroupRequest, StatusResponse](ctx, c, "NamespaceChangeLoadBalancingGroup", in, opts...)
}
func (c *gatewayServiceClient) NamespaceAddHost(ctx context.Context, in *NamespaceHostRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[NamespaceHostRequest, StatusResponse](ctx, c, "NamespaceAddHost", in, opts...)
}
func (c *gatewayServiceClient) NamespaceDelHost(ctx context.Context, in *NamespaceHostRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[NamespaceHostRequest, StatusResponse](ctx, c, "NamespaceDelHost", in, opts...)
}
func (c *gatewayServiceClient) ListenerAdd(ctx context.Context, in *ListenerRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[ListenerRequest, StatusResponse](ctx, c, "ListenerAdd", in, opts...)
}
func (c *gatewayServiceClient) ListenerDel(ctx context.Context, in *ListenerRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[ListenerRequest, StatusResponse](ctx, c, "ListenerDel", in, opts...)
}
func (c *gatewayServiceClient) HostAdd(ctx context.Context, in *HostAddRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[HostAddRequest, StatusResponse](ctx, c, "HostAdd", in, opts...)
}
func (c *gatewayServiceClient) HostDel(ctx context.Context, in *HostDelRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[HostDelRequest, StatusResponse](ctx, c, "HostDel", in, opts...)
}
func (c *gatewayServiceClient) ConnectionList(ctx context.Context, in *ConnectionListRequest, opts ...grpc.CallOption) (*ConnectionListResponse, error) {
	return invoke[ConnectionListRequest, ConnectionListResponse](ctx, c, "ConnectionList", in, opts...)
}
func (c *gatewayServiceClient) GetSubsystems(ctx context.Context, in *GetSubsystemsRequest, opts ...grpc.CallOption) (*SubsystemListResponse, error) {
	return invoke[GetSubsystemsRequest, SubsystemListResponse](ctx, c, "GetSubsystems", in, opts...)
}
func (c *gatewayServiceClient) LogLevel(ctx context.Context, in *LogLevelRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[LogLevelRequest, StatusResponse](ctx, c, "LogLevel", in, opts...)
}
func (c *gatewayServiceClient) GatewayHealth(ctx context.Context, in *GatewayHealthRequest, opts ...grpc.CallOption) (*GatewayHealthResponse, error) {
	return invoke[GatewayHealthRequest, GatewayHealthResponse](ctx, c, "GatewayHealth", in, opts...)
}
