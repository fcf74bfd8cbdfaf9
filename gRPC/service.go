package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "facedet.DetectService"

const (
	DetectService_Inference_FullMethodName     = "/" + ServiceName + "/Inference"
	DetectService_CheckPipeline_FullMethodName = "/" + ServiceName + "/CheckPipeline"
	DetectService_Shutdown_FullMethodName      = "/" + ServiceName + "/Shutdown"
	DetectService_Reload_FullMethodName        = "/" + ServiceName + "/Reload"
)

// DetectServiceServer is the server API. Messages are well-known types so the
// service needs no generated code; field names are documented on Server.
type DetectServiceServer interface {
	Inference(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckPipeline(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Reload(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectService_ServiceDesc, srv)
}

func _DetectService_Inference_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Inference(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Inference_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Inference(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_CheckPipeline_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).CheckPipeline(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_CheckPipeline_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).CheckPipeline(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_Shutdown_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Shutdown_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Shutdown(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_Reload_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Reload(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Reload_FullMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Reload(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var DetectService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Inference", Handler: _DetectService_Inference_Handler},
		{MethodName: "CheckPipeline", Handler: _DetectService_CheckPipeline_Handler},
		{MethodName: "Shutdown", Handler: _DetectService_Shutdown_Handler},
		{MethodName: "Reload", Handler: _DetectService_Reload_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facedet.proto",
}

type DetectServiceClient interface {
	Inference(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CheckPipeline(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Reload(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type detectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) DetectServiceClient {
	return &detectServiceClient{cc}
}

func (c *detectServiceClient) Inference(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_Inference_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) CheckPipeline(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_CheckPipeline_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, DetectService_Shutdown_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) Reload(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_Reload_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
