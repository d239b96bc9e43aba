// Package grpcapi serves search and run triggers over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP
// API, so no generated code is needed.
package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName      = "catalog.CatalogService"
	searchMethod     = "/" + serviceName + "/Search"
	triggerRunMethod = "/" + serviceName + "/TriggerRun"
)

type CatalogServer interface {
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerRun(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CatalogServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Search", Handler: unary(searchMethod, CatalogServer.Search)},
		{MethodName: "TriggerRun", Handler: unary(triggerRunMethod, CatalogServer.TriggerRun)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "catalog.proto",
}

func Register(s grpc.ServiceRegistrar, srv CatalogServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type method func(CatalogServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(fullMethod string, call method) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CatalogServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(CatalogServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls a CatalogService.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Search(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, searchMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TriggerRun(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, triggerRunMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
