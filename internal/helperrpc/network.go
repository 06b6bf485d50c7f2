package helperrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/kestrelcontainers/kestrel/internal/network"
)

// Plain request/response structs stand in for what protoc-gen-go would
// generate from a .proto file; jsonCodec marshals these directly, so no
// generated code or .proto source is needed.

type NetworkStateRequest struct{}

type NetworkStateResponse struct {
	Leased int
}

type NetworkAllocateRequest struct {
	Hostname string
}

type NetworkAllocateResponse struct {
	Address string
}

type NetworkDeallocateRequest struct {
	Hostname string
}

type NetworkDeallocateResponse struct{}

type NetworkLookupRequest struct {
	Hostname string
}

type NetworkLookupResponse struct {
	Attachment network.Attachment
	Found      bool
}

type NetworkDisableAllocatorRequest struct{}

type NetworkDisableAllocatorResponse struct{}

// NetworkHelperServer is implemented by the per-network helper process
// (cmd/kestrel-nethelper), backed by internal/allocator.
type NetworkHelperServer interface {
	State(ctx context.Context, req *NetworkStateRequest) (*NetworkStateResponse, error)
	Allocate(ctx context.Context, req *NetworkAllocateRequest) (*NetworkAllocateResponse, error)
	Deallocate(ctx context.Context, req *NetworkDeallocateRequest) (*NetworkDeallocateResponse, error)
	Lookup(ctx context.Context, req *NetworkLookupRequest) (*NetworkLookupResponse, error)
	DisableAllocator(ctx context.Context, req *NetworkDisableAllocatorRequest) (*NetworkDisableAllocatorResponse, error)
}

func _NetworkHelper_State_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NetworkStateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkHelperServer).State(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.NetworkHelper/State"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkHelperServer).State(ctx, req.(*NetworkStateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkHelper_Allocate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NetworkAllocateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkHelperServer).Allocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.NetworkHelper/Allocate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkHelperServer).Allocate(ctx, req.(*NetworkAllocateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkHelper_Deallocate_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NetworkDeallocateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkHelperServer).Deallocate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.NetworkHelper/Deallocate"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkHelperServer).Deallocate(ctx, req.(*NetworkDeallocateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkHelper_Lookup_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NetworkLookupRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkHelperServer).Lookup(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.NetworkHelper/Lookup"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkHelperServer).Lookup(ctx, req.(*NetworkLookupRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _NetworkHelper_DisableAllocator_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(NetworkDisableAllocatorRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(NetworkHelperServer).DisableAllocator(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.NetworkHelper/DisableAllocator"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(NetworkHelperServer).DisableAllocator(ctx, req.(*NetworkDisableAllocatorRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// networkHelperServiceDesc mirrors the shape protoc-gen-go-grpc emits for a
// service's ServiceDesc, hand-written since no .proto source exists here.
var networkHelperServiceDesc = grpc.ServiceDesc{
	ServiceName: "kestrel.helper.NetworkHelper",
	HandlerType: (*NetworkHelperServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "State", Handler: _NetworkHelper_State_Handler},
		{MethodName: "Allocate", Handler: _NetworkHelper_Allocate_Handler},
		{MethodName: "Deallocate", Handler: _NetworkHelper_Deallocate_Handler},
		{MethodName: "Lookup", Handler: _NetworkHelper_Lookup_Handler},
		{MethodName: "DisableAllocator", Handler: _NetworkHelper_DisableAllocator_Handler},
	},
}

// RegisterNetworkHelperServer wires srv onto the grpc server under the
// network helper's service name.
func RegisterNetworkHelperServer(s *grpc.Server, srv NetworkHelperServer) {
	s.RegisterService(&networkHelperServiceDesc, srv)
}

// NetworkHelperClient is the daemon side's typed stub, satisfying
// network.HelperClient directly so it can be handed straight to
// network.Service without an adapter.
type NetworkHelperClient struct {
	cc   grpc.ClientConnInterface
	conn interface{ Close() error }
}

// NewNetworkHelperClient wraps a dialed connection. conn is accepted
// separately from cc so Close() can tear down the underlying
// *grpc.ClientConn even though method calls only need the narrower
// ClientConnInterface.
func NewNetworkHelperClient(cc grpc.ClientConnInterface, conn interface{ Close() error }) *NetworkHelperClient {
	return &NetworkHelperClient{cc: cc, conn: conn}
}

func (c *NetworkHelperClient) State(ctx context.Context) (network.HelperState, error) {
	out := new(NetworkStateResponse)
	if err := c.cc.Invoke(ctx, "/kestrel.helper.NetworkHelper/State", &NetworkStateRequest{}, out, jsonCallOption()); err != nil {
		return network.HelperState{}, err
	}
	return network.HelperState{Leased: out.Leased}, nil
}

func (c *NetworkHelperClient) Allocate(ctx context.Context, hostname string) (string, error) {
	out := new(NetworkAllocateResponse)
	if err := c.cc.Invoke(ctx, "/kestrel.helper.NetworkHelper/Allocate", &NetworkAllocateRequest{Hostname: hostname}, out, jsonCallOption()); err != nil {
		return "", err
	}
	return out.Address, nil
}

func (c *NetworkHelperClient) Deallocate(ctx context.Context, hostname string) error {
	out := new(NetworkDeallocateResponse)
	return c.cc.Invoke(ctx, "/kestrel.helper.NetworkHelper/Deallocate", &NetworkDeallocateRequest{Hostname: hostname}, out, jsonCallOption())
}

func (c *NetworkHelperClient) Lookup(ctx context.Context, hostname string) (network.Attachment, bool, error) {
	out := new(NetworkLookupResponse)
	if err := c.cc.Invoke(ctx, "/kestrel.helper.NetworkHelper/Lookup", &NetworkLookupRequest{Hostname: hostname}, out, jsonCallOption()); err != nil {
		return network.Attachment{}, false, err
	}
	return out.Attachment, out.Found, nil
}

func (c *NetworkHelperClient) DisableAllocator(ctx context.Context) error {
	out := new(NetworkDisableAllocatorResponse)
	return c.cc.Invoke(ctx, "/kestrel.helper.NetworkHelper/DisableAllocator", &NetworkDisableAllocatorRequest{}, out, jsonCallOption())
}

func (c *NetworkHelperClient) Close() error {
	return c.conn.Close()
}
