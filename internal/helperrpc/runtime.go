package helperrpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/kestrelcontainers/kestrel/internal/container"
)

type RuntimeStatusRequest struct{}

type RuntimeStatusResponse struct {
	Running  bool
	Networks []string
}

type RuntimeStopRequest struct {
	TimeoutSeconds int
}

type RuntimeStopResponse struct{}

// RuntimeExecRequest is a one-shot, non-interactive command to run inside
// the container's namespace (spec.md §6's "container exec"). It is not live
// bidirectional streaming: stdin is supplied up front and stdout/stderr are
// captured whole, the same reduced scope the network helper's unary RPCs
// already accept for this transport.
type RuntimeExecRequest struct {
	Executable string
	Arguments  []string
	Env        map[string]string
	WorkingDir string
	User       string
	Stdin      []byte
}

type RuntimeExecResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RuntimeHelperServer is implemented by the per-container runtime helper
// process (cmd/kestrel-runhelper), which in a full deployment supervises the
// actual VM/sandbox runtime spec.md §1 places out of scope; here it reports
// the process it launched directly.
type RuntimeHelperServer interface {
	Status(ctx context.Context, req *RuntimeStatusRequest) (*RuntimeStatusResponse, error)
	Stop(ctx context.Context, req *RuntimeStopRequest) (*RuntimeStopResponse, error)
	Exec(ctx context.Context, req *RuntimeExecRequest) (*RuntimeExecResponse, error)
}

func _RuntimeHelper_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RuntimeStatusRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RuntimeHelperServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.RuntimeHelper/Status"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RuntimeHelperServer).Status(ctx, req.(*RuntimeStatusRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RuntimeHelper_Stop_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RuntimeStopRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RuntimeHelperServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.RuntimeHelper/Stop"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RuntimeHelperServer).Stop(ctx, req.(*RuntimeStopRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RuntimeHelper_Exec_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RuntimeExecRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RuntimeHelperServer).Exec(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kestrel.helper.RuntimeHelper/Exec"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(RuntimeHelperServer).Exec(ctx, req.(*RuntimeExecRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var runtimeHelperServiceDesc = grpc.ServiceDesc{
	ServiceName: "kestrel.helper.RuntimeHelper",
	HandlerType: (*RuntimeHelperServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _RuntimeHelper_Status_Handler},
		{MethodName: "Stop", Handler: _RuntimeHelper_Stop_Handler},
		{MethodName: "Exec", Handler: _RuntimeHelper_Exec_Handler},
	},
}

// RegisterRuntimeHelperServer wires srv onto the grpc server under the
// runtime helper's service name.
func RegisterRuntimeHelperServer(s *grpc.Server, srv RuntimeHelperServer) {
	s.RegisterService(&runtimeHelperServiceDesc, srv)
}

// RuntimeHelperClient is the daemon side's typed stub, satisfying
// container.RuntimeClient directly.
type RuntimeHelperClient struct {
	cc   grpc.ClientConnInterface
	conn interface{ Close() error }
}

func NewRuntimeHelperClient(cc grpc.ClientConnInterface, conn interface{ Close() error }) *RuntimeHelperClient {
	return &RuntimeHelperClient{cc: cc, conn: conn}
}

func (c *RuntimeHelperClient) Status(ctx context.Context) (container.HelperStatus, error) {
	out := new(RuntimeStatusResponse)
	if err := c.cc.Invoke(ctx, "/kestrel.helper.RuntimeHelper/Status", &RuntimeStatusRequest{}, out, jsonCallOption()); err != nil {
		return container.HelperStatus{}, err
	}
	return container.HelperStatus{Running: out.Running, Networks: out.Networks}, nil
}

func (c *RuntimeHelperClient) Stop(ctx context.Context, timeoutSeconds int) error {
	out := new(RuntimeStopResponse)
	return c.cc.Invoke(ctx, "/kestrel.helper.RuntimeHelper/Stop", &RuntimeStopRequest{TimeoutSeconds: timeoutSeconds}, out, jsonCallOption())
}

// Exec runs a one-shot command inside the container and returns its
// captured output and exit code. container.RuntimeClient's Exec mirrors
// this signature exactly so this client satisfies it without an adapter.
func (c *RuntimeHelperClient) Exec(ctx context.Context, req container.ExecRequest) (container.ExecResult, error) {
	out := new(RuntimeExecResponse)
	in := &RuntimeExecRequest{
		Executable: req.Executable,
		Arguments:  req.Arguments,
		Env:        req.Env,
		WorkingDir: req.WorkingDir,
		User:       req.User,
		Stdin:      req.Stdin,
	}
	if err := c.cc.Invoke(ctx, "/kestrel.helper.RuntimeHelper/Exec", in, out, jsonCallOption()); err != nil {
		return container.ExecResult{}, err
	}
	return container.ExecResult{Stdout: out.Stdout, Stderr: out.Stderr, ExitCode: out.ExitCode}, nil
}

func (c *RuntimeHelperClient) Close() error {
	return c.conn.Close()
}
