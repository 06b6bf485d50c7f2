package helperrpc

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// removeStaleSocket clears a leftover socket file from a prior, uncleanly
// terminated run of the same helper; bind fails with "address already in
// use" otherwise even though nothing is listening.
func removeStaleSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); err != nil {
		return nil
	}
	return os.Remove(socketPath)
}

// Serve binds a Unix domain socket at socketPath, removing any stale socket
// file first (a helper process's socket does not survive its own restart,
// unlike the daemon's lock-file-guarded listener in internal/rpc), and runs
// srv until ctx is cancelled. register wires one or more services onto the
// server before it starts accepting.
func Serve(ctx context.Context, socketPath string, register func(*grpc.Server)) error {
	_ = removeStaleSocket(socketPath)

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("helperrpc: listen %s: %w", socketPath, err)
	}

	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	register(srv)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Dial connects to a helper's Unix socket. The resolved "address" is always
// the literal socket path: grpc.WithContextDialer ignores whatever the
// passthrough resolver hands it and dials socketPath directly, so callers
// never need a custom resolver registration just to reach a filesystem path.
func Dial(ctx context.Context, socketPath string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient("passthrough:///"+socketPath,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("helperrpc: dial %s: %w", socketPath, err)
	}
	return conn, nil
}

// jsonCallOption forces every unary call on this transport to negotiate the
// json content-subtype, so the server's registered jsonCodec is selected
// instead of grpc's default proto codec.
func jsonCallOption() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}
