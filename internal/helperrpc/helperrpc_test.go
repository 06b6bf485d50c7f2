package helperrpc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"

	"github.com/kestrelcontainers/kestrel/internal/network"
)

type fakeNetworkHelper struct {
	leased int
}

func (f *fakeNetworkHelper) State(ctx context.Context, req *NetworkStateRequest) (*NetworkStateResponse, error) {
	return &NetworkStateResponse{Leased: f.leased}, nil
}

func (f *fakeNetworkHelper) Allocate(ctx context.Context, req *NetworkAllocateRequest) (*NetworkAllocateResponse, error) {
	f.leased++
	return &NetworkAllocateResponse{Address: "192.168.64.2"}, nil
}

func (f *fakeNetworkHelper) Deallocate(ctx context.Context, req *NetworkDeallocateRequest) (*NetworkDeallocateResponse, error) {
	f.leased--
	return &NetworkDeallocateResponse{}, nil
}

func (f *fakeNetworkHelper) Lookup(ctx context.Context, req *NetworkLookupRequest) (*NetworkLookupResponse, error) {
	if req.Hostname != "web" {
		return &NetworkLookupResponse{Found: false}, nil
	}
	return &NetworkLookupResponse{Found: true, Attachment: network.Attachment{NetworkID: "default", Hostname: "web", Address: "192.168.64.2"}}, nil
}

func (f *fakeNetworkHelper) DisableAllocator(ctx context.Context, req *NetworkDisableAllocatorRequest) (*NetworkDisableAllocatorResponse, error) {
	return &NetworkDisableAllocatorResponse{}, nil
}

// TestNetworkHelperRoundTrip dials a real grpc server over a Unix socket and
// exercises the hand-authored ServiceDesc plus the json codec end to end,
// standing in for what a generated-stub roundtrip test would cover.
func TestNetworkHelperRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "helper.sock")
	fake := &fakeNetworkHelper{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- Serve(ctx, socketPath, func(s *grpc.Server) {
			RegisterNetworkHelperServer(s, fake)
		})
	}()

	conn, err := Dial(ctx, socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	client := NewNetworkHelperClient(conn, conn)

	// grpc.NewClient dials lazily, so the listener may not be bound by the
	// goroutine above yet; retry the first real RPC until it is.
	var addr string
	for i := 0; i < 50; i++ {
		addr, err = client.Allocate(context.Background(), "web")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if addr != "192.168.64.2" {
		t.Fatalf("unexpected address %q", addr)
	}

	state, err := client.State(context.Background())
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Leased != 1 {
		t.Fatalf("expected 1 leased, got %d", state.Leased)
	}

	att, found, err := client.Lookup(context.Background(), "web")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !found || att.Address != "192.168.64.2" {
		t.Fatalf("unexpected lookup result: %+v found=%v", att, found)
	}

	cancel()
	<-serveErr
}
