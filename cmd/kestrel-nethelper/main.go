// Command kestrel-nethelper is the per-network helper process the daemon
// registers with launchd via internal/plugin: one instance per network,
// owning that network's live internal/allocator and serving it over
// internal/helperrpc's grpc transport. Grounded on the teacher's
// cmd/sand/daemon_cmd.go process-lifecycle shape, scaled down from a full
// CLI to a single long-running serve loop since this process has no
// interactive surface of its own.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"google.golang.org/grpc"

	"github.com/kestrelcontainers/kestrel/internal/allocator"
	"github.com/kestrelcontainers/kestrel/internal/apphome"
	"github.com/kestrelcontainers/kestrel/internal/helperrpc"
	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/network"
)

func main() {
	root := flag.String("root", "", "network bundle directory")
	instance := flag.String("instance", "", "network id")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if *root == "" || *instance == "" {
		fmt.Fprintln(os.Stderr, "kestrel-nethelper: --root and --instance are required")
		os.Exit(1)
	}

	if err := run(*root, *instance); err != nil {
		slog.Error("kestrel-nethelper exiting", "error", err)
		os.Exit(1)
	}
}

func run(root, instance string) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	lower, size, err := subnetBounds(cfg.Subnet)
	if err != nil {
		return fmt.Errorf("kestrel-nethelper: %w", err)
	}
	baseIP, _, err := net.ParseCIDR(cfg.Subnet)
	if err != nil {
		return fmt.Errorf("kestrel-nethelper: parse subnet: %w", err)
	}

	srv := &networkHelper{
		alloc:     allocator.New(lower, size),
		baseIP:    baseIP.To4(),
		networkID: instance,
		gateway:   cfg.Gateway,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	socketPath := apphome.HelperSocketPath(root)
	slog.Info("kestrel-nethelper listening", "socket", socketPath, "network_id", instance, "subnet", cfg.Subnet)
	return helperrpc.Serve(ctx, socketPath, func(s *grpc.Server) {
		helperrpc.RegisterNetworkHelperServer(s, srv)
	})
}

func loadConfig(root string) (network.Config, error) {
	data, err := os.ReadFile(filepath.Join(root, "config.json"))
	if err != nil {
		return network.Config{}, fmt.Errorf("kestrel-nethelper: read config.json: %w", err)
	}
	var cfg network.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return network.Config{}, fmt.Errorf("kestrel-nethelper: decode config.json: %w", err)
	}
	return cfg, nil
}

// subnetBounds derives the allocator's usable index range from a CIDR:
// indices start at 2 (skipping the network address and the gateway at .1)
// and run through the address below the broadcast address.
func subnetBounds(cidr string) (lower, size int, err error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return 0, 0, fmt.Errorf("parse subnet %q: %w", cidr, err)
	}
	ones, bits := ipnet.Mask.Size()
	hostBits := bits - ones
	if hostBits < 3 {
		return 0, 0, fmt.Errorf("subnet %q too small for nat addressing", cidr)
	}
	total := 1 << uint(hostBits)
	return 2, total - 3, nil
}

// networkHelper implements helperrpc.NetworkHelperServer, the grpc-facing
// side of internal/network's HelperClient contract.
type networkHelper struct {
	alloc     *allocator.Allocator
	baseIP    net.IP
	networkID string
	gateway   string
}

func (h *networkHelper) addrForIndex(idx int) string {
	ip := make(net.IP, len(h.baseIP))
	copy(ip, h.baseIP)
	v := uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
	v += uint32(idx)
	return fmt.Sprintf("%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (h *networkHelper) State(ctx context.Context, req *helperrpc.NetworkStateRequest) (*helperrpc.NetworkStateResponse, error) {
	return &helperrpc.NetworkStateResponse{Leased: h.alloc.Count()}, nil
}

func (h *networkHelper) Allocate(ctx context.Context, req *helperrpc.NetworkAllocateRequest) (*helperrpc.NetworkAllocateResponse, error) {
	idx, err := h.alloc.Allocate(req.Hostname)
	if err != nil {
		return nil, err
	}
	return &helperrpc.NetworkAllocateResponse{Address: h.addrForIndex(idx)}, nil
}

func (h *networkHelper) Deallocate(ctx context.Context, req *helperrpc.NetworkDeallocateRequest) (*helperrpc.NetworkDeallocateResponse, error) {
	h.alloc.Release(req.Hostname)
	return &helperrpc.NetworkDeallocateResponse{}, nil
}

func (h *networkHelper) Lookup(ctx context.Context, req *helperrpc.NetworkLookupRequest) (*helperrpc.NetworkLookupResponse, error) {
	idx, ok := h.alloc.Lookup(req.Hostname)
	if !ok {
		return &helperrpc.NetworkLookupResponse{Found: false}, nil
	}
	return &helperrpc.NetworkLookupResponse{
		Found: true,
		Attachment: network.Attachment{
			NetworkID: h.networkID,
			Hostname:  req.Hostname,
			Address:   h.addrForIndex(idx),
			Gateway:   h.gateway,
		},
	}, nil
}

func (h *networkHelper) DisableAllocator(ctx context.Context, req *helperrpc.NetworkDisableAllocatorRequest) (*helperrpc.NetworkDisableAllocatorResponse, error) {
	if !h.alloc.Disable() {
		return nil, kerr.InvalidStatef("network %q: allocator has active leases", h.networkID)
	}
	return &helperrpc.NetworkDisableAllocatorResponse{}, nil
}
