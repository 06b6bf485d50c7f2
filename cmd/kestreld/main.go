// Command kestreld is the control-plane daemon: it owns the Container and
// Network Services, the plugin loader, the service-manager bridge, and the
// RPC surface the kestrel CLI talks to. Grounded on the teacher's
// cmd/sand/main.go top-level wiring (open the log file, build a shared
// context struct, dispatch into subcommands) and daemon_cmd.go's
// start/stop/status lifecycle, adapted here into a single long-running
// process rather than a CLI subcommand that forks one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kestrelcontainers/kestrel/internal/apphome"
	"github.com/kestrelcontainers/kestrel/internal/container"
	"github.com/kestrelcontainers/kestrel/internal/entitystore"
	"github.com/kestrelcontainers/kestrel/internal/helperrpc"
	"github.com/kestrelcontainers/kestrel/internal/kernel"
	"github.com/kestrelcontainers/kestrel/internal/network"
	"github.com/kestrelcontainers/kestrel/internal/plugin"
	"github.com/kestrelcontainers/kestrel/internal/rpc"
	"github.com/kestrelcontainers/kestrel/internal/servicemgr"
	"github.com/kestrelcontainers/kestrel/version"
)

func main() {
	appRootFlag := flag.String("app-root", "", "application support root (defaults to ~/Library/Application Support/Kestrel)")
	debug := flag.Bool("debug", false, "enable debug logging")
	otlpEndpoint := flag.String("otlp-endpoint", "", "otlp grpc trace collector endpoint (disabled if empty)")
	flag.Parse()

	appRoot := *appRootFlag
	if appRoot == "" {
		var err error
		appRoot, err = apphome.Default()
		if err != nil {
			fmt.Fprintln(os.Stderr, "kestreld:", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(filepath.Join(appRoot, "apiserver"), 0o755); err != nil {
		fmt.Fprintln(os.Stderr, "kestreld:", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logWriter := &lumberjack.Logger{
		Filename: apphome.APIServerLogPath(appRoot),
		MaxSize:  64,
		MaxBackups: 5,
		MaxAge:   28,
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: level})))

	if *otlpEndpoint != "" {
		shutdown, err := setupTracing(context.Background(), *otlpEndpoint)
		if err != nil {
			slog.Error("kestreld: otlp tracing setup failed, continuing without it", "error", err)
		} else {
			defer shutdown(context.Background())
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, appRoot); err != nil {
		slog.Error("kestreld exiting", "error", err)
		os.Exit(1)
	}
}

func setupTracing(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("otlptracegrpc exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func run(ctx context.Context, appRoot string) error {
	bridge := servicemgr.NewLaunchdBridge("system")
	plugins := plugin.NewLoader([]string{filepath.Join(appRoot, "plugins")}, bridge, "system")

	networkStore, err := entitystore.Open(apphome.NetworksDir(appRoot))
	if err != nil {
		return fmt.Errorf("kestreld: open network store: %w", err)
	}

	containerSvc := container.New(appRoot, plugins, bridge, &runtimeDialer{appRoot: appRoot}, container.DefaultRootfsCloner{})
	networkSvc := network.New(appRoot, networkStore, plugins, bridge, &networkHelperDialer{plugins: plugins}, containerSvc)

	if err := networkSvc.Recover(ctx); err != nil {
		slog.Error("kestreld: network recovery failed, continuing", "error", err)
	}

	kernelSvc, err := kernel.New(appRoot)
	if err != nil {
		return fmt.Errorf("kestreld: kernel service: %w", err)
	}

	reg := rpc.NewRegistry()
	registerContainerRoutes(reg, containerSvc)
	registerNetworkRoutes(reg, networkSvc)
	registerKernelRoutes(reg, kernelSvc)
	registerPluginRoutes(reg, plugins, bridge)
	registerHealthRoutes(reg, appRoot)
	registerSystemRoutes(reg)

	srv := rpc.NewServer(apphome.SocketPath(appRoot), reg)
	slog.Info("kestreld starting", "app_root", appRoot, "version", version.Get())
	return srv.Serve(ctx)
}

// networkHelperDialer registers a fresh kestrel-nethelper instance with
// launchd and waits for its socket before dialing, since network.Service
// delegates both steps to its HelperDialer rather than doing them itself.
type networkHelperDialer struct {
	plugins *plugin.Loader
}

func (d *networkHelperDialer) Dial(ctx context.Context, cfg network.Config, bundleDir string) (network.HelperClient, error) {
	if err := os.MkdirAll(bundleDir, 0o750); err != nil {
		return nil, fmt.Errorf("networkHelperDialer: create bundle dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("networkHelperDialer: encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0o640); err != nil {
		return nil, fmt.Errorf("networkHelperDialer: write config: %w", err)
	}

	p, err := d.plugins.FindByType(plugin.TypeNetwork)
	if err != nil {
		return nil, fmt.Errorf("networkHelperDialer: find network plugin: %w", err)
	}
	if err := d.plugins.RegisterWithLaunchd(ctx, p, bundleDir, cfg.ID, nil); err != nil {
		return nil, fmt.Errorf("networkHelperDialer: register: %w", err)
	}

	socketPath := apphome.HelperSocketPath(bundleDir)
	if err := waitForSocket(ctx, socketPath, 5*time.Second); err != nil {
		return nil, fmt.Errorf("networkHelperDialer: %w", err)
	}
	conn, err := helperrpc.Dial(ctx, socketPath)
	if err != nil {
		return nil, fmt.Errorf("networkHelperDialer: dial: %w", err)
	}
	return helperrpc.NewNetworkHelperClient(conn, conn), nil
}

// runtimeDialer connects to a runtime helper process the container service
// has already registered with launchd; it only needs to wait for the
// socket, never to launch anything itself.
type runtimeDialer struct {
	appRoot string
}

func (d *runtimeDialer) Dial(ctx context.Context, containerID string) (container.RuntimeClient, error) {
	bundleDir := filepath.Join(apphome.ContainersDir(d.appRoot), containerID)
	socketPath := apphome.HelperSocketPath(bundleDir)
	if err := waitForSocket(ctx, socketPath, 5*time.Second); err != nil {
		return nil, fmt.Errorf("runtimeDialer: %w", err)
	}
	conn, err := helperrpc.Dial(ctx, socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtimeDialer: dial: %w", err)
	}
	return helperrpc.NewRuntimeHelperClient(conn, conn), nil
}

func waitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for socket %s", path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
