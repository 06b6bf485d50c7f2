// Command kestrel is the control-plane CLI: every subcommand either talks to
// the kestreld daemon over internal/rpc (container/network/kernel/plugin/
// system verbs) or drives the build engine directly in-process (container
// build). Grounded on the teacher's cmd/sand/main.go top-level kong wiring
// (shared Context struct, initSlog, daemon-presence check before dispatch),
// generalized from the teacher's single "sand" domain to spec.md §6's
// container/image/system command groups.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/kestrelcontainers/kestrel/internal/apphome"
	"github.com/kestrelcontainers/kestrel/internal/rpc"
)

// Context is threaded into every subcommand's Run, mirroring the teacher's
// Context struct: resolved paths and lazily-established state shared across
// the whole invocation.
type Context struct {
	AppRoot string
	Debug   bool

	client *rpc.Client
}

// Daemon lazily dials the daemon's control socket, caching the connection
// for the lifetime of one CLI invocation.
func (c *Context) Daemon(ctx context.Context) (*rpc.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	client, err := rpc.Dial(ctx, apphome.SocketPath(c.AppRoot))
	if err != nil {
		return nil, fmt.Errorf("kestrel: dial daemon: %w", err)
	}
	c.client = client
	return client, nil
}

// exitError carries a specific process exit code out of a Run method,
// per spec.md §6's exit code contract: 0 success, 1 local failure, the
// child's own code from exec/start attach, 127 if the process never
// started.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

// CLI is kong's root command set: "container" carries every verb spec.md §6
// names, with "image" and "system" as nested command groups underneath it.
type CLI struct {
	AppRoot string `name:"app-root" help:"application support root (defaults to ~/Library/Application Support/Kestrel)"`
	Debug   bool   `name:"debug" env:"CONTAINER_DEBUG" help:"enable debug logging"`

	Container ContainerCmd `cmd:"" help:"manage containers"`
	Version   VersionCmd   `cmd:"" help:"print version information"`
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Configuration(kong.JSON, ".kestrel.json", "~/.kestrel.json"),
		kong.Description("Manage lightweight containers on macOS."))

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	appRoot := cli.AppRoot
	if appRoot == "" {
		appRoot, err = apphome.Default()
		if err != nil {
			fmt.Fprintln(os.Stderr, "kestrel:", err)
			os.Exit(1)
		}
	}

	command := kctx.Command()
	// "container build" never talks to the daemon (the build engine runs
	// entirely client-side), and "container system ..." manages the daemon
	// itself, so neither should trigger an ensure-running spawn.
	if !strings.HasPrefix(command, "container build") && !strings.HasPrefix(command, "container system") {
		if err := ensureDaemon(context.Background(), appRoot); err != nil {
			fmt.Fprintln(os.Stderr, "kestrel: daemon not running, and failed to start it:", err)
			os.Exit(1)
		}
	}

	cctx := &Context{AppRoot: appRoot, Debug: cli.Debug}
	runErr := kctx.Run(cctx)
	if cctx.client != nil {
		cctx.client.Close()
	}

	if runErr == nil {
		return
	}
	var ee *exitError
	if errAs(runErr, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "kestrel:", runErr)
	os.Exit(1)
}

func errAs(err error, target **exitError) bool {
	for err != nil {
		if e, ok := err.(*exitError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ensureDaemon dials the control socket, spawning a detached kestreld and
// polling for its socket if nothing answers. Grounded on the teacher's
// daemon_cmd.go restartDaemon: a Setpgid-detached child plus a bounded
// dial-retry loop.
func ensureDaemon(ctx context.Context, appRoot string) error {
	socketPath := apphome.SocketPath(appRoot)
	if conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond); err == nil {
		conn.Close()
		return nil
	}

	exePath, err := exec.LookPath("kestreld")
	if err != nil {
		return fmt.Errorf("kestreld not found on PATH: %w", err)
	}
	cmd := exec.CommandContext(context.WithoutCancel(ctx), exePath, "--app-root", appRoot)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start kestreld: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("timed out waiting for kestreld socket %s", socketPath)
}

