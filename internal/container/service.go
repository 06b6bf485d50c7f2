package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/plugin"
	"github.com/kestrelcontainers/kestrel/internal/servicemgr"
)

// HelperStatus is what a runtime helper reports about its container when
// queried while Alive.
type HelperStatus struct {
	Running  bool
	Networks []string
}

// ExecRequest is a one-shot, non-interactive command to run inside a
// container's namespace, per spec.md §6's "container exec".
type ExecRequest struct {
	Executable string
	Arguments  []string
	Env        map[string]string
	WorkingDir string
	User       string
	Stdin      []byte
}

// ExecResult is the captured output of an ExecRequest.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RuntimeClient is the contract the Container Service uses to talk to a
// per-container runtime helper process. The helper itself — and the
// VM/sandbox runtime underneath it — is an external, plugin-boundary
// collaborator per spec.md §1/§9: the daemon never loads foreign code, it
// only dispatches to this interface, which in production is backed by
// internal/helperrpc's hand-written gRPC client (RuntimeHelperClient).
// Traffic runs over two transports: the daemon queries and commands the
// helper over that gRPC client, while the helper reports its start and exit
// back to the daemon over internal/rpc's container.event route.
type RuntimeClient interface {
	Status(ctx context.Context) (HelperStatus, error)
	Stop(ctx context.Context, timeoutSeconds int) error
	Exec(ctx context.Context, req ExecRequest) (ExecResult, error)
	Close() error
}

// RuntimeDialer connects to a runtime helper process once it has been
// registered with the service manager.
type RuntimeDialer interface {
	Dial(ctx context.Context, containerID string) (RuntimeClient, error)
}

// RootfsCloner is the narrow slice of the build engine's CAS the container
// service needs: cloning an image's rootfs into a bundle directory.
type RootfsCloner interface {
	CloneRootfs(ctx context.Context, image, destDir string) error
}

// Snapshot is the externally-visible view of a container returned by List.
type Snapshot struct {
	ID       string
	Status   string // "running", "stopped", "exited", or "unknown"
	ExitCode int
	Networks []string
	Handler  string // runtime plugin name serving this container
}

// Service is the single-writer actor over id -> Record.
type Service struct {
	appRoot string
	plugins *plugin.Loader
	bridge  servicemgr.Bridge
	dialer  RuntimeDialer
	cloner  RootfsCloner

	mu      sync.Mutex
	records map[string]*Record
	clients map[string]RuntimeClient
}

func New(appRoot string, plugins *plugin.Loader, bridge servicemgr.Bridge, dialer RuntimeDialer, cloner RootfsCloner) *Service {
	return &Service{
		appRoot: appRoot,
		plugins: plugins,
		bridge:  bridge,
		dialer:  dialer,
		cloner:  cloner,
		records: map[string]*Record{},
		clients: map[string]RuntimeClient{},
	}
}

func (s *Service) bundleDir(id string) string {
	return filepath.Join(s.appRoot, "containers", id)
}

// List returns a snapshot of every container. For Alive containers it queries
// the bound helper for live status and networks (reporting unknown if that
// query fails); Exited containers report exited with their exit code and Dead
// ones report stopped, from the record alone.
func (s *Service) List(ctx context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Snapshot, 0, len(s.records))
	for id, rec := range s.records {
		snap := Snapshot{ID: id, Networks: rec.Config.Networks, Handler: rec.Config.RuntimeHandler}
		switch rec.State {
		case StateAlive:
			client := s.clients[id]
			if client != nil {
				if hs, err := client.Status(ctx); err == nil {
					snap.Status = "running"
					snap.Networks = hs.Networks
				} else {
					slog.ErrorContext(ctx, "container.Service.List status query failed", "container_id", id, "error", err)
					snap.Status = "unknown"
				}
			} else {
				snap.Status = "running"
			}
		case StateExited:
			snap.Status = "exited"
			snap.ExitCode = rec.ExitCode
		default:
			snap.Status = "stopped"
		}
		out = append(out, snap)
	}
	return out, nil
}

// Create locates the runtime plugin by name, creates the bundle directory,
// clones the image rootfs, registers the helper, and inserts a Dead record.
// Any failure after the bundle directory is created rolls the bundle back.
func (s *Service) Create(ctx context.Context, cfg Config, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[cfg.ID]; exists {
		return kerr.Existsf("container %q already exists", cfg.ID)
	}

	rtPlugin, err := s.plugins.FindByName(cfg.RuntimeHandler)
	if err != nil {
		return kerr.NotFoundf("runtime handler %q: %v", cfg.RuntimeHandler, err)
	}

	bundle := s.bundleDir(cfg.ID)
	if err := os.MkdirAll(bundle, 0o750); err != nil {
		return fmt.Errorf("container: create bundle dir: %w", err)
	}

	rollback := func(cause error) error {
		if rerr := os.RemoveAll(bundle); rerr != nil {
			slog.ErrorContext(ctx, "container.Service.Create rollback failed", "container_id", cfg.ID, "error", rerr)
		}
		return cause
	}

	if err := s.cloner.CloneRootfs(ctx, cfg.Image, filepath.Join(bundle, "rootfs")); err != nil {
		return rollback(fmt.Errorf("container: clone rootfs: %w", err))
	}

	if err := writeJSON(filepath.Join(bundle, "configuration.json"), cfg); err != nil {
		return rollback(err)
	}
	if err := writeJSON(filepath.Join(bundle, "options.json"), opts); err != nil {
		return rollback(err)
	}
	for _, name := range []string{"container.log", "boot.log"} {
		f, ferr := os.Create(filepath.Join(bundle, name))
		if ferr != nil {
			return rollback(fmt.Errorf("container: create %s: %w", name, ferr))
		}
		f.Close()
	}

	if err := s.plugins.RegisterWithLaunchd(ctx, rtPlugin, bundle, cfg.ID, []string{"--app-root", s.appRoot}); err != nil {
		return rollback(fmt.Errorf("container: register helper: %w", err))
	}

	s.records[cfg.ID] = &Record{
		Config:     cfg,
		Options:    opts,
		State:      StateDead,
		BundlePath: bundle,
	}
	return nil
}

// Delete removes a container's record, bundle, and helper registration. Fails
// with kerr.InvalidState while the container is Alive and its helper reports
// it running.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return kerr.NotFoundf("container %q not found", id)
	}

	if !rec.canDelete() {
		client := s.clients[id]
		if client != nil {
			if hs, err := client.Status(ctx); err == nil && hs.Running {
				return kerr.InvalidStatef("container %q is running", id)
			}
		}
	}

	if rtPlugin, err := s.plugins.FindByName(rec.Config.RuntimeHandler); err == nil {
		if derr := s.plugins.DeregisterWithLaunchd(ctx, rtPlugin, id); derr != nil {
			slog.ErrorContext(ctx, "container.Service.Delete deregister failed, continuing", "container_id", id, "error", derr)
		}
	}

	if client := s.clients[id]; client != nil {
		client.Close()
		delete(s.clients, id)
	}

	if err := os.RemoveAll(rec.BundlePath); err != nil {
		return fmt.Errorf("container: delete bundle: %w", err)
	}
	delete(s.records, id)
	return nil
}

// Stop forwards to the helper. A no-op on Dead/Exited containers, and
// treated as idempotent if the container is mid-start (spec.md §9 open
// question).
func (s *Service) Stop(ctx context.Context, id string, timeoutSeconds int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return kerr.NotFoundf("container %q not found", id)
	}
	if rec.State != StateAlive {
		return nil
	}
	client := s.clients[id]
	if client == nil {
		return kerr.InvalidStatef("container %q has no bound helper", id)
	}
	return client.Stop(ctx, timeoutSeconds)
}

// Exec forwards a one-shot command to the bound helper. Only valid while the
// container is Alive; mirrors Stop's no-bound-helper handling.
func (s *Service) Exec(ctx context.Context, id string, req ExecRequest) (ExecResult, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return ExecResult{}, kerr.NotFoundf("container %q not found", id)
	}
	if rec.State != StateAlive {
		s.mu.Unlock()
		return ExecResult{}, kerr.InvalidStatef("container %q is not running", id)
	}
	client := s.clients[id]
	s.mu.Unlock()
	if client == nil {
		return ExecResult{}, kerr.InvalidStatef("container %q has no bound helper", id)
	}
	return client.Exec(ctx, req)
}

// Start re-registers an already-created Dead/Exited container's helper with
// the service manager, the distinct "start a stopped container" verb
// spec.md §6 lists alongside "create" and "run". It reuses Create's plugin
// lookup and registration step rather than Create's bundle provisioning,
// since the bundle already exists from a prior Create.
func (s *Service) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return kerr.NotFoundf("container %q not found", id)
	}
	if rec.State == StateAlive {
		return kerr.InvalidStatef("container %q is already running", id)
	}

	rtPlugin, err := s.plugins.FindByName(rec.Config.RuntimeHandler)
	if err != nil {
		return kerr.NotFoundf("runtime handler %q: %v", rec.Config.RuntimeHandler, err)
	}
	if err := s.plugins.RegisterWithLaunchd(ctx, rtPlugin, rec.BundlePath, id, []string{"--app-root", s.appRoot}); err != nil {
		return fmt.Errorf("container: register helper: %w", err)
	}
	rec.State = StateDead
	rec.ExitCode = 0
	return nil
}

// Logs opens the container's stdio and boot log files for streaming.
func (s *Service) Logs(id string) (stdio, boot io.ReadCloser, err error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return nil, nil, kerr.NotFoundf("container %q not found", id)
	}
	stdio, err = os.Open(filepath.Join(rec.BundlePath, "container.log"))
	if err != nil {
		return nil, nil, fmt.Errorf("container: open container.log: %w", err)
	}
	boot, err = os.Open(filepath.Join(rec.BundlePath, "boot.log"))
	if err != nil {
		stdio.Close()
		return nil, nil, fmt.Errorf("container: open boot.log: %w", err)
	}
	return stdio, boot, nil
}

// ContainerStart is the event-ingress transition Dead -> Alive(client), fired
// when the runtime plugin reports its helper process has registered and
// started.
func (s *Service) ContainerStart(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return kerr.NotFoundf("container %q not found", id)
	}
	if !rec.canStart() {
		return kerr.InvalidStatef("container %q cannot start from state %s", id, rec.State)
	}
	client, err := s.dialer.Dial(ctx, id)
	if err != nil {
		return fmt.Errorf("container: dial helper: %w", err)
	}
	s.clients[id] = client
	rec.State = StateAlive
	return nil
}

// ContainerExit is the event-ingress transition Alive -> Exited, cascading to
// deregister+delete when the record's options require auto-remove. The
// cascade runs inside the same lock region that observes the exit, matching
// spec.md §4.6's invariant.
func (s *Service) ContainerExit(ctx context.Context, id string, code int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return kerr.NotFoundf("container %q not found", id)
	}
	if !rec.canExit() {
		slog.InfoContext(ctx, "container.Service.ContainerExit ignored, not alive", "container_id", id, "state", rec.State)
		return nil
	}

	rec.State = StateExited
	rec.ExitCode = code
	if client := s.clients[id]; client != nil {
		client.Close()
		delete(s.clients, id)
	}

	if !rec.Options.AutoRemove {
		return nil
	}

	if rtPlugin, err := s.plugins.FindByName(rec.Config.RuntimeHandler); err == nil {
		if derr := s.plugins.DeregisterWithLaunchd(ctx, rtPlugin, id); derr != nil {
			slog.ErrorContext(ctx, "container.Service.ContainerExit auto-remove deregister failed", "container_id", id, "error", derr)
		}
	}
	if err := os.RemoveAll(rec.BundlePath); err != nil {
		slog.ErrorContext(ctx, "container.Service.ContainerExit auto-remove bundle delete failed", "container_id", id, "error", err)
	}
	delete(s.records, id)
	return nil
}

// ReferencesNetwork reports whether any container currently references
// networkID, used by the Network Service under its cross-service borrow of
// this Service's record set during delete (spec.md §4.7/§5).
func (s *Service) ReferencesNetwork(networkID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.records {
		for _, n := range rec.Config.Networks {
			if n == networkID {
				return id, true
			}
		}
	}
	return "", false
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("container: create %s: %w", path, err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// DefaultRootfsCloner uses APFS clonefile semantics via `cp -Rc`, the same
// copy primitive the teacher's file_ops.go FileOps.Copy uses for workspace
// provisioning.
type DefaultRootfsCloner struct{}

func (DefaultRootfsCloner) CloneRootfs(ctx context.Context, image, destDir string) error {
	if err := os.MkdirAll(filepath.Dir(destDir), 0o750); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, "cp", "-Rc", image, destDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("clone rootfs failed: %w (output: %s)", err, out)
	}
	return nil
}
