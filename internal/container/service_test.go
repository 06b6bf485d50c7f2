package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/plugin"
	"github.com/kestrelcontainers/kestrel/internal/servicemgr"
)

type fakeBridge struct {
	registered map[string]string
}

func newFakeBridge() *fakeBridge { return &fakeBridge{registered: map[string]string{}} }

func (b *fakeBridge) Register(ctx context.Context, plistPath string) error {
	b.registered[plistPath] = plistPath
	return nil
}
func (b *fakeBridge) Deregister(ctx context.Context, label string) error { return nil }
func (b *fakeBridge) Kickstart(ctx context.Context, label string) error { return nil }
func (b *fakeBridge) Enumerate(ctx context.Context) ([]string, error)   { return nil, nil }
func (b *fakeBridge) IsRegistered(ctx context.Context, label string) (bool, error) {
	return true, nil
}

type fakeCloner struct{ calls int }

func (f *fakeCloner) CloneRootfs(ctx context.Context, image, destDir string) error {
	f.calls++
	return os.MkdirAll(destDir, 0o750)
}

type fakeClient struct {
	running  bool
	networks []string
	closed   bool
}

func (c *fakeClient) Status(ctx context.Context) (HelperStatus, error) {
	return HelperStatus{Running: c.running, Networks: c.networks}, nil
}
func (c *fakeClient) Stop(ctx context.Context, timeoutSeconds int) error {
	c.running = false
	return nil
}
func (c *fakeClient) Exec(ctx context.Context, req ExecRequest) (ExecResult, error) {
	return ExecResult{}, nil
}
func (c *fakeClient) Close() error { c.closed = true; return nil }

type fakeDialer struct {
	clients map[string]*fakeClient
}

func newFakeDialer() *fakeDialer { return &fakeDialer{clients: map[string]*fakeClient{}} }

func (d *fakeDialer) Dial(ctx context.Context, containerID string) (RuntimeClient, error) {
	c := &fakeClient{running: true}
	d.clients[containerID] = c
	return c, nil
}

func newTestService(t *testing.T) (*Service, *fakeDialer) {
	t.Helper()
	root := t.TempDir()
	pluginDir := filepath.Join(root, "plugins", "vz.plugin")
	if err := os.MkdirAll(pluginDir, 0o750); err != nil {
		t.Fatal(err)
	}
	manifest := "types: [runtime]\nautoBoot: true\nmachPrefix: com.kestrel.runtime\n"
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0o640); err != nil {
		t.Fatal(err)
	}

	loader := plugin.NewLoader([]string{filepath.Join(root, "plugins")}, newFakeBridge(), "system")
	dialer := newFakeDialer()
	svc := New(root, loader, servicemgr.NewLaunchdBridge("system"), dialer, &fakeCloner{})
	return svc, dialer
}

func cfg(id string) Config {
	return Config{ID: id, RuntimeHandler: "vz", Image: "/images/alpine", Platform: "arm64"}
}

func TestCreateStartExitAutoRemove(t *testing.T) {
	ctx := context.Background()
	svc, dialer := newTestService(t)

	if err := svc.Create(ctx, cfg("c1"), Options{AutoRemove: true}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	bundle := svc.bundleDir("c1")
	if _, err := os.Stat(filepath.Join(bundle, "configuration.json")); err != nil {
		t.Fatalf("expected configuration.json: %v", err)
	}

	if err := svc.ContainerStart(ctx, "c1"); err != nil {
		t.Fatalf("ContainerStart: %v", err)
	}
	snaps, err := svc.List(ctx)
	if err != nil || len(snaps) != 1 || snaps[0].Status != "running" {
		t.Fatalf("expected one running container, got %+v err=%v", snaps, err)
	}

	dialer.clients["c1"].running = false
	if err := svc.ContainerExit(ctx, "c1", 0); err != nil {
		t.Fatalf("ContainerExit: %v", err)
	}

	if _, err := os.Stat(bundle); !os.IsNotExist(err) {
		t.Fatalf("expected bundle removed after auto-remove, stat err=%v", err)
	}
	snaps, _ = svc.List(ctx)
	if len(snaps) != 0 {
		t.Fatalf("expected no containers after auto-remove, got %+v", snaps)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if err := svc.Create(ctx, cfg("dup"), Options{}); err != nil {
		t.Fatal(err)
	}
	err := svc.Create(ctx, cfg("dup"), Options{})
	if kerr.Of(err) != kerr.Exists {
		t.Fatalf("expected kerr.Exists, got %v", err)
	}
}

func TestExitWithoutAutoRemoveKeepsRecord(t *testing.T) {
	ctx := context.Background()
	svc, dialer := newTestService(t)

	if err := svc.Create(ctx, cfg("c2"), Options{AutoRemove: false}); err != nil {
		t.Fatal(err)
	}
	if err := svc.ContainerStart(ctx, "c2"); err != nil {
		t.Fatal(err)
	}
	dialer.clients["c2"].running = false
	if err := svc.ContainerExit(ctx, "c2", 137); err != nil {
		t.Fatal(err)
	}

	snaps, _ := svc.List(ctx)
	if len(snaps) != 1 || snaps[0].Status != "exited" || snaps[0].ExitCode != 137 {
		t.Fatalf("expected one exited container with code 137, got %+v", snaps)
	}

	if err := svc.Delete(ctx, "c2"); err != nil {
		t.Fatalf("Delete after exit: %v", err)
	}
}

func TestDeleteRunningContainerFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if err := svc.Create(ctx, cfg("c3"), Options{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.ContainerStart(ctx, "c3"); err != nil {
		t.Fatal(err)
	}
	err := svc.Delete(ctx, "c3")
	if kerr.Of(err) != kerr.InvalidState {
		t.Fatalf("expected kerr.InvalidState, got %v", err)
	}
}

func TestStopOnDeadContainerIsNoop(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	if err := svc.Create(ctx, cfg("c4"), Options{}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Stop(ctx, "c4", 5); err != nil {
		t.Fatalf("Stop on dead container should be a no-op, got %v", err)
	}
}

func TestReferencesNetwork(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	c := cfg("c5")
	c.Networks = []string{"net0"}
	if err := svc.Create(ctx, c, Options{}); err != nil {
		t.Fatal(err)
	}
	if id, ok := svc.ReferencesNetwork("net0"); !ok || id != "c5" {
		t.Fatalf("expected c5 to reference net0, got id=%q ok=%v", id, ok)
	}
	if _, ok := svc.ReferencesNetwork("net1"); ok {
		t.Fatalf("expected no container to reference net1")
	}
}
