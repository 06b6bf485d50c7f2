package network

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/entitystore"
	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/plugin"
	"github.com/kestrelcontainers/kestrel/internal/servicemgr"
)

type fakeBridge struct{}

func (fakeBridge) Register(ctx context.Context, plistPath string) error   { return nil }
func (fakeBridge) Deregister(ctx context.Context, label string) error     { return nil }
func (fakeBridge) Kickstart(ctx context.Context, label string) error      { return nil }
func (fakeBridge) Enumerate(ctx context.Context) ([]string, error)        { return nil, nil }
func (fakeBridge) IsRegistered(ctx context.Context, label string) (bool, error) {
	return true, nil
}

type fakeHelperClient struct {
	id       string
	leases   map[string]string
	disabled bool
}

func (c *fakeHelperClient) State(ctx context.Context) (HelperState, error) {
	return HelperState{Leased: len(c.leases)}, nil
}
func (c *fakeHelperClient) Allocate(ctx context.Context, hostname string) (string, error) {
	if c.disabled {
		return "", kerr.InvalidStatef("allocator disabled")
	}
	addr := "10.0.0.10"
	c.leases[hostname] = addr
	return addr, nil
}
func (c *fakeHelperClient) Deallocate(ctx context.Context, hostname string) error {
	delete(c.leases, hostname)
	return nil
}
func (c *fakeHelperClient) Lookup(ctx context.Context, hostname string) (Attachment, bool, error) {
	addr, ok := c.leases[hostname]
	if !ok {
		return Attachment{}, false, nil
	}
	return Attachment{NetworkID: c.id, Hostname: hostname, Address: addr}, true, nil
}
func (c *fakeHelperClient) DisableAllocator(ctx context.Context) error {
	if len(c.leases) > 0 {
		return kerr.InvalidStatef("attachments still active")
	}
	c.disabled = true
	return nil
}
func (c *fakeHelperClient) Close() error { return nil }

type fakeDialer struct {
	clients map[string]*fakeHelperClient
}

func newFakeDialer() *fakeDialer { return &fakeDialer{clients: map[string]*fakeHelperClient{}} }

func (d *fakeDialer) Dial(ctx context.Context, cfg Config, bundleDir string) (HelperClient, error) {
	c := &fakeHelperClient{id: cfg.ID, leases: map[string]string{}}
	d.clients[cfg.ID] = c
	return c, nil
}

type fakeChecker struct {
	referencing map[string]string
}

func (c *fakeChecker) ReferencesNetwork(networkID string) (string, bool) {
	id, ok := c.referencing[networkID]
	return id, ok
}

func newTestService(t *testing.T) (*Service, *fakeDialer, *fakeChecker) {
	t.Helper()
	root := t.TempDir()
	store, err := entitystore.Open(filepath.Join(root, "networks"))
	if err != nil {
		t.Fatal(err)
	}
	loader := plugin.NewLoader(nil, fakeBridge{}, "system")
	dialer := newFakeDialer()
	checker := &fakeChecker{referencing: map[string]string{}}
	svc := New(root, store, loader, servicemgr.NewLaunchdBridge("system"), dialer, checker)
	return svc, dialer, checker
}

func TestCreateAndList(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	if err := svc.Create(ctx, Config{ID: "nA", Subnet: "10.0.0.0/24", Mode: "nat"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	list := svc.List()
	if len(list) != 1 || list[0].Config.ID != "nA" {
		t.Fatalf("expected one network nA, got %+v", list)
	}
}

func TestSubnetOverlapRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	if err := svc.Create(ctx, Config{ID: "nA", Subnet: "10.0.0.0/24"}); err != nil {
		t.Fatal(err)
	}
	err := svc.Create(ctx, Config{ID: "nB", Subnet: "10.0.0.128/25"})
	if kerr.Of(err) != kerr.Exists {
		t.Fatalf("expected kerr.Exists for overlapping subnet, got %v", err)
	}

	if err := svc.Create(ctx, Config{ID: "nC", Subnet: "10.0.1.0/24"}); err != nil {
		t.Fatalf("expected disjoint subnet to succeed: %v", err)
	}
}

func TestDeleteDefaultNetworkRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	err := svc.Delete(ctx, DefaultNetworkID)
	if kerr.Of(err) != kerr.InvalidState {
		t.Fatalf("expected kerr.InvalidState deleting default network, got %v", err)
	}
}

func TestDeleteWithDependentContainerFails(t *testing.T) {
	ctx := context.Background()
	svc, _, checker := newTestService(t)

	if err := svc.Create(ctx, Config{ID: "nA", Subnet: "10.0.0.0/24"}); err != nil {
		t.Fatal(err)
	}

	checker.referencing["nA"] = "container1"
	err := svc.Delete(ctx, "nA")
	if kerr.Of(err) != kerr.InvalidState {
		t.Fatalf("expected kerr.InvalidState while container references network, got %v", err)
	}

	delete(checker.referencing, "nA")
	if err := svc.Delete(ctx, "nA"); err != nil {
		t.Fatalf("expected delete to succeed once unreferenced: %v", err)
	}
}

func TestDisableAllocatorFailsWithActiveAttachment(t *testing.T) {
	ctx := context.Background()
	svc, dialer, _ := newTestService(t)

	if err := svc.Create(ctx, Config{ID: "nA", Subnet: "10.0.0.0/24"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dialer.clients["nA"].Allocate(ctx, "host1"); err != nil {
		t.Fatal(err)
	}

	err := svc.Delete(ctx, "nA")
	if err == nil {
		t.Fatalf("expected delete to fail while an attachment is active")
	}

	if err := dialer.clients["nA"].Deallocate(ctx, "host1"); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "nA"); err != nil {
		t.Fatalf("expected delete to succeed once attachments clear: %v", err)
	}
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	svc, dialer, _ := newTestService(t)

	if err := svc.Create(ctx, Config{ID: "nA", Subnet: "10.0.0.0/24"}); err != nil {
		t.Fatal(err)
	}
	if _, err := dialer.clients["nA"].Allocate(ctx, "host1"); err != nil {
		t.Fatal(err)
	}

	att, ok, err := svc.Lookup(ctx, "host1")
	if err != nil || !ok || att.NetworkID != "nA" {
		t.Fatalf("expected lookup to find host1 in nA, got %+v ok=%v err=%v", att, ok, err)
	}

	_, ok, err = svc.Lookup(ctx, "missing")
	if err != nil || ok {
		t.Fatalf("expected lookup miss for unknown hostname, got ok=%v err=%v", ok, err)
	}
}
