package network

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kestrelcontainers/kestrel/internal/entitystore"
	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/plugin"
	"github.com/kestrelcontainers/kestrel/internal/servicemgr"
)

// DefaultNetworkID is the always-present network that delete refuses to
// remove.
const DefaultNetworkID = "default"

// Attachment is a (hostname, address, gateway) binding within a network, per
// spec.md §3.
type Attachment struct {
	NetworkID string
	Hostname  string
	Address   string
	Gateway   string
}

// HelperState reports what the per-network helper currently believes about
// itself.
type HelperState struct {
	Leased int
}

// HelperClient is the contract the Network Service uses to talk to a
// per-network helper process, which owns the live Address Allocator for that
// network's subnet.
type HelperClient interface {
	State(ctx context.Context) (HelperState, error)
	Allocate(ctx context.Context, hostname string) (address string, err error)
	Deallocate(ctx context.Context, hostname string) error
	Lookup(ctx context.Context, hostname string) (Attachment, bool, error)
	DisableAllocator(ctx context.Context) error
	Close() error
}

// HelperDialer registers a helper with the service manager and connects to
// it.
type HelperDialer interface {
	Dial(ctx context.Context, cfg Config, bundleDir string) (HelperClient, error)
}

// ContainerReferenceChecker is the cross-service borrow: the network service
// asks the container service's record set, under the container service's own
// lock, whether any container still references a network before deleting it.
// This is the one cross-service edge spec.md §5 documents, and it runs in a
// single direction only (network -> container), to avoid A->B/B->A deadlock.
type ContainerReferenceChecker interface {
	ReferencesNetwork(networkID string) (containerID string, found bool)
}

// Service is the single-writer actor over id -> Record.
type Service struct {
	appRoot string
	store   *entitystore.Store
	plugins *plugin.Loader
	bridge  servicemgr.Bridge
	dialer  HelperDialer
	checker ContainerReferenceChecker

	mu      sync.Mutex
	busy    map[string]bool
	records map[string]*Record
	clients map[string]HelperClient
}

func New(appRoot string, store *entitystore.Store, plugins *plugin.Loader, bridge servicemgr.Bridge, dialer HelperDialer, checker ContainerReferenceChecker) *Service {
	return &Service{
		appRoot: appRoot,
		store:   store,
		plugins: plugins,
		bridge:  bridge,
		dialer:  dialer,
		checker: checker,
		busy:    map[string]bool{},
		records: map[string]*Record{},
		clients: map[string]HelperClient{},
	}
}

// Recover replays persisted network configs at boot, matching the daemon's
// lenient recovery policy: a network whose helper fails to start is logged
// and left in a non-running state rather than aborting startup.
func (s *Service) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.store.List()
	if err != nil {
		return fmt.Errorf("network: recover list: %w", err)
	}
	for _, id := range ids {
		var cfg Config
		if err := s.store.Get(id, &cfg); err != nil {
			slog.Error("network.Service.Recover failed to load config, skipping", "network_id", id, "error", err)
			continue
		}
		rec := &Record{Config: cfg, Busy: map[string]string{}}
		s.records[id] = rec
		client, err := s.dialer.Dial(ctx, cfg, s.bundlePath(id))
		if err != nil {
			slog.Error("network.Service.Recover helper start failed, network left non-running", "network_id", id, "error", err)
			continue
		}
		s.clients[id] = client
	}
	return nil
}

func (s *Service) bundlePath(id string) string {
	return s.appRoot + "/networks/" + id
}

// List returns every known network record.
func (s *Service) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	return out
}

// Create rejects a duplicate id, rejects an overlapping subnet against every
// currently-running network, registers a helper, and persists the config.
// Any failure after helper registration rolls the helper back.
func (s *Service) Create(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[cfg.ID]; exists {
		return kerr.Existsf("network %q already exists", cfg.ID)
	}

	if cfg.Subnet != "" {
		probe := &Record{Config: cfg}
		for id, rec := range s.records {
			overlap, err := probe.overlaps(rec.Config)
			if err != nil {
				return kerr.InvalidArgumentf("network %q: %v", cfg.ID, err)
			}
			if overlap {
				return kerr.Existsf("network %q subnet %s overlaps running network %q (%s)", cfg.ID, cfg.Subnet, id, rec.Config.Subnet)
			}
		}
	}

	client, err := s.dialer.Dial(ctx, cfg, s.bundlePath(cfg.ID))
	if err != nil {
		return fmt.Errorf("network: register helper: %w", err)
	}

	rollback := func(cause error) error {
		if cerr := client.Close(); cerr != nil {
			slog.Error("network.Service.Create rollback close failed", "network_id", cfg.ID, "error", cerr)
		}
		if derr := s.deregisterHelper(ctx, cfg.ID); derr != nil {
			slog.Error("network.Service.Create rollback deregister failed", "network_id", cfg.ID, "error", derr)
		}
		return cause
	}

	if _, err := client.State(ctx); err != nil {
		return rollback(fmt.Errorf("network: poll helper state: %w", err))
	}

	if err := s.store.Create(cfg.ID, cfg); err != nil {
		return rollback(fmt.Errorf("network: persist config: %w", err))
	}

	s.records[cfg.ID] = &Record{Config: cfg, Busy: map[string]string{}}
	s.clients[cfg.ID] = client
	return nil
}

func (s *Service) deregisterHelper(ctx context.Context, networkID string) error {
	p, err := s.plugins.FindByType(plugin.TypeNetwork)
	if err != nil {
		return err
	}
	return s.plugins.DeregisterWithLaunchd(ctx, p, networkID)
}

// Delete refuses the default network id, defers to the container-service
// borrow for referential integrity, then disables the allocator (which fails
// while any attachment is active) before deregistering and deleting.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == DefaultNetworkID {
		return kerr.InvalidStatef("network %q is the default network and cannot be deleted", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return kerr.NotFoundf("network %q not found", id)
	}
	if s.busy[id] {
		return kerr.InvalidStatef("network %q is busy", id)
	}

	if containerID, found := s.checker.ReferencesNetwork(id); found {
		return kerr.InvalidStatef("network %q is referenced by container %q", id, containerID)
	}

	s.busy[id] = true
	defer delete(s.busy, id)

	client := s.clients[id]
	if client != nil {
		if err := client.DisableAllocator(ctx); err != nil {
			return fmt.Errorf("network: disable allocator: %w", err)
		}
		if err := client.Close(); err != nil {
			slog.Error("network.Service.Delete client close failed", "network_id", id, "error", err)
		}
	}
	if err := s.deregisterHelper(ctx, id); err != nil {
		slog.Error("network.Service.Delete deregister failed, continuing", "network_id", id, "error", err)
	}
	if err := s.store.Delete(id); err != nil {
		return fmt.Errorf("network: delete persisted config: %w", err)
	}

	delete(s.clients, id)
	delete(s.records, id)
	return nil
}

// Lookup iterates networks and returns the first attachment matching
// hostname.
func (s *Service) Lookup(ctx context.Context, hostname string) (Attachment, bool, error) {
	s.mu.Lock()
	clients := make(map[string]HelperClient, len(s.clients))
	for id, c := range s.clients {
		clients[id] = c
	}
	s.mu.Unlock()

	for _, client := range clients {
		att, ok, err := client.Lookup(ctx, hostname)
		if err != nil {
			return Attachment{}, false, fmt.Errorf("network: lookup: %w", err)
		}
		if ok {
			return att, true, nil
		}
	}
	return Attachment{}, false, nil
}
