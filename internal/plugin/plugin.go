// Package plugin discovers runtime and network plugins from an ordered
// search path and binds them to the service manager. Grounded on the
// teacher's WorkspaceProvisioner pattern in boxer.go (a pluggable strategy
// selected at construction time, swappable in tests), generalized here from
// a single strategy to directory-walk discovery across two factories.
package plugin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kevinburke/ssh_config"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/servicemgr"
)

// Type enumerates the plugin capability categories named in spec.md §4.5.
type Type string

const (
	TypeRuntime Type = "runtime"
	TypeNetwork Type = "network"
)

// Manifest is the static description a plugin declares about itself.
type Manifest struct {
	Name       string
	Types      []Type
	AutoBoot   bool
	MachPrefix string // naming rule used to form the Mach service name
	// SSHConfig holds an optional, parsed ssh_config-style stanza the
	// plugin manifest may carry for remote debug access into the helper
	// process it spawns.
	SSHConfig *ssh_config.Config
}

func (m Manifest) HasType(t Type) bool {
	for _, mt := range m.Types {
		if mt == t {
			return true
		}
	}
	return false
}

// Plugin pairs a discovered Manifest with the filesystem path it was found
// at and the executable to launch.
type Plugin struct {
	Manifest Manifest
	RootURL  string
	Exec     string
}

// factory materializes Plugins from a single directory entry.
type factory interface {
	// TryLoad attempts to build a Plugin from path. ok is false if path does
	// not match this factory's shape (not an error - just "not mine").
	TryLoad(path string) (p Plugin, ok bool, err error)
}

// manifestDirFactory recognizes "<name>.plugin/manifest.yaml"-shaped
// directories.
type manifestDirFactory struct{}

func (manifestDirFactory) TryLoad(path string) (Plugin, bool, error) {
	if !strings.HasSuffix(path, ".plugin") {
		return Plugin{}, false, nil
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return Plugin{}, false, nil
	}
	manifestPath := filepath.Join(path, "manifest.yaml")
	if _, err := os.Stat(manifestPath); err != nil {
		return Plugin{}, false, nil
	}
	name := strings.TrimSuffix(filepath.Base(path), ".plugin")
	m, err := parseManifest(manifestPath, name)
	if err != nil {
		return Plugin{}, true, err
	}
	return Plugin{Manifest: m, RootURL: path, Exec: filepath.Join(path, "bin", name)}, true, nil
}

// appBundleFactory recognizes macOS "<name>.appex"-shaped bundles whose
// Info.plist-adjacent manifest declares plugin types.
type appBundleFactory struct{}

func (appBundleFactory) TryLoad(path string) (Plugin, bool, error) {
	if !strings.HasSuffix(path, ".appex") {
		return Plugin{}, false, nil
	}
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return Plugin{}, false, nil
	}
	name := strings.TrimSuffix(filepath.Base(path), ".appex")
	manifestPath := filepath.Join(path, "Contents", "manifest.yaml")
	if _, err := os.Stat(manifestPath); err != nil {
		return Plugin{}, false, nil
	}
	m, err := parseManifest(manifestPath, name)
	if err != nil {
		return Plugin{}, true, err
	}
	return Plugin{Manifest: m, RootURL: path, Exec: filepath.Join(path, "Contents", "MacOS", name)}, true, nil
}

// Loader discovers plugins across an ordered list of directories, first
// match by name wins.
type Loader struct {
	searchPath []string
	factories  []factory
	bridge     servicemgr.Bridge
	domain     string
}

func NewLoader(searchPath []string, bridge servicemgr.Bridge, domain string) *Loader {
	return &Loader{
		searchPath: searchPath,
		factories:  []factory{manifestDirFactory{}, appBundleFactory{}},
		bridge:     bridge,
		domain:     domain,
	}
}

// FindPlugins walks the search path in order and returns every discovered
// plugin; the first plugin found under a given name wins across the whole
// search path (later directories can still add distinctly-named plugins).
func (l *Loader) FindPlugins() ([]Plugin, error) {
	seen := map[string]bool{}
	var found []Plugin
	for _, dir := range l.searchPath {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("plugin: readdir %s: %w", dir, err)
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			for _, f := range l.factories {
				p, ok, err := f.TryLoad(full)
				if err != nil {
					return nil, fmt.Errorf("plugin: load %s: %w", full, err)
				}
				if !ok {
					continue
				}
				if seen[p.Manifest.Name] {
					break
				}
				seen[p.Manifest.Name] = true
				found = append(found, p)
				break
			}
		}
	}
	return found, nil
}

// FindByType returns the first plugin (by search-path order) declaring type
// t.
func (l *Loader) FindByType(t Type) (Plugin, error) {
	plugins, err := l.FindPlugins()
	if err != nil {
		return Plugin{}, err
	}
	for _, p := range plugins {
		if p.Manifest.HasType(t) {
			return p, nil
		}
	}
	return Plugin{}, kerr.NotFoundf("no plugin declares type %q", t)
}

// FindByName returns the first plugin named name.
func (l *Loader) FindByName(name string) (Plugin, error) {
	plugins, err := l.FindPlugins()
	if err != nil {
		return Plugin{}, err
	}
	for _, p := range plugins {
		if p.Manifest.Name == name {
			return p, nil
		}
	}
	return Plugin{}, kerr.NotFoundf("no plugin named %q", name)
}

// RegisterWithLaunchd renders a plist for p's helper process and registers it
// with the service manager bridge under a label scoped to instanceID.
func (l *Loader) RegisterWithLaunchd(ctx context.Context, p Plugin, rootURL, instanceID string, args []string) error {
	label := servicemgr.Label(l.domain, p.Manifest.MachPrefix, p.Manifest.Name, instanceID)
	spec := servicemgr.PlistSpec{
		Label:   label,
		Program: p.Exec,
		Args:    append([]string{"--root", rootURL, "--instance", instanceID}, args...),
	}
	plist, err := servicemgr.RenderPlist(spec)
	if err != nil {
		return err
	}
	plistPath := filepath.Join(rootURL, label+".plist")
	if err := os.WriteFile(plistPath, plist, 0o640); err != nil {
		return fmt.Errorf("plugin: write plist: %w", err)
	}
	return l.bridge.Register(ctx, plistPath)
}

// DeregisterWithLaunchd deregisters the helper process registered for p's
// instanceID.
func (l *Loader) DeregisterWithLaunchd(ctx context.Context, p Plugin, instanceID string) error {
	label := servicemgr.Label(l.domain, p.Manifest.MachPrefix, p.Manifest.Name, instanceID)
	return l.bridge.Deregister(ctx, label)
}

func parseManifest(path, name string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	m := decodeManifestYAML(data, name)

	sshPath := filepath.Join(filepath.Dir(path), "ssh_config")
	if f, err := os.Open(sshPath); err == nil {
		defer f.Close()
		if cfg, err := ssh_config.Decode(f); err == nil {
			m.SSHConfig = cfg
		}
	}
	return m, nil
}
