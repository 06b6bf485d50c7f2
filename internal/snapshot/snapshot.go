// Package snapshot implements the content-addressed snapshot/diff
// abstraction the build engine's scheduler uses to materialize each node's
// filesystem result. Grounded on the teacher's default_cloner.go +
// file_ops.go clone-based workspace provisioning (`cp -Rc`, APFS clonefile
// semantics), reused here as the underlying "clone a snapshot" primitive;
// content addressing (a sha256 manifest digest over the cloned tree) is new.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// Changes is a filesystem-change record between two snapshots.
type Changes struct {
	Added     []string
	Modified  []string
	Deleted   []string
	SizeDelta int64 // signed
}

// Snapshot is an immutable record of one committed filesystem state.
type Snapshot struct {
	ID        string
	Digest    string
	Size      int64
	ParentID  string // empty for a root snapshot
	CreatedAt time.Time
}

// Handle is a prepared, writable view of a snapshot-in-progress. Close
// releases it on every exit path, matching spec.md §4.11's guarantee.
type Handle struct {
	Path  string
	store *Store
	id    string
	once  sync.Once
}

func (h *Handle) Close() error {
	var err error
	h.once.Do(func() {
		h.store.mu.Lock()
		delete(h.store.prepared, h.id)
		h.store.mu.Unlock()
	})
	return err
}

// Store is the content-addressed snapshot store, rooted at a directory of
// one subdirectory per snapshot id.
type Store struct {
	root string

	mu       sync.Mutex
	snaps    map[string]Snapshot
	prepared map[string]bool
}

func Open(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot: create root: %w", err)
	}
	return &Store{root: root, snaps: map[string]Snapshot{}, prepared: map[string]bool{}}, nil
}

func (s *Store) dirFor(id string) string {
	return filepath.Join(s.root, id)
}

// Path exposes a committed snapshot's on-disk directory, for callers outside
// this package that need to read its materialized tree directly (e.g. the
// CLI's build output export, a cross-stage COPY source, and the cache's blob
// archive).
func (s *Store) Path(id string) string {
	return s.dirFor(id)
}

// CreateSnapshot clones parent (if any) into a new directory, applies no
// further mutation itself (the caller writes into the returned handle's
// Path), and returns a pending Snapshot id whose digest is computed at Commit
// time. The changes argument is not used. A snapshot whose tree is left
// unchanged commits with the parent's digest and size, since Commit
// recomputes both from the tree.
func (s *Store) CreateSnapshot(parentID string, changes Changes) (*Handle, error) {
	id := fmt.Sprintf("snap-%d", time.Now().UnixNano())
	dir := s.dirFor(id)

	if parentID != "" {
		parentDir := s.dirFor(parentID)
		if _, err := os.Stat(parentDir); err != nil {
			return nil, kerr.NotFoundf("parent snapshot %q not found", parentID)
		}
		if err := cloneTree(parentDir, dir); err != nil {
			return nil, fmt.Errorf("snapshot: clone parent: %w", err)
		}
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("snapshot: create dir: %w", err)
	}

	s.mu.Lock()
	s.prepared[id] = true
	s.mu.Unlock()

	return &Handle{Path: dir, store: s, id: id}, nil
}

// Prepare reopens an existing committed snapshot for read-write use (e.g. a
// mount source), returning a handle the caller must Close.
func (s *Store) Prepare(id string) (*Handle, error) {
	s.mu.Lock()
	_, ok := s.snaps[id]
	s.mu.Unlock()
	if !ok {
		return nil, kerr.NotFoundf("snapshot %q not found", id)
	}
	return &Handle{Path: s.dirFor(id), store: s, id: id}, nil
}

// Commit finalizes a prepared handle: computes its content digest over the
// tree, registers the Snapshot record, and returns it. The handle's
// directory becomes the snapshot's immutable storage; further writes to it
// after Commit are a caller error.
func (s *Store) Commit(h *Handle, parentID string) (Snapshot, error) {
	digest, size, err := manifestDigest(h.Path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: digest: %w", err)
	}
	snap := Snapshot{ID: h.id, Digest: digest, Size: size, ParentID: parentID, CreatedAt: time.Now()}

	s.mu.Lock()
	s.snaps[h.id] = snap
	delete(s.prepared, h.id)
	s.mu.Unlock()

	return snap, nil
}

// Remove deletes a committed snapshot's on-disk tree and record.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	delete(s.snaps, id)
	s.mu.Unlock()
	if err := os.RemoveAll(s.dirFor(id)); err != nil {
		return fmt.Errorf("snapshot: remove %s: %w", id, err)
	}
	return nil
}

// Diff computes the filesystem changes between from (or an empty tree, if
// from is "") and to.
func (s *Store) Diff(from, to string) (Changes, error) {
	var fromFiles map[string]fileInfo
	var err error
	if from != "" {
		fromFiles, err = walkFiles(s.dirFor(from))
		if err != nil {
			return Changes{}, fmt.Errorf("snapshot: walk %s: %w", from, err)
		}
	} else {
		fromFiles = map[string]fileInfo{}
	}
	toFiles, err := walkFiles(s.dirFor(to))
	if err != nil {
		return Changes{}, fmt.Errorf("snapshot: walk %s: %w", to, err)
	}

	var changes Changes
	for path, toInfo := range toFiles {
		fromInfo, existed := fromFiles[path]
		if !existed {
			changes.Added = append(changes.Added, path)
			changes.SizeDelta += toInfo.size
			continue
		}
		if fromInfo.hash != toInfo.hash {
			changes.Modified = append(changes.Modified, path)
			changes.SizeDelta += toInfo.size - fromInfo.size
		}
	}
	for path, fromInfo := range fromFiles {
		if _, ok := toFiles[path]; !ok {
			changes.Deleted = append(changes.Deleted, path)
			changes.SizeDelta -= fromInfo.size
		}
	}
	sort.Strings(changes.Added)
	sort.Strings(changes.Modified)
	sort.Strings(changes.Deleted)
	return changes, nil
}

// cloneTree uses the APFS clonefile-backed `cp -Rc`, the same primitive the
// teacher's file_ops.go FileOps.Copy uses to provision a sandbox workspace
// from a template directory.
func cloneTree(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	cmd := exec.Command("cp", "-Rc", src, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("clone %s -> %s: %w (output: %s)", src, dst, err, out)
	}
	return nil
}

type fileInfo struct {
	hash string
	size int64
}

func walkFiles(root string) (map[string]fileInfo, error) {
	out := map[string]fileInfo{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		h := sha256.New()
		n, err := io.Copy(h, f)
		if err != nil {
			return err
		}
		out[rel] = fileInfo{hash: hex.EncodeToString(h.Sum(nil)), size: n}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}

// manifestDigest computes a deterministic sha256 over the sorted list of
// (relative path, content hash) pairs in dir, and the tree's total size.
func manifestDigest(dir string) (digest string, size int64, err error) {
	files, err := walkFiles(dir)
	if err != nil {
		return "", 0, err
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		fmt.Fprintf(h, "%s:%s\n", p, files[p].hash)
		size += files[p].size
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), size, nil
}
