// Package entitystore is a directory-per-id, filesystem-backed keyed record
// store with JSON payloads. It is the persistence backing for network
// records; it performs no locking of its own, matching spec.md §4.2 — callers
// serialize their own access (the network service does this via its busy-set
// and the container-service borrow).
package entitystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

const payloadFile = "config.json"

// Store is a directory-per-id JSON record store rooted at dir.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir, creating dir if it does not exist.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("entitystore: create root %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) entityDir(id string) string {
	return filepath.Join(s.dir, id)
}

// Create writes a new entity under id. Fails with kerr.Exists if the id
// directory already exists. The payload is written atomically
// (write-temp + rename) and the containing directory is fsync'd so the
// create is durable across a crash.
func (s *Store) Create(id string, entity any) error {
	edir := s.entityDir(id)
	if _, err := os.Stat(edir); err == nil {
		return kerr.Existsf("entity %q already exists", id)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("entitystore: stat %s: %w", edir, err)
	}

	if err := os.MkdirAll(edir, 0o750); err != nil {
		return fmt.Errorf("entitystore: mkdir %s: %w", edir, err)
	}

	if err := s.writePayload(edir, entity); err != nil {
		os.RemoveAll(edir)
		return err
	}
	return s.fsyncDir(s.dir)
}

// Update overwrites the payload for an existing id. Fails with kerr.NotFound
// if the id does not exist.
func (s *Store) Update(id string, entity any) error {
	edir := s.entityDir(id)
	if _, err := os.Stat(edir); err != nil {
		return kerr.NotFoundf("entity %q not found", id)
	}
	return s.writePayload(edir, entity)
}

func (s *Store) writePayload(edir string, entity any) error {
	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("entitystore: marshal: %w", err)
	}

	final := filepath.Join(edir, payloadFile)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("entitystore: write temp: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("entitystore: rename: %w", err)
	}
	return s.fsyncDir(edir)
}

func (s *Store) fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("entitystore: open dir for fsync %s: %w", dir, err)
	}
	defer f.Close()
	return f.Sync()
}

// Get decodes the entity for id into out, a pointer to a JSON-compatible
// struct. Fails with kerr.NotFound if id does not exist.
func (s *Store) Get(id string, out any) error {
	data, err := os.ReadFile(filepath.Join(s.entityDir(id), payloadFile))
	if err != nil {
		if os.IsNotExist(err) {
			return kerr.NotFoundf("entity %q not found", id)
		}
		return fmt.Errorf("entitystore: read %s: %w", id, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("entitystore: unmarshal %s: %w", id, err)
	}
	return nil
}

// List returns the ids of every entity currently stored.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("entitystore: readdir %s: %w", s.dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes the entity directory for id. Deleting a missing id is a
// no-op, matching the idempotent cleanup the container/network services rely
// on during rollback.
func (s *Store) Delete(id string) error {
	if err := os.RemoveAll(s.entityDir(id)); err != nil {
		return fmt.Errorf("entitystore: delete %s: %w", id, err)
	}
	return nil
}
