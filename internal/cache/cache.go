// Package cache implements the build engine's content-addressed memoization
// store: a sqlite-backed index from cache key to the committed snapshot and
// filesystem-change record it produced. Grounded on the teacher's boxer.go
// sqlite schema-bootstrap pattern (the teacher embeds schema.sql and execs it
// directly against its database/sql handle); kestrel instead versions the
// schema with golang-migrate/v4 since the cache schema is expected to evolve
// independently of the rest of the daemon's on-disk layout.
package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Result is what a cache hit returns: the previously-committed snapshot
// reference and the filesystem changes it produced, enough for the
// scheduler to skip re-executing the node.
type Result struct {
	SnapshotID     string
	SnapshotDigest string
	SizeDelta      int64
	AddedPaths     []string
	ModifiedPaths  []string
	DeletedPaths   []string
}

// Cache is the sqlite-backed cache-key -> Result index, plus a sibling
// directory of compressed snapshot-diff blobs (see blob.go) keyed by
// snapshot id rather than cache key.
type Cache struct {
	db       *sql.DB
	blobRoot string
}

// Open opens (creating if necessary) a cache database at path and migrates
// its schema to the latest version. Blobs are stored in a "blobs" directory
// next to the database file.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite, like mattn's, serializes writers; one connection avoids SQLITE_BUSY under the daemon's own locking

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db, blobRoot: filepath.Join(filepath.Dir(path), "blobs")}, nil
}

func migrateSchema(db *sql.DB) error {
	srcDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("cache: load embedded migrations: %w", err)
	}
	dbDriver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("cache: init migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("cache: init migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("cache: migrate up: %w", err)
	}
	return nil
}

func (c *Cache) Close() error { return c.db.Close() }

// Get looks up key, scoped by operation kind for index selectivity. Returns
// ok=false on a miss rather than an error.
func (c *Cache) Get(key, operationKind string) (Result, bool, error) {
	row := c.db.QueryRow(`
		SELECT snapshot_id, snapshot_digest, size_delta, added_paths, modified_paths, deleted_paths
		FROM cache_entries WHERE cache_key = ? AND operation_kind = ?`, key, operationKind)

	var r Result
	var added, modified, deleted string
	if err := row.Scan(&r.SnapshotID, &r.SnapshotDigest, &r.SizeDelta, &added, &modified, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, false, nil
		}
		return Result{}, false, fmt.Errorf("cache: get: %w", err)
	}
	r.AddedPaths = splitPaths(added)
	r.ModifiedPaths = splitPaths(modified)
	r.DeletedPaths = splitPaths(deleted)
	return r, true, nil
}

// Put stores result under key for operationKind and platform, overwriting
// any existing entry for the same key.
func (c *Cache) Put(key, operationKind, platform string, result Result) error {
	_, err := c.db.Exec(`
		INSERT INTO cache_entries (cache_key, operation_kind, platform, snapshot_id, snapshot_digest, size_delta, added_paths, modified_paths, deleted_paths)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			operation_kind = excluded.operation_kind,
			platform = excluded.platform,
			snapshot_id = excluded.snapshot_id,
			snapshot_digest = excluded.snapshot_digest,
			size_delta = excluded.size_delta,
			added_paths = excluded.added_paths,
			modified_paths = excluded.modified_paths,
			deleted_paths = excluded.deleted_paths`,
		key, operationKind, platform, result.SnapshotID, result.SnapshotDigest, result.SizeDelta,
		joinPaths(result.AddedPaths), joinPaths(result.ModifiedPaths), joinPaths(result.DeletedPaths))
	if err != nil {
		return kerr.Wrap(kerr.InternalError, fmt.Sprintf("cache: put %s", key), err)
	}
	return nil
}

func joinPaths(paths []string) string {
	return strings.Join(paths, "\n")
}

func splitPaths(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
