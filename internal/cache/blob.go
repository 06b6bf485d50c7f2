package cache

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// PutBlob archives dir (a committed snapshot's tree, per
// internal/snapshot.Store.Path) as a zstd-compressed tar under the cache's
// blob root, keyed by snapshotID. This is durability on top of the sqlite
// row Put already wrote: a cache hit only needs the row, but a blob lets a
// cold-started daemon rehydrate a snapshot's bytes without re-running the
// node that produced it. Best-effort from the scheduler's point of view —
// a blob write failure never fails the build.
func (c *Cache) PutBlob(snapshotID, dir string) error {
	if err := os.MkdirAll(c.blobRoot, 0o750); err != nil {
		return fmt.Errorf("cache: create blob root: %w", err)
	}
	path := c.blobPath(snapshotID)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cache: create blob %s: %w", path, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("cache: zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if d.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
}

// GetBlob opens a previously archived snapshot blob for reading, decoding
// the zstd-compressed tar stream as it is read. The caller is responsible
// for walking the tar entries and for closing the returned ReadCloser.
func (c *Cache) GetBlob(snapshotID string) (io.ReadCloser, error) {
	f, err := os.Open(c.blobPath(snapshotID))
	if err != nil {
		return nil, fmt.Errorf("cache: open blob: %w", err)
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cache: zstd reader: %w", err)
	}
	return &blobReadCloser{ReadCloser: zr.IOReadCloser(), f: f, zr: zr}, nil
}

type blobReadCloser struct {
	io.ReadCloser
	f  *os.File
	zr *zstd.Decoder
}

func (b *blobReadCloser) Close() error {
	b.zr.Close()
	return b.f.Close()
}

func (c *Cache) blobPath(snapshotID string) string {
	return filepath.Join(c.blobRoot, snapshotID+".tar.zst")
}
