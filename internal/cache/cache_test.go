package cache

import (
	"path/filepath"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	result := Result{
		SnapshotID:     "snap-1",
		SnapshotDigest: "sha256:abc",
		SizeDelta:      128,
		AddedPaths:     []string{"a.txt", "b.txt"},
	}
	if err := c.Put("key-1", "exec", "arm64", result); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := c.Get("key-1", "exec")
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if got.SnapshotID != "snap-1" || got.SizeDelta != 128 || len(got.AddedPaths) != 2 {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestGetMiss(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, ok, err := c.Get("missing", "exec")
	if err != nil {
		t.Fatalf("expected no error on miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected miss")
	}
}

func TestPutOverwritesExistingKey(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Put("key-1", "exec", "arm64", Result{SnapshotID: "snap-1"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Put("key-1", "exec", "arm64", Result{SnapshotID: "snap-2"}); err != nil {
		t.Fatal(err)
	}
	got, ok, err := c.Get("key-1", "exec")
	if err != nil || !ok || got.SnapshotID != "snap-2" {
		t.Fatalf("expected overwritten snap-2, got %+v ok=%v err=%v", got, ok, err)
	}
}
