package snapshot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateCommitAndDiff(t *testing.T) {
	root := t.TempDir()
	store, err := Open(filepath.Join(root, "snapshots"))
	if err != nil {
		t.Fatal(err)
	}

	h, err := store.CreateSnapshot("", Changes{})
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h.Path, "file.txt"), []byte("hello"), 0o640); err != nil {
		t.Fatal(err)
	}

	snap, err := store.Commit(h, "")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if snap.Digest == "" || snap.Size != 5 {
		t.Fatalf("expected digest and size 5, got %+v", snap)
	}

	h2, err := store.CreateSnapshot(snap.ID, Changes{})
	if err != nil {
		t.Fatalf("CreateSnapshot child: %v", err)
	}
	if err := os.WriteFile(filepath.Join(h2.Path, "file2.txt"), []byte("world!"), 0o640); err != nil {
		t.Fatal(err)
	}
	snap2, err := store.Commit(h2, snap.ID)
	if err != nil {
		t.Fatalf("Commit child: %v", err)
	}
	h2.Close()

	if snap2.Digest == snap.Digest {
		t.Fatalf("expected child snapshot to have a distinct digest")
	}

	changes, err := store.Diff(snap.ID, snap2.ID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(changes.Added) != 1 || changes.Added[0] != "file2.txt" {
		t.Fatalf("expected file2.txt added, got %+v", changes)
	}
	if changes.SizeDelta != 6 {
		t.Fatalf("expected size delta 6, got %d", changes.SizeDelta)
	}
}

func TestCreateSnapshotUnknownParentFails(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.CreateSnapshot("missing", Changes{})
	if err == nil {
		t.Fatalf("expected error for unknown parent snapshot")
	}
}

func TestRemoveDeletesTree(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h, err := store.CreateSnapshot("", Changes{})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := store.Commit(h, "")
	if err != nil {
		t.Fatal(err)
	}
	h.Close()

	if err := store.Remove(snap.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.root, snap.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected snapshot dir removed, stat err=%v", err)
	}
}
