package buildexec

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/executor"
	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
)

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	store, err := snapshot.Open(filepath.Join(t.TempDir(), "snapshots"))
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestImageExecutorScratch(t *testing.T) {
	store := newStore(t)
	ex := &imageExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{ID: "base", Operation: ir.Operation{Kind: ir.OpImage, Image: &ir.ImageOperation{Source: ir.ImageSourceScratch}}}

	changes, snapID, err := ex.Execute(context.Background(), node, executor.ExecContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snapID == "" {
		t.Fatal("expected a snapshot id")
	}
	if len(changes.Added) != 0 {
		t.Fatalf("expected no added files for scratch, got %+v", changes)
	}
}

func TestImageExecutorUnsupportedSource(t *testing.T) {
	store := newStore(t)
	ex := &imageExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{ID: "base", Operation: ir.Operation{Kind: ir.OpImage, Image: &ir.ImageOperation{Source: ir.ImageSource("bogus")}}}

	if _, _, err := ex.Execute(context.Background(), node, executor.ExecContext{}); err == nil {
		t.Fatal("expected an error for an unsupported image source")
	}
}

func TestExecExecutorRunsCommand(t *testing.T) {
	store := newStore(t)
	base := &imageExecutor{snapshots: store, maxConcurrency: 1}
	_, baseID, err := base.Execute(context.Background(), ir.BuildNode{
		ID:        "base",
		Operation: ir.Operation{Kind: ir.OpImage, Image: &ir.ImageOperation{Source: ir.ImageSourceScratch}},
	}, executor.ExecContext{})
	if err != nil {
		t.Fatalf("base Execute: %v", err)
	}

	ex := &execExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{
		ID: "touch",
		Operation: ir.Operation{
			Kind: ir.OpExec,
			Exec: &ir.ExecOperation{Command: []string{"touch", "marker"}},
		},
	}
	changes, _, err := ex.Execute(context.Background(), node, executor.ExecContext{LastSnapshotID: baseID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(changes.Added) != 1 || changes.Added[0] != "marker" {
		t.Fatalf("expected marker added, got %+v", changes)
	}
}

func TestExecExecutorMissingCommand(t *testing.T) {
	store := newStore(t)
	ex := &execExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{ID: "bad", Operation: ir.Operation{Kind: ir.OpExec, Exec: &ir.ExecOperation{}}}
	if _, _, err := ex.Execute(context.Background(), node, executor.ExecContext{}); err == nil {
		t.Fatal("expected an error for a command-less exec node")
	}
}

func TestFilesystemExecutorCopy(t *testing.T) {
	store := newStore(t)
	base := &imageExecutor{snapshots: store, maxConcurrency: 1}
	_, baseID, err := base.Execute(context.Background(), ir.BuildNode{
		ID:        "base",
		Operation: ir.Operation{Kind: ir.OpImage, Image: &ir.ImageOperation{Source: ir.ImageSourceScratch}},
	}, executor.ExecContext{})
	if err != nil {
		t.Fatalf("base Execute: %v", err)
	}

	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "hello.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	ex := &filesystemExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{
		ID: "copy",
		Operation: ir.Operation{
			Kind: ir.OpFilesystem,
			Filesystem: &ir.FilesystemOperation{
				Action:      ir.FSCopy,
				Source:      srcDir,
				Destination: "app",
			},
		},
	}
	changes, _, err := ex.Execute(context.Background(), node, executor.ExecContext{LastSnapshotID: baseID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	found := false
	for _, a := range changes.Added {
		if a == filepath.Join("app", "hello.txt") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected app/hello.txt added, got %+v", changes)
	}
}

func TestFilesystemExecutorUnsupportedAction(t *testing.T) {
	store := newStore(t)
	ex := &filesystemExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{
		ID: "bad",
		Operation: ir.Operation{
			Kind:       ir.OpFilesystem,
			Filesystem: &ir.FilesystemOperation{Action: ir.FilesystemAction("bogus"), Destination: "x"},
		},
	}
	if _, _, err := ex.Execute(context.Background(), node, executor.ExecContext{}); err == nil {
		t.Fatal("expected an error for an unsupported filesystem action")
	}
}

func TestMetadataExecutorReusesParentSnapshot(t *testing.T) {
	store := newStore(t)
	base := &imageExecutor{snapshots: store, maxConcurrency: 1}
	_, baseID, err := base.Execute(context.Background(), ir.BuildNode{
		ID:        "base",
		Operation: ir.Operation{Kind: ir.OpImage, Image: &ir.ImageOperation{Source: ir.ImageSourceScratch}},
	}, executor.ExecContext{})
	if err != nil {
		t.Fatalf("base Execute: %v", err)
	}

	ex := &metadataExecutor{snapshots: store, maxConcurrency: 1}
	node := ir.BuildNode{
		ID:        "env",
		Operation: ir.Operation{Kind: ir.OpMetadata, Metadata: &ir.MetadataOperation{Action: ir.MetaEnv, Key: "FOO", Value: "bar"}},
	}
	changes, snapID, err := ex.Execute(context.Background(), node, executor.ExecContext{LastSnapshotID: baseID})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if snapID != baseID {
		t.Fatalf("expected metadata node to reuse parent snapshot %q, got %q", baseID, snapID)
	}
	if len(changes.Added)+len(changes.Modified)+len(changes.Deleted) != 0 {
		t.Fatalf("expected zero filesystem delta, got %+v", changes)
	}
}

func TestRegisterDefaultsRegistersAllKinds(t *testing.T) {
	store := newStore(t)
	reg := executor.NewRegistry()
	RegisterDefaults(reg, store, 2)

	for _, kind := range []ir.OperationKind{ir.OpImage, ir.OpExec, ir.OpFilesystem, ir.OpMetadata} {
		if _, err := reg.Select(executor.Requirement{Kind: kind}); err != nil {
			t.Fatalf("Select(%s): %v", kind, err)
		}
	}
}
