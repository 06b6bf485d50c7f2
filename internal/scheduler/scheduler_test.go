package scheduler

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/cache"
	"github.com/kestrelcontainers/kestrel/internal/executor"
	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/reporter"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
)

type countingExecutor struct {
	calls int32
	fail  bool
}

func (e *countingExecutor) Capabilities() executor.Capabilities {
	return executor.Capabilities{Kinds: []ir.OperationKind{ir.OpExec, ir.OpFilesystem, ir.OpMetadata}, MaxConcurrency: 4}
}

func (e *countingExecutor) Execute(ctx context.Context, node ir.BuildNode, execCtx executor.ExecContext) (snapshot.Changes, string, error) {
	atomic.AddInt32(&e.calls, 1)
	if e.fail {
		return snapshot.Changes{}, "", context.DeadlineExceeded
	}
	return snapshot.Changes{Added: []string{node.ID}, SizeDelta: 1}, "snap-" + node.ID, nil
}

func newTestScheduler(t *testing.T, cfg Config, ex *countingExecutor) *Scheduler {
	t.Helper()
	snaps, err := snapshot.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	reg := executor.NewRegistry()
	reg.Register("fake", ex)

	return New(snaps, c, reporter.New(), reg, cfg)
}

func execNode(id string, deps ...string) ir.BuildNode {
	return ir.BuildNode{ID: id, Operation: ir.Operation{Kind: ir.OpExec, Exec: &ir.ExecOperation{Command: []string{"true"}}}, Dependencies: deps}
}

func TestRunExecutesAllNodesInOrder(t *testing.T) {
	ex := &countingExecutor{}
	s := newTestScheduler(t, Config{MaxConcurrency: 2}, ex)

	g := &ir.Graph{Stages: []ir.Stage{{ID: "s0", Nodes: []ir.BuildNode{
		execNode("n0"),
		execNode("n1", "n0"),
		execNode("n2", "n0"),
	}}}}

	results, err := s.Run(context.Background(), g, "arm64")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if ex.calls != 3 {
		t.Fatalf("expected executor invoked 3 times, got %d", ex.calls)
	}
}

func TestRunCacheHitSkipsExecution(t *testing.T) {
	ex := &countingExecutor{}
	s := newTestScheduler(t, Config{MaxConcurrency: 1}, ex)

	g := &ir.Graph{Stages: []ir.Stage{{ID: "s0", Nodes: []ir.BuildNode{execNode("n0")}}}}

	if _, err := s.Run(context.Background(), g, "arm64"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if ex.calls != 1 {
		t.Fatalf("expected 1 execution, got %d", ex.calls)
	}

	results, err := s.Run(context.Background(), g, "arm64")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ex.calls != 1 {
		t.Fatalf("expected cache hit to skip re-execution, calls=%d", ex.calls)
	}
	if !results[0].CacheHit {
		t.Fatalf("expected second run's result to report a cache hit")
	}
}

func TestRunFailFastStopsOnFirstError(t *testing.T) {
	ex := &countingExecutor{fail: true}
	s := newTestScheduler(t, Config{MaxConcurrency: 2, FailFast: true}, ex)

	g := &ir.Graph{Stages: []ir.Stage{{ID: "s0", Nodes: []ir.BuildNode{execNode("n0")}}}}

	_, err := s.Run(context.Background(), g, "arm64")
	if err == nil {
		t.Fatalf("expected failure to propagate with fail-fast")
	}
}

func TestRunCollectsFailuresWithoutFailFast(t *testing.T) {
	ex := &countingExecutor{fail: true}
	s := newTestScheduler(t, Config{MaxConcurrency: 2, FailFast: false}, ex)

	g := &ir.Graph{Stages: []ir.Stage{{ID: "s0", Nodes: []ir.BuildNode{
		execNode("n0"),
		execNode("n1"),
	}}}}

	results, err := s.Run(context.Background(), g, "arm64")
	if err == nil {
		t.Fatalf("expected the collected error to surface even without fail-fast")
	}
	if len(results) != 2 {
		t.Fatalf("expected both independent nodes to still run, got %d results", len(results))
	}
}

func TestOnCompleteCallbackRuns(t *testing.T) {
	ex := &countingExecutor{}
	s := newTestScheduler(t, Config{MaxConcurrency: 1}, ex)

	var seen []string
	s.OnComplete(func(r Result) { seen = append(seen, r.NodeID) })

	g := &ir.Graph{Stages: []ir.Stage{{ID: "s0", Nodes: []ir.BuildNode{execNode("n0")}}}}
	if _, err := s.Run(context.Background(), g, "arm64"); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0] != "n0" {
		t.Fatalf("expected callback to observe n0, got %+v", seen)
	}
}
