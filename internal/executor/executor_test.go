package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
)

type fakeExecutor struct {
	caps    Capabilities
	running int32
	maxSeen int32
	mu      sync.Mutex
}

func (f *fakeExecutor) Capabilities() Capabilities { return f.caps }

func (f *fakeExecutor) Execute(ctx context.Context, node ir.BuildNode, execCtx ExecContext) (snapshot.Changes, string, error) {
	n := atomic.AddInt32(&f.running, 1)
	f.mu.Lock()
	if n > f.maxSeen {
		f.maxSeen = n
	}
	f.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(&f.running, -1)
	return snapshot.Changes{}, "snap-x", nil
}

func TestSelectScoresExactPlatformHigher(t *testing.T) {
	r := NewRegistry()
	anyPlatform := &fakeExecutor{caps: Capabilities{Kinds: []ir.OperationKind{ir.OpExec}, MaxConcurrency: 1}}
	exactArm := &fakeExecutor{caps: Capabilities{Kinds: []ir.OperationKind{ir.OpExec}, Platforms: []string{"arm64"}, MaxConcurrency: 1}}
	r.Register("any", anyPlatform)
	r.Register("arm", exactArm)

	name, err := r.Select(Requirement{Kind: ir.OpExec, Platform: "arm64"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if name != "arm" {
		t.Fatalf("expected exact-platform executor to win, got %q", name)
	}
}

func TestSelectExcludesUnsupportedKind(t *testing.T) {
	r := NewRegistry()
	r.Register("fsonly", &fakeExecutor{caps: Capabilities{Kinds: []ir.OperationKind{ir.OpFilesystem}, MaxConcurrency: 1}})

	_, err := r.Select(Requirement{Kind: ir.OpExec, Platform: "arm64"})
	if err == nil {
		t.Fatalf("expected no executor to satisfy an exec requirement")
	}
}

func TestDispatchEnforcesMaxConcurrency(t *testing.T) {
	r := NewRegistry()
	fe := &fakeExecutor{caps: Capabilities{Kinds: []ir.OperationKind{ir.OpExec}, MaxConcurrency: 2}}
	r.Register("exec", fe)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Dispatch(ctx, Requirement{Kind: ir.OpExec, Platform: "arm64"}, ir.BuildNode{ID: "n"}, ExecContext{})
			if err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	if fe.maxSeen > 2 {
		t.Fatalf("expected at most 2 concurrent executions, saw %d", fe.maxSeen)
	}
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	r := NewRegistry()
	r.Register("exec", &fakeExecutor{caps: Capabilities{Kinds: []ir.OperationKind{ir.OpExec}, MaxConcurrency: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	release, err := r.Acquire(ctx, "exec")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	cancel()
	if _, err := r.Acquire(ctx, "exec"); err == nil {
		t.Fatalf("expected second Acquire to fail once the permit is held and ctx is cancelled")
	}
}
