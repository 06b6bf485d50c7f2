// Package executor implements the build engine's executor registry and
// capability-scoring dispatcher. The per-executor-kind concurrency permit is
// built directly on pool.Pool: each registered executor gets its own pool of
// permit Resources sized to its advertised MaxConcurrency, pre-warmed at
// Register time, with Acquire/Release standing in for "checking out" and
// "returning" a permit instead of a reusable container handle.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/kerr"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
	"github.com/kestrelcontainers/kestrel/pool"
)

// Capabilities is what an executor advertises about itself at registration
// time, per spec.md §4.13.
type Capabilities struct {
	Kinds          []ir.OperationKind
	Platforms      []string // empty means any platform
	Privileged     bool     // can run privileged nodes
	MinMemoryMB    int64
	MinDiskMB      int64
	MinCPUArch     string
	MaxConcurrency int
}

func (c Capabilities) supportsKind(k ir.OperationKind) bool {
	for _, kk := range c.Kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func (c Capabilities) supportsPlatform(platform string) (matched bool, exact bool) {
	if len(c.Platforms) == 0 {
		return true, false
	}
	for _, p := range c.Platforms {
		if p == platform {
			return true, true
		}
	}
	return false, false
}

// ExecContext carries the scheduler's accumulated execution state into a
// node's execution, per spec.md §4.14.
type ExecContext struct {
	Platform       string
	Env            map[string]string
	WorkingDir     string
	User           string
	LastSnapshotID string
	ImageConfig    ImageConfig

	// ContextRoot is the build context directory; filesystem executors join
	// it against a same-stage COPY/ADD source.
	ContextRoot string
	// StageSnapshots maps a stage name/id to that stage's final committed
	// snapshot id, letting a cross-stage COPY --from resolve its source
	// against another stage's output rather than the host filesystem.
	StageSnapshots map[string]string
}

// ImageConfig is the accumulator for image-config fields Metadata operations
// mutate over a stage's execution.
type ImageConfig struct {
	Env          map[string]string
	Labels       map[string]string
	Entrypoint   string
	Cmd          string
	Healthcheck  string
	ExposedPorts []string
	Volumes      []string
	StopSignal   string
	User         string
	Workdir      string
}

// Executor runs a single build node to completion, returning the committed
// snapshot and the filesystem changes it produced.
type Executor interface {
	Capabilities() Capabilities
	Execute(ctx context.Context, node ir.BuildNode, execCtx ExecContext) (snapshot.Changes, string, error)
}

type registeredExecutor struct {
	name     string
	executor Executor
	permits  *pool.Pool // capacity MaxConcurrency, pre-warmed with permit Resources
}

// Registry holds every registered executor and its concurrency permits.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]*registeredExecutor
}

func NewRegistry() *Registry {
	return &Registry{executors: map[string]*registeredExecutor{}}
}

// Register adds ex under name, sizing its concurrency-permit pool to its
// advertised MaxConcurrency (minimum 1).
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	max := ex.Capabilities().MaxConcurrency
	if max < 1 {
		max = 1
	}
	next := 0
	newPermit := func(ctx context.Context) (*pool.Resource, error) {
		next++
		return &pool.Resource{ID: fmt.Sprintf("%s-permit-%d", name, next)}, nil
	}
	stopPermit := func(ctx context.Context, res *pool.Resource) {}
	permits, _ := pool.NewPool(context.Background(), max, newPermit, stopPermit) // newPermit never errors
	r.executors[name] = &registeredExecutor{name: name, executor: ex, permits: permits}
}

// candidate scoring per spec.md §4.13: +100 declared kind support, +50 exact
// platform match or +25 any-platform, +10 privileged match. Executors that
// cannot meet required platform/privilege/resource constraints are excluded
// outright.
type candidate struct {
	name  string
	entry *registeredExecutor
	score int
}

// Requirement is what a node needs from a candidate executor, derived from
// its operation kind, constraints, and the target platform.
type Requirement struct {
	Kind        ir.OperationKind
	Platform    string
	Privileged  bool
	MinMemoryMB int64
	MinDiskMB   int64
	MinCPUArch  string
}

// Select scores every registered executor against req and returns the
// highest-scoring match, ties broken by first match (registration/map-range
// order is not guaranteed stable, so callers that need determinism should
// register executors once at startup and rely on score separation).
func (r *Registry) Select(req Requirement) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *candidate
	for name, entry := range r.executors {
		caps := entry.executor.Capabilities()
		if !caps.supportsKind(req.Kind) {
			continue
		}
		if req.Privileged && !caps.Privileged {
			continue
		}
		platformOK, exactPlatform := caps.supportsPlatform(req.Platform)
		if !platformOK {
			continue
		}
		if caps.MinMemoryMB > 0 && req.MinMemoryMB > 0 && caps.MinMemoryMB > req.MinMemoryMB {
			continue
		}
		if caps.MinDiskMB > 0 && req.MinDiskMB > 0 && caps.MinDiskMB > req.MinDiskMB {
			continue
		}
		if caps.MinCPUArch != "" && req.MinCPUArch != "" && caps.MinCPUArch != req.MinCPUArch {
			continue
		}

		score := 100
		if exactPlatform {
			score += 50
		} else {
			score += 25
		}
		if req.Privileged && caps.Privileged {
			score += 10
		}

		c := candidate{name: name, entry: entry, score: score}
		if best == nil || c.score > best.score {
			best = &c
		}
	}
	if best == nil {
		return "", kerr.NotFoundf("no executor satisfies requirement %+v", req)
	}
	return best.name, nil
}

// Acquire blocks until a concurrency permit for the named executor is
// available, or ctx is cancelled.
func (r *Registry) Acquire(ctx context.Context, name string) (Release func(), err error) {
	r.mu.RLock()
	entry, ok := r.executors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, kerr.NotFoundf("executor %q not registered", name)
	}

	res, err := entry.permits.Acquire(ctx)
	if err != nil {
		return nil, kerr.Wrap(kerr.Cancelled, fmt.Sprintf("acquire permit for %q", name), err)
	}
	return func() { entry.permits.Release(context.Background(), res) }, nil
}

// Dispatch selects an executor for req, acquires its permit for the duration
// of node's execution, runs it, and releases the permit on every exit path.
func (r *Registry) Dispatch(ctx context.Context, req Requirement, node ir.BuildNode, execCtx ExecContext) (snapshot.Changes, string, error) {
	name, err := r.Select(req)
	if err != nil {
		return snapshot.Changes{}, "", err
	}
	release, err := r.Acquire(ctx, name)
	if err != nil {
		return snapshot.Changes{}, "", err
	}
	defer release()

	r.mu.RLock()
	entry := r.executors[name]
	r.mu.RUnlock()

	return entry.executor.Execute(ctx, node, execCtx)
}
