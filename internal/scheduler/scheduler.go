// Package scheduler executes a validated build graph with maximum
// parallelism subject to data dependencies: stages run one after another in
// declaration order, independent nodes within a stage run concurrently up to
// a global limit,
// cache hits bypass execution, and misses dispatch through the executor
// registry and commit a snapshot.
//
// Grounded on golang.org/x/sync/errgroup for stage fan-out — the teacher
// only pulls golang.org/x/sync in indirectly today; the scheduler is the
// first direct consumer in this tree. The per-executor-kind concurrency
// permit itself lives one layer down, in internal/executor's pool.Pool.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kestrelcontainers/kestrel/internal/cache"
	"github.com/kestrelcontainers/kestrel/internal/executor"
	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/reporter"
	"github.com/kestrelcontainers/kestrel/internal/snapshot"
)

// Config holds the scheduler's run-time tunables, per spec.md §4.14.
type Config struct {
	MaxConcurrency int
	FailFast       bool
	// ContextRoot is the build context directory that same-stage COPY/ADD
	// sources resolve against; threaded into executor.ExecContext for every
	// node dispatched.
	ContextRoot string
}

// Scheduler executes a validated graph against a snapshotter, cache,
// reporter, and dispatcher.
type Scheduler struct {
	snapshots *snapshot.Store
	cache     *cache.Cache
	rep       *reporter.Reporter
	registry  *executor.Registry
	cfg       Config

	mu        sync.Mutex
	callbacks []func(result Result)
}

func New(snapshots *snapshot.Store, c *cache.Cache, rep *reporter.Reporter, registry *executor.Registry, cfg Config) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return &Scheduler{snapshots: snapshots, cache: c, rep: rep, registry: registry, cfg: cfg}
}

// OnComplete registers a callback run after every node in the graph has
// finished (successfully or not), per spec.md §4.14.
func (s *Scheduler) OnComplete(cb func(result Result)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, cb)
	s.mu.Unlock()
}

// Result is one node's outcome.
type Result struct {
	NodeID    string
	CacheHit  bool
	SnapshotID string
	Err       error
}

func (s *Scheduler) emit(ev reporter.Event) {
	if s.rep != nil {
		s.rep.Emit(ev)
	}
}

// Run executes every stage in declaration order; stages are not reordered by
// their cross-stage references. graphbuild's CopyFromStage adds a dependency
// edge only when the named stage is already declared and has nodes; a
// reference to a later stage gets no edge and is not run first.
func (s *Scheduler) Run(ctx context.Context, g *ir.Graph, platform string) ([]Result, error) {
	s.emit(reporter.Event{Kind: reporter.EventGraphStarted})

	var all []Result
	nodeSnapshots := map[string]string{}  // node id -> committed snapshot id
	nodeCacheKeys := map[string]string{}  // node id -> computed cache key
	stageSnapshots := map[string]string{} // stage name/id -> final committed snapshot id

	for _, stage := range g.Stages {
		results, err := s.runStage(ctx, stage, platform, nodeSnapshots, nodeCacheKeys, stageSnapshots)
		all = append(all, results...)
		if err != nil {
			s.emit(reporter.Event{Kind: reporter.EventGraphCompleted, Message: "failed"})
			s.runCallbacks(all)
			return all, err
		}
		if snap := stageFinalSnapshot(stage, results, nodeSnapshots); snap != "" {
			stageSnapshots[stage.ID] = snap
			if stage.Name != "" {
				stageSnapshots[stage.Name] = snap
			}
		}
	}

	s.emit(reporter.Event{Kind: reporter.EventGraphCompleted})
	s.runCallbacks(all)
	return all, nil
}

// stageFinalSnapshot returns the committed snapshot id of a stage's last
// declared node (or its base image node, if the stage added none), the
// same "last node wins" rule cmd/kestrel uses to pick a build's own output.
func stageFinalSnapshot(stage ir.Stage, results []Result, nodeSnapshots map[string]string) string {
	finalNodeID := stage.ID + "-base"
	if n := len(stage.Nodes); n > 0 {
		finalNodeID = stage.Nodes[n-1].ID
	}
	if snap, ok := nodeSnapshots[finalNodeID]; ok {
		return snap
	}
	for _, r := range results {
		if r.NodeID == finalNodeID {
			return r.SnapshotID
		}
	}
	return ""
}

func (s *Scheduler) runCallbacks(results []Result) {
	s.mu.Lock()
	callbacks := append([]func(result Result){}, s.callbacks...)
	s.mu.Unlock()
	for _, cb := range callbacks {
		for _, r := range results {
			cb(r)
		}
	}
}

func (s *Scheduler) runStage(ctx context.Context, stage ir.Stage, platform string, nodeSnapshots, nodeCacheKeys, stageSnapshots map[string]string) ([]Result, error) {
	order, err := topoSort(stage.Nodes)
	if err != nil {
		return nil, err
	}

	baseNode := ir.BuildNode{ID: stage.ID + "-base", Operation: ir.Operation{Kind: ir.OpImage, Image: &stage.Base}}
	baseResult := s.executeNode(ctx, baseNode, platform, nodeSnapshots, nodeCacheKeys, stageSnapshots)
	results := []Result{baseResult}
	if baseResult.Err != nil {
		return results, fmt.Errorf("scheduler: stage %s base image: %w", stage.ID, baseResult.Err)
	}

	nodeResults := make([]Result, len(order))
	resultByID := map[string]*Result{}

	var mu sync.Mutex
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	// errgroup's own ctx cancellation on the first returned error gives
	// fail-fast propagation for free; the non-fail-fast path below simply
	// never returns a node's error from its goroutine.
	grp, gctx := errgroup.WithContext(ctx)

	byID := map[string]ir.BuildNode{}
	for _, n := range stage.Nodes {
		if len(n.Dependencies) == 0 {
			n.Dependencies = []string{baseNode.ID}
		}
		byID[n.ID] = n
	}

	var failed error
	var failedMu sync.Mutex

	for i, id := range order {
		i, id := i, id
		node := byID[id]

		runNode := func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			r := s.executeNode(gctx, node, platform, nodeSnapshots, nodeCacheKeys, stageSnapshots)
			mu.Lock()
			nodeResults[i] = r
			resultByID[id] = &nodeResults[i]
			mu.Unlock()
			if r.Err != nil {
				if s.cfg.FailFast {
					return r.Err
				}
				failedMu.Lock()
				if failed == nil {
					failed = r.Err
				}
				failedMu.Unlock()
			}
			return nil
		}

		if s.cfg.FailFast {
			grp.Go(runNode)
		} else {
			// Without fail-fast, still bound concurrency via the errgroup but
			// never propagate a node's error as the group's cancellation
			// cause, so independent siblings keep running.
			grp.Go(func() error {
				_ = runNode()
				return nil
			})
		}
	}

	groupErr := grp.Wait()
	results = append(results, nodeResults...)
	if s.cfg.FailFast && groupErr != nil {
		return results, groupErr
	}
	if failed != nil {
		return results, failed
	}
	return results, nil
}

// executeNode computes node's cache key from its operation digest plus its
// dependencies' already-computed cache keys and the platform (unless the
// node carries its own CacheKey), checks the cache, and on a miss dispatches
// through the registry and commits the resulting snapshot.
func (s *Scheduler) executeNode(ctx context.Context, node ir.BuildNode, platform string, nodeSnapshots, nodeCacheKeys, stageSnapshots map[string]string) Result {
	s.emit(reporter.Event{Kind: reporter.EventNodeStarted, NodeID: node.ID})

	depKeys := make([]string, 0, len(node.Dependencies))
	var parentSnapshot string
	for _, dep := range node.Dependencies {
		if k, ok := nodeCacheKeys[dep]; ok {
			depKeys = append(depKeys, k)
		}
		if snap, ok := nodeSnapshots[dep]; ok {
			parentSnapshot = snap // last dependency wins; single-parent chain per node
		}
	}

	key := node.CacheKey
	if key == "" {
		key = ir.CacheKey(node, depKeys, platform)
	}
	nodeCacheKeys[node.ID] = key

	if s.cache != nil {
		if cached, ok, err := s.cache.Get(key, string(node.Operation.Kind)); err == nil && ok {
			nodeSnapshots[node.ID] = cached.SnapshotID
			s.emit(reporter.Event{Kind: reporter.EventNodeCompleted, NodeID: node.ID, CacheHit: true})
			return Result{NodeID: node.ID, CacheHit: true, SnapshotID: cached.SnapshotID}
		}
	}

	req := executor.Requirement{Kind: node.Operation.Kind, Platform: platform, Privileged: node.Constraints.Privileged}
	execCtx := executor.ExecContext{
		Platform:       platform,
		LastSnapshotID: parentSnapshot,
		ContextRoot:    s.cfg.ContextRoot,
		StageSnapshots: stageSnapshots,
	}

	changes, snapID, err := s.registry.Dispatch(ctx, req, node, execCtx)
	if err != nil {
		s.emit(reporter.Event{Kind: reporter.EventNodeFailed, NodeID: node.ID, Message: err.Error()})
		return Result{NodeID: node.ID, Err: fmt.Errorf("scheduler: node %s: %w", node.ID, err)}
	}

	nodeSnapshots[node.ID] = snapID
	if s.cache != nil {
		_ = s.cache.Put(key, string(node.Operation.Kind), platform, cache.Result{
			SnapshotID: snapID, SizeDelta: changes.SizeDelta,
			AddedPaths: changes.Added, ModifiedPaths: changes.Modified, DeletedPaths: changes.Deleted,
		})
		// Best-effort: a blob archive failure never fails the build, only
		// the durability of a future cold-start rehydration.
		if err := s.cache.PutBlob(snapID, s.snapshots.Path(snapID)); err != nil {
			s.emit(reporter.Event{Kind: reporter.EventNodeCompleted, NodeID: node.ID, Message: fmt.Sprintf("blob archive failed: %v", err)})
		}
	}

	s.emit(reporter.Event{Kind: reporter.EventNodeCompleted, NodeID: node.ID, CacheHit: false, SizeDelta: changes.SizeDelta})
	return Result{NodeID: node.ID, SnapshotID: snapID}
}

// topoSort orders a stage's nodes so every dependency precedes its
// dependent, via Kahn's algorithm. The graph has already passed
// ir.Graph.Validate's cycle check by the time the scheduler runs.
func topoSort(nodes []ir.BuildNode) ([]string, error) {
	indegree := map[string]int{}
	dependents := map[string][]string{}
	byID := map[string]ir.BuildNode{}
	for _, n := range nodes {
		byID[n.ID] = n
		if _, ok := indegree[n.ID]; !ok {
			indegree[n.ID] = 0
		}
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, ok := byID[dep]; !ok {
				continue // cross-stage dependency, already satisfied by an earlier stage
			}
			indegree[n.ID]++
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	var ready []string
	for _, n := range nodes {
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		var newlyReady []string
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sort.Strings(newlyReady)
		ready = append(ready, newlyReady...)
	}

	if len(order) != len(nodes) {
		return nil, fmt.Errorf("scheduler: topological sort could not order all nodes (cycle?)")
	}
	return order, nil
}
