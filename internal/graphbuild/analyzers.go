package graphbuild

import (
	"fmt"

	"github.com/kestrelcontainers/kestrel/internal/ir"
)

// RunDependencyAnalyzer sets edges as the fluent API already described them
// (sequential-within-stage, explicit cross-stage via CopyFromStage/mounts):
// by the time Build() runs, every node already carries its dependency list,
// so this pass is a normalizing no-op today, kept as its own named step
// because spec.md §4.10 enumerates it as a distinct analyzer stage that a
// future frontend (e.g. one that doesn't go through the fluent builder) must
// also run.
func RunDependencyAnalyzer(g *ir.Graph) *ir.Graph {
	return g
}

// RunValidator rejects duplicate stage names/node ids, dangling dependency
// ids, and dependency cycles by delegating to ir.Graph's own invariant
// check.
func RunValidator(g *ir.Graph) error {
	return g.Validate()
}

// SemanticFindingKind categorizes an advisory finding from the semantic
// analyzer.
type SemanticFindingKind string

const (
	FindingLayerEfficiency SemanticFindingKind = "layerEfficiency"
	FindingCacheInvalidator SemanticFindingKind = "cacheInvalidator"
	FindingSecurity        SemanticFindingKind = "security"
	FindingSize            SemanticFindingKind = "size"
)

// SemanticFinding is one advisory hint the semantic analyzer surfaces.
type SemanticFinding struct {
	Kind    SemanticFindingKind
	StageID string
	NodeID  string
	Message string
}

// RunSemanticAnalyzer returns advisory findings synchronously as a slice
// rather than over a reporting channel: spec.md §9's open question notes the
// original's channel-based delivery introduced non-deterministic event
// ordering in its own test suite, so kestrel collects findings into an
// ordered slice instead and leaves event emission (if any) to the caller.
func RunSemanticAnalyzer(g *ir.Graph) []SemanticFinding {
	var findings []SemanticFinding

	for _, stage := range g.Stages {
		var runCount int
		for i, node := range stage.Nodes {
			if node.Operation.Kind == ir.OpExec {
				runCount++
			}
			if isCacheInvalidatingMetadata(node) && i < len(stage.Nodes)-1 {
				findings = append(findings, SemanticFinding{
					Kind: FindingCacheInvalidator, StageID: stage.ID, NodeID: node.ID,
					Message: fmt.Sprintf("metadata node %q before later instructions invalidates their cache on every change", node.ID),
				})
			}
			if node.Operation.Kind == ir.OpExec && node.Operation.Exec != nil && node.Operation.Exec.Privileged {
				findings = append(findings, SemanticFinding{
					Kind: FindingSecurity, StageID: stage.ID, NodeID: node.ID,
					Message: fmt.Sprintf("node %q runs privileged", node.ID),
				})
			}
			if node.Operation.Kind == ir.OpFilesystem && node.Operation.Filesystem != nil && node.Operation.Filesystem.Destination == "/" {
				findings = append(findings, SemanticFinding{
					Kind: FindingSize, StageID: stage.ID, NodeID: node.ID,
					Message: fmt.Sprintf("node %q writes to the image root, likely to inflate every layer above it", node.ID),
				})
			}
		}
		if runCount > 3 {
			findings = append(findings, SemanticFinding{
				Kind: FindingLayerEfficiency, StageID: stage.ID,
				Message: fmt.Sprintf("stage %q has %d separate run instructions; consider combining them into fewer layers", stageName(stage), runCount),
			})
		}
	}
	return findings
}

func isCacheInvalidatingMetadata(node ir.BuildNode) bool {
	if node.Operation.Kind != ir.OpMetadata || node.Operation.Metadata == nil {
		return false
	}
	switch node.Operation.Metadata.Action {
	case ir.MetaArg, ir.MetaEnv:
		return true
	default:
		return false
	}
}

func stageName(s ir.Stage) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
