// Package ir defines the build engine's intermediate representation: stages,
// nodes, and a tagged-sum of operation variants, plus the content-digest and
// cache-key discipline that lets the scheduler memoize node execution.
//
// There is no direct teacher analogue for a build IR; grounded on the
// visitor-over-tagged-sum structure implied by spec.md §3/§9 and on the same
// digest discipline the teacher applies to its host key material, here using
// crypto/sha256 per the daemon's `algo:hex` digest wire format.
package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

// OperationKind discriminates the Operation tagged sum.
type OperationKind string

const (
	OpImage    OperationKind = "image"
	OpExec     OperationKind = "exec"
	OpFilesystem OperationKind = "filesystem"
	OpMetadata OperationKind = "metadata"
)

// ImageSource discriminates where an Image operation's base layer comes
// from.
type ImageSource string

const (
	ImageSourceRegistry  ImageSource = "registry"
	ImageSourceScratch   ImageSource = "scratch"
	ImageSourceOCILayout ImageSource = "ociLayout"
	ImageSourceTarball   ImageSource = "tarball"
)

// FilesystemAction discriminates a Filesystem operation's verb.
type FilesystemAction string

const (
	FSCopy     FilesystemAction = "copy"
	FSAdd      FilesystemAction = "add"
	FSRemove   FilesystemAction = "remove"
	FSMkdir    FilesystemAction = "mkdir"
	FSSymlink  FilesystemAction = "symlink"
	FSHardlink FilesystemAction = "hardlink"
)

// MetadataAction discriminates a Metadata operation's image-config field.
type MetadataAction string

const (
	MetaEnv         MetadataAction = "env"
	MetaLabel       MetadataAction = "label"
	MetaArg         MetadataAction = "arg"
	MetaExpose      MetadataAction = "expose"
	MetaWorkdir     MetadataAction = "workdir"
	MetaUser        MetadataAction = "user"
	MetaEntrypoint  MetadataAction = "entrypoint"
	MetaCmd         MetadataAction = "cmd"
	MetaShell       MetadataAction = "shell"
	MetaHealthcheck MetadataAction = "healthcheck"
	MetaStopSignal  MetadataAction = "stopSignal"
	MetaVolume      MetadataAction = "volume"
	MetaOnBuild     MetadataAction = "onBuild"
)

// ImageOperation is the Image variant's payload.
type ImageOperation struct {
	Source    ImageSource
	Reference string // registry ref, ociLayout path, or tarball path; unused for scratch
}

// ExecOperation is the Exec variant's payload.
type ExecOperation struct {
	Command     []string
	Env         map[string]string
	Mounts      []Mount
	Workdir     string
	User        string
	NetworkMode string
	Privileged  bool
}

// Mount describes a bind-style source attached to an Exec operation, whose
// source may itself reference another stage (a cross-stage dependency edge).
type Mount struct {
	SourceStage string
	SourcePath  string
	Target      string
	ReadOnly    bool
}

// FilesystemOperation is the Filesystem variant's payload.
type FilesystemOperation struct {
	Action      FilesystemAction
	SourceStage string // non-empty iff the source is another stage's output
	Source      string
	Destination string
	Mode        uint32
	Owner       string
}

// MetadataOperation is the Metadata variant's payload.
type MetadataOperation struct {
	Action MetadataAction
	Key    string
	Value  string
}

// Operation is the tagged sum of the four build operation variants. Exactly
// one of the typed payload fields is populated, matching Kind.
type Operation struct {
	Kind       OperationKind
	Image      *ImageOperation
	Exec       *ExecOperation
	Filesystem *FilesystemOperation
	Metadata   *MetadataOperation
}

// Digest computes the operation's stable content digest: "sha256:<hex>" over
// a canonical string encoding of its discriminant and payload fields, per
// spec.md §6's `algo:hex` wire format.
func (op Operation) Digest() string {
	var b strings.Builder
	b.WriteString(string(op.Kind))
	switch op.Kind {
	case OpImage:
		if op.Image != nil {
			fmt.Fprintf(&b, "|%s|%s", op.Image.Source, op.Image.Reference)
		}
	case OpExec:
		if e := op.Exec; e != nil {
			fmt.Fprintf(&b, "|%s|%s|%s|%s|%v", strings.Join(e.Command, " "), sortedEnv(e.Env), e.Workdir, e.User, e.Privileged)
			for _, m := range e.Mounts {
				fmt.Fprintf(&b, "|mount:%s:%s:%s:%v", m.SourceStage, m.SourcePath, m.Target, m.ReadOnly)
			}
		}
	case OpFilesystem:
		if f := op.Filesystem; f != nil {
			fmt.Fprintf(&b, "|%s|%s|%s|%s|%d|%s", f.Action, f.SourceStage, f.Source, f.Destination, f.Mode, f.Owner)
		}
	case OpMetadata:
		if m := op.Metadata; m != nil {
			fmt.Fprintf(&b, "|%s|%s|%s", m.Action, m.Key, m.Value)
		}
	}
	return digestString(b.String())
}

func sortedEnv(env map[string]string) string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s;", k, env[k])
	}
	return b.String()
}

func digestString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// BuildNode is one node in a stage's ordered node list.
type BuildNode struct {
	ID           string
	Operation    Operation
	Dependencies []string // other node ids, within or across stages
	CacheKey     string   // optional caller-supplied override
	Constraints  Constraints
}

// Constraints narrows which executors may run a node.
type Constraints struct {
	Platforms  []string
	Privileged bool
}

// Stage is an ordered list of nodes rooted at a base image operation.
type Stage struct {
	ID       string
	Name     string // optional, empty if unnamed
	Base     ImageOperation
	Nodes    []BuildNode
	Platform string // optional, inherits graph-level platform if empty
}

// Graph is the immutable, validated build graph.
type Graph struct {
	Stages    []Stage
	BuildArgs map[string]string
	Platforms []string
	Metadata  map[string]string
}

// nodeIndex speeds up dependency/cycle checks: id -> (stage index, node
// index).
type nodeIndex struct {
	stageIdx, nodeIdx int
}

// Validate rejects duplicate stage names, dangling dependency ids, and
// cyclic dependencies via a global DFS with recursion-stack detection,
// exactly as spec.md §4.9 requires.
func (g *Graph) Validate() error {
	names := map[string]bool{}
	allNodes := map[string]nodeIndex{}

	for si, stage := range g.Stages {
		if stage.Name != "" {
			if names[stage.Name] {
				return kerr.InvalidArgumentf("duplicate stage name %q", stage.Name)
			}
			names[stage.Name] = true
		}
		for ni, node := range stage.Nodes {
			if _, exists := allNodes[node.ID]; exists {
				return kerr.InvalidArgumentf("duplicate node id %q", node.ID)
			}
			allNodes[node.ID] = nodeIndex{si, ni}
		}
	}

	for _, stage := range g.Stages {
		for _, node := range stage.Nodes {
			for _, dep := range node.Dependencies {
				if _, ok := allNodes[dep]; !ok {
					return kerr.InvalidArgumentf("node %q depends on unknown id %q", node.ID, dep)
				}
			}
		}
	}

	return g.detectCycles(allNodes)
}

func (g *Graph) detectCycles(allNodes map[string]nodeIndex) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(allNodes))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return kerr.InvalidArgumentf("dependency cycle detected: %s -> %s", strings.Join(path, " -> "), id)
		}
		color[id] = gray
		idx := allNodes[id]
		node := g.Stages[idx.stageIdx].Nodes[idx.nodeIdx]
		for _, dep := range node.Dependencies {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}

	for id := range allNodes {
		if color[id] == white {
			if err := visit(id, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// CacheKey computes node's cache key: the sha256 digest of the operation
// digest concatenated with its sorted dependency cache keys, platform, and
// sorted caller-supplied extra inputs, per spec.md §3/§4.9. depKeys must
// already be resolved (the scheduler computes dependency cache keys before
// their dependents).
func CacheKey(node BuildNode, depKeys []string, platform string, extraInputs ...string) string {
	sorted := append([]string(nil), depKeys...)
	sort.Strings(sorted)
	extra := append([]string(nil), extraInputs...)
	sort.Strings(extra)

	var b strings.Builder
	b.WriteString(node.Operation.Digest())
	for _, k := range sorted {
		b.WriteString("|dep:" + k)
	}
	b.WriteString("|platform:" + platform)
	for _, e := range extra {
		b.WriteString("|extra:" + e)
	}
	return digestString(b.String())
}
