// Package graphbuild provides the fluent stage/node construction API, a
// Dockerfile-style frontend, and the dependency/validator/semantic analyzer
// pipeline run on build(). Grounded on the teacher's workspace.go staged,
// chainable Prepare/Hydrate construction, generalized here to the
// stage/node fluent API spec.md §4.10 names.
package graphbuild

import (
	"fmt"

	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/reporter"
)

// Builder accumulates stages fluently, then runs the analyzer pipeline on
// Build().
type Builder struct {
	stages    []*stageBuilder
	buildArgs map[string]string
	platforms []string
	metadata  map[string]string
	rep       *reporter.Reporter
}

// New returns a Builder that emits analyzer/build events on rep, which may
// be nil to run silently.
func New(rep *reporter.Reporter) *Builder {
	return &Builder{buildArgs: map[string]string{}, metadata: map[string]string{}, rep: rep}
}

func (b *Builder) emit(ev reporter.Event) {
	if b.rep != nil {
		b.rep.Emit(ev)
	}
}

// Arg records a build arg available to every stage.
func (b *Builder) Arg(key, value string) *Builder {
	b.buildArgs[key] = value
	return b
}

// Platform adds a target platform.
func (b *Builder) Platform(p string) *Builder {
	b.platforms = append(b.platforms, p)
	return b
}

// Stage begins a new stage from a registry image reference.
func (b *Builder) Stage(id, name, imageRef string) *stageBuilder {
	sb := &stageBuilder{
		builder: b,
		stage: ir.Stage{
			ID:   id,
			Name: name,
			Base: ir.ImageOperation{Source: ir.ImageSourceRegistry, Reference: imageRef},
		},
	}
	b.stages = append(b.stages, sb)
	b.emit(reporter.Event{Kind: reporter.EventStageAdded, StageID: id})
	return sb
}

// Scratch begins a new stage with an empty base image.
func (b *Builder) Scratch(id, name string) *stageBuilder {
	sb := &stageBuilder{
		builder: b,
		stage:   ir.Stage{ID: id, Name: name, Base: ir.ImageOperation{Source: ir.ImageSourceScratch}},
	}
	b.stages = append(b.stages, sb)
	b.emit(reporter.Event{Kind: reporter.EventStageAdded, StageID: id})
	return sb
}

func (b *Builder) stageByName(name string) (*stageBuilder, bool) {
	for _, s := range b.stages {
		if s.stage.Name == name {
			return s, true
		}
	}
	return nil, false
}

// stageBuilder accumulates nodes within one stage. Dependency edges default
// to sequential: each node depends on the previous one added to the stage.
type stageBuilder struct {
	builder *Builder
	stage   ir.Stage
}

func (sb *stageBuilder) addNode(op ir.Operation, extraDeps ...string) *stageBuilder {
	id := fmt.Sprintf("%s-n%d", sb.stage.ID, len(sb.stage.Nodes))
	var deps []string
	if n := len(sb.stage.Nodes); n > 0 {
		deps = append(deps, sb.stage.Nodes[n-1].ID)
	}
	deps = append(deps, extraDeps...)
	node := ir.BuildNode{ID: id, Operation: op, Dependencies: deps}
	sb.stage.Nodes = append(sb.stage.Nodes, node)
	sb.builder.emit(reporter.Event{Kind: reporter.EventNodeAdded, StageID: sb.stage.ID, NodeID: id})
	return sb
}

// Run adds an Exec node.
func (sb *stageBuilder) Run(command []string, opts ...func(*ir.ExecOperation)) *stageBuilder {
	e := &ir.ExecOperation{Command: command, Env: map[string]string{}}
	for _, opt := range opts {
		opt(e)
	}
	return sb.addNode(ir.Operation{Kind: ir.OpExec, Exec: e})
}

// Copy adds a Filesystem copy node from a local path.
func (sb *stageBuilder) Copy(src, dst string) *stageBuilder {
	return sb.addNode(ir.Operation{Kind: ir.OpFilesystem, Filesystem: &ir.FilesystemOperation{
		Action: ir.FSCopy, Source: src, Destination: dst,
	}})
}

// CopyFromStage adds a Filesystem copy node whose source is another stage's
// final output. The dependency edge is the cross-stage edge spec.md §4.10
// describes: it depends on the last node of the named stage.
func (sb *stageBuilder) CopyFromStage(stageName, src, dst string) *stageBuilder {
	srcStage, ok := sb.builder.stageByName(stageName)
	if !ok || len(srcStage.stage.Nodes) == 0 {
		return sb.addNode(ir.Operation{Kind: ir.OpFilesystem, Filesystem: &ir.FilesystemOperation{
			Action: ir.FSCopy, SourceStage: stageName, Source: src, Destination: dst,
		}})
	}
	lastID := srcStage.stage.Nodes[len(srcStage.stage.Nodes)-1].ID
	return sb.addNode(ir.Operation{Kind: ir.OpFilesystem, Filesystem: &ir.FilesystemOperation{
		Action: ir.FSCopy, SourceStage: stageName, Source: src, Destination: dst,
	}}, lastID)
}

func (sb *stageBuilder) meta(action ir.MetadataAction, key, value string) *stageBuilder {
	return sb.addNode(ir.Operation{Kind: ir.OpMetadata, Metadata: &ir.MetadataOperation{Action: action, Key: key, Value: value}})
}

func (sb *stageBuilder) Env(key, value string) *stageBuilder        { return sb.meta(ir.MetaEnv, key, value) }
func (sb *stageBuilder) Workdir(dir string) *stageBuilder           { return sb.meta(ir.MetaWorkdir, "", dir) }
func (sb *stageBuilder) User(user string) *stageBuilder             { return sb.meta(ir.MetaUser, "", user) }
func (sb *stageBuilder) Label(key, value string) *stageBuilder      { return sb.meta(ir.MetaLabel, key, value) }
func (sb *stageBuilder) Expose(port string) *stageBuilder           { return sb.meta(ir.MetaExpose, "", port) }
func (sb *stageBuilder) Entrypoint(value string) *stageBuilder      { return sb.meta(ir.MetaEntrypoint, "", value) }
func (sb *stageBuilder) Cmd(value string) *stageBuilder             { return sb.meta(ir.MetaCmd, "", value) }
func (sb *stageBuilder) Healthcheck(value string) *stageBuilder     { return sb.meta(ir.MetaHealthcheck, "", value) }
func (sb *stageBuilder) Arg(key, value string) *stageBuilder        { return sb.meta(ir.MetaArg, key, value) }

// Stage returns to the parent Builder to start another stage or call Build.
func (sb *stageBuilder) Stage(id, name, imageRef string) *stageBuilder {
	return sb.builder.Stage(id, name, imageRef)
}

// Build runs the analyzer pipeline (dependency, validator, semantic, in
// order per spec.md §4.10) and returns the finished graph.
func (b *Builder) Build() (*ir.Graph, []SemanticFinding, error) {
	b.emit(reporter.Event{Kind: reporter.EventAnalyzing})

	stages := make([]ir.Stage, 0, len(b.stages))
	for _, sb := range b.stages {
		stages = append(stages, sb.stage)
	}
	g := &ir.Graph{Stages: stages, BuildArgs: b.buildArgs, Platforms: b.platforms, Metadata: b.metadata}

	g = RunDependencyAnalyzer(g)

	if err := RunValidator(g); err != nil {
		b.emit(reporter.Event{Kind: reporter.EventIRError, Message: err.Error()})
		return nil, nil, err
	}

	findings := RunSemanticAnalyzer(g)
	for _, f := range findings {
		b.emit(reporter.Event{Kind: reporter.EventIRInfo, Message: f.Message})
	}

	return g, findings, nil
}
