package graphbuild

import (
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/ir"
	"github.com/kestrelcontainers/kestrel/internal/reporter"
)

func TestFluentBuildSequentialDependencies(t *testing.T) {
	b := New(nil)
	b.Stage("s0", "build", "golang:1.22").
		Run([]string{"go", "build", "./..."}).
		Copy("bin/app", "/usr/local/bin/app")

	g, findings, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("expected no findings, got %+v", findings)
	}
	if len(g.Stages) != 1 || len(g.Stages[0].Nodes) != 2 {
		t.Fatalf("expected one stage with two nodes, got %+v", g.Stages)
	}
	if len(g.Stages[0].Nodes[1].Dependencies) != 1 || g.Stages[0].Nodes[1].Dependencies[0] != g.Stages[0].Nodes[0].ID {
		t.Fatalf("expected second node to depend on first: %+v", g.Stages[0].Nodes)
	}
}

func TestCopyFromStageCreatesCrossStageEdge(t *testing.T) {
	b := New(nil)
	b.Stage("s0", "build", "golang:1.22").Run([]string{"go", "build", "-o", "bin/app"})
	b.Scratch("s1", "final").CopyFromStage("build", "bin/app", "/app")

	g, _, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	final := g.Stages[1].Nodes[0]
	if len(final.Dependencies) != 1 || final.Dependencies[0] != g.Stages[0].Nodes[0].ID {
		t.Fatalf("expected cross-stage dependency on build's last node, got %+v", final.Dependencies)
	}
}

func TestBuildRejectsDuplicateStageNames(t *testing.T) {
	b := New(nil)
	b.Stage("s0", "dup", "alpine")
	b.Stage("s1", "dup", "alpine")

	if _, _, err := b.Build(); err == nil {
		t.Fatalf("expected duplicate stage name to fail validation")
	}
}

func TestBuildEmitsStageAndNodeEvents(t *testing.T) {
	rep := reporter.New()
	c := rep.Subscribe()
	b := New(rep)
	b.Stage("s0", "build", "alpine").Run([]string{"true"})
	if _, _, err := b.Build(); err != nil {
		t.Fatal(err)
	}
	rep.Close()

	var kinds []reporter.EventKind
	for {
		ev, ok := c.Next()
		if !ok {
			break
		}
		kinds = append(kinds, ev.Kind)
	}
	if len(kinds) < 3 {
		t.Fatalf("expected at least stageAdded, nodeAdded, analyzing events, got %+v", kinds)
	}
}

func TestSemanticAnalyzerFlagsManyRunInstructions(t *testing.T) {
	b := New(nil)
	sb := b.Stage("s0", "build", "alpine")
	for i := 0; i < 4; i++ {
		sb.Run([]string{"echo", "hi"})
	}
	_, findings, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range findings {
		if f.Kind == FindingLayerEfficiency {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a layer-efficiency finding for 4 run instructions, got %+v", findings)
	}
}

func TestSemanticAnalyzerFlagsPrivilegedExec(t *testing.T) {
	b := New(nil)
	b.Stage("s0", "build", "alpine").Run([]string{"whoami"}, func(e *ir.ExecOperation) { e.Privileged = true })
	_, findings, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range findings {
		if f.Kind == FindingSecurity {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a security finding for a privileged node, got %+v", findings)
	}
}
