package graphbuild

import (
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/ir"
)

func TestParseDockerfileSimple(t *testing.T) {
	src := `
FROM golang:1.22 AS build
RUN go build -o bin/app
FROM scratch
COPY --from=build bin/app /app
ENV FOO=bar
`
	b, err := ParseDockerfile(src, nil)
	if err != nil {
		t.Fatalf("ParseDockerfile: %v", err)
	}
	g, _, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(g.Stages) != 2 {
		t.Fatalf("expected two stages, got %d", len(g.Stages))
	}
	if g.Stages[0].Base.Source != ir.ImageSourceRegistry || g.Stages[0].Base.Reference != "golang:1.22" {
		t.Fatalf("expected stage0 to use golang:1.22, got %+v", g.Stages[0].Base)
	}
	if g.Stages[1].Base.Source != ir.ImageSourceScratch {
		t.Fatalf("expected stage1 to be scratch, got %+v", g.Stages[1].Base)
	}
	if len(g.Stages[1].Nodes) != 2 {
		t.Fatalf("expected copy + env nodes in final stage, got %+v", g.Stages[1].Nodes)
	}
	copyOp := g.Stages[1].Nodes[0].Operation
	if copyOp.Kind != ir.OpFilesystem || copyOp.Filesystem.SourceStage != "build" {
		t.Fatalf("expected copy-from-stage referencing build, got %+v", copyOp)
	}
}

func TestParseDockerfileRejectsRunBeforeFrom(t *testing.T) {
	_, err := ParseDockerfile("RUN echo hi\n", nil)
	if err == nil {
		t.Fatalf("expected RUN before FROM to fail")
	}
}

func TestParseDockerfileHandlesLineContinuation(t *testing.T) {
	src := "FROM alpine\nRUN echo hello && \\\n    echo world\n"
	b, err := ParseDockerfile(src, nil)
	if err != nil {
		t.Fatalf("ParseDockerfile: %v", err)
	}
	g, _, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Stages[0].Nodes) != 1 {
		t.Fatalf("expected one RUN node from the continued line, got %+v", g.Stages[0].Nodes)
	}
}
