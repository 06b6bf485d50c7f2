package ir

import (
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

func execNode(id string, deps ...string) BuildNode {
	return BuildNode{
		ID:           id,
		Operation:    Operation{Kind: OpExec, Exec: &ExecOperation{Command: []string{"true"}}},
		Dependencies: deps,
	}
}

func TestValidateAcceptsLinearGraph(t *testing.T) {
	g := &Graph{
		Stages: []Stage{
			{
				ID:   "s0",
				Name: "build",
				Base: ImageOperation{Source: ImageSourceRegistry, Reference: "alpine:3.20"},
				Nodes: []BuildNode{
					execNode("n0"),
					execNode("n1", "n0"),
				},
			},
		},
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateRejectsDuplicateStageNames(t *testing.T) {
	g := &Graph{
		Stages: []Stage{
			{ID: "s0", Name: "build"},
			{ID: "s1", Name: "build"},
		},
	}
	err := g.Validate()
	if kerr.Of(err) != kerr.InvalidArgument {
		t.Fatalf("expected kerr.InvalidArgument, got %v", err)
	}
}

func TestValidateRejectsDanglingDependency(t *testing.T) {
	g := &Graph{
		Stages: []Stage{
			{ID: "s0", Nodes: []BuildNode{execNode("n0", "missing")}},
		},
	}
	err := g.Validate()
	if kerr.Of(err) != kerr.InvalidArgument {
		t.Fatalf("expected kerr.InvalidArgument, got %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	g := &Graph{
		Stages: []Stage{
			{ID: "s0", Nodes: []BuildNode{
				execNode("n0", "n2"),
				execNode("n1", "n0"),
				execNode("n2", "n1"),
			}},
		},
	}
	err := g.Validate()
	if kerr.Of(err) != kerr.InvalidArgument {
		t.Fatalf("expected cycle to be rejected as kerr.InvalidArgument, got %v", err)
	}
}

func TestOperationDigestStableAndDistinguishesPayload(t *testing.T) {
	a := Operation{Kind: OpExec, Exec: &ExecOperation{Command: []string{"echo", "hi"}}}
	b := Operation{Kind: OpExec, Exec: &ExecOperation{Command: []string{"echo", "hi"}}}
	c := Operation{Kind: OpExec, Exec: &ExecOperation{Command: []string{"echo", "bye"}}}

	if a.Digest() != b.Digest() {
		t.Fatalf("expected identical operations to share a digest")
	}
	if a.Digest() == c.Digest() {
		t.Fatalf("expected distinct commands to produce distinct digests")
	}
	if len(a.Digest()) == 0 {
		t.Fatalf("expected non-empty digest")
	}
}

func TestCacheKeyDependsOnDependencyOrderInsensitively(t *testing.T) {
	node := execNode("n0")
	k1 := CacheKey(node, []string{"sha256:a", "sha256:b"}, "arm64")
	k2 := CacheKey(node, []string{"sha256:b", "sha256:a"}, "arm64")
	if k1 != k2 {
		t.Fatalf("expected cache key to be insensitive to dependency key order")
	}

	k3 := CacheKey(node, []string{"sha256:a", "sha256:b"}, "amd64")
	if k1 == k3 {
		t.Fatalf("expected platform to be part of the cache key")
	}
}

func TestCacheKeyIncludesExtraInputs(t *testing.T) {
	node := execNode("n0")
	k1 := CacheKey(node, nil, "arm64")
	k2 := CacheKey(node, nil, "arm64", "buildarg:FOO=bar")
	if k1 == k2 {
		t.Fatalf("expected extra inputs to change the cache key")
	}
}
