package allocator

import (
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

func TestAllocateAndRelease(t *testing.T) {
	a := New(10, 3) // [10, 13)

	i1, err := a.Allocate("host-a")
	if err != nil {
		t.Fatalf("Allocate host-a: %v", err)
	}
	if i1 < 10 || i1 >= 13 {
		t.Fatalf("index %d out of range", i1)
	}

	if _, err := a.Allocate("host-a"); kerr.Of(err) != kerr.Exists {
		t.Fatalf("expected exists error for duplicate hostname, got %v", err)
	}

	i2, _ := a.Allocate("host-b")
	i3, _ := a.Allocate("host-c")
	if i1 == i2 || i2 == i3 || i1 == i3 {
		t.Fatalf("expected distinct indices, got %d %d %d", i1, i2, i3)
	}

	if _, err := a.Allocate("host-d"); err == nil {
		t.Fatalf("expected exhaustion error")
	}

	a.Release("host-b")
	if a.Count() != 2 {
		t.Fatalf("expected count 2 after release, got %d", a.Count())
	}

	i4, err := a.Allocate("host-d")
	if err != nil {
		t.Fatalf("Allocate after release: %v", err)
	}
	if i4 != i2 {
		t.Fatalf("expected the freed index %d to be reused, got %d", i2, i4)
	}
}

func TestRotationAvoidsImmediateReuse(t *testing.T) {
	a := New(0, 3)
	h1, _ := a.Allocate("h1") // takes 0
	_, _ = a.Allocate("h2")   // takes 1
	a.Release("h1")           // frees 0

	// Next allocation should NOT immediately hand back the just-freed index
	// while a different free index (2) still exists.
	idx, err := a.Allocate("h3")
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if idx == h1 {
		t.Fatalf("expected rotation to skip the just-freed index %d, got %d", h1, idx)
	}
}

func TestDisable(t *testing.T) {
	a := New(0, 2)
	if _, err := a.Allocate("h1"); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if a.Disable() {
		t.Fatalf("expected Disable to fail while an allocation is live")
	}
	a.Release("h1")
	if !a.Disable() {
		t.Fatalf("expected Disable to succeed once empty")
	}
	if _, err := a.Allocate("h2"); kerr.Of(err) != kerr.InvalidState {
		t.Fatalf("expected allocation after disable to fail, got %v", err)
	}
}
