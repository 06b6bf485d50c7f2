package entitystore

import (
	"testing"

	"github.com/kestrelcontainers/kestrel/internal/kerr"
)

type fixture struct {
	Name string `json:"name"`
	CIDR string `json:"cidr"`
}

func TestCreateGetDeleteRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	x := fixture{Name: "nA", CIDR: "10.0.0.0/24"}
	if err := s.Create("nA", x); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var got fixture
	if err := s.Get("nA", &got); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != x {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, x)
	}

	if err := s.Delete("nA"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Get("nA", &got); kerr.Of(err) != kerr.NotFound {
		t.Fatalf("expected not-found after delete, got %v", err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s, _ := Open(t.TempDir())
	if err := s.Create("x", fixture{Name: "x"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create("x", fixture{Name: "x"}); kerr.Of(err) != kerr.Exists {
		t.Fatalf("expected exists error, got %v", err)
	}
}

func TestList(t *testing.T) {
	s, _ := Open(t.TempDir())
	_ = s.Create("a", fixture{Name: "a"})
	_ = s.Create("b", fixture{Name: "b"})

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
}
