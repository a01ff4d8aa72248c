package pkggraph

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func diamond(t *testing.T) *Graph {
	t.Helper()
	packages := map[string]Package{
		"d": {Name: "d"},
		"b": {Name: "b", Dependencies: []string{"d"}},
		"c": {Name: "c", Dependencies: []string{"d"}},
		"a": {Name: "a", Dependencies: []string{"b", "c"}},
	}
	g, err := New(packages, []string{"d", "b", "c", "a"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestDepth(t *testing.T) {
	g := diamond(t)
	for pkg, want := range map[string]int{
		"d": 0,
		"b": 1,
		"c": 1,
		"a": 2,
	} {
		if got := g.Depth(pkg); got != want {
			t.Errorf("Depth(%q) = %d, want %d", pkg, got, want)
		}
	}
}

func TestDependentCount(t *testing.T) {
	g := diamond(t)
	if got, want := g.DependentCount("d"), 2; got != want {
		t.Errorf("DependentCount(d) = %d, want %d", got, want)
	}
	if got, want := g.DependentCount("a"), 0; got != want {
		t.Errorf("DependentCount(a) = %d, want %d", got, want)
	}
}

func TestTransitiveDependents(t *testing.T) {
	g := diamond(t)
	got := g.TransitiveDependents("d")
	want := []string{"a", "b", "c"}
	if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("TransitiveDependents(d) mismatch (-want +got):\n%s", diff)
	}
}

func TestDepthOnCycleTerminates(t *testing.T) {
	// the graph invariant forbids this, but Depth must not hang if it
	// occurs: x -> y -> x
	packages := map[string]Package{
		"x": {Name: "x", Dependencies: []string{"y"}},
		"y": {Name: "y", Dependencies: []string{"x"}},
	}
	g, err := New(packages, []string{"x", "y"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	done := make(chan int, 1)
	go func() { done <- g.Depth("x") }()
	select {
	case got := <-done:
		if got != 0 {
			t.Errorf("Depth(x) on cycle = %d, want 0", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Depth did not terminate on cyclic input")
	}

	components, cyclic := g.HasCycle()
	if !cyclic {
		t.Fatal("HasCycle() = false, want true")
	}
	if len(components) != 1 || len(components[0]) != 2 {
		t.Errorf("HasCycle() components = %v, want one 2-node component", components)
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	_, err := New(map[string]Package{
		"a": {Name: "a", Dependencies: []string{"missing"}},
	}, []string{"a"})
	if err == nil {
		t.Fatal("New did not reject an edge to an unknown package")
	}
}
