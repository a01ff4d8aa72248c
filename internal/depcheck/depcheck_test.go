package depcheck

import (
	"testing"
	"time"

	"github.com/distr1/batchrun/internal/execstate"
	"github.com/distr1/batchrun/internal/pkggraph"
)

func diamond(t *testing.T) (*pkggraph.Graph, *Checker) {
	t.Helper()
	g, err := pkggraph.New(map[string]pkggraph.Package{
		"d": {Name: "d"},
		"b": {Name: "b", Dependencies: []string{"d"}},
		"c": {Name: "c", Dependencies: []string{"d"}},
		"a": {Name: "a", Dependencies: []string{"b", "c"}},
	}, []string{"d", "b", "c", "a"})
	if err != nil {
		t.Fatalf("pkggraph.New: %v", err)
	}
	return g, New(g)
}

func TestIsReady(t *testing.T) {
	_, c := diamond(t)
	s := execstate.New([]string{"d", "b", "c", "a"})

	if c.IsReady("d", s) != true {
		t.Error("leaf d should be ready from the start")
	}
	if c.IsReady("a", s) {
		t.Error("a should not be ready before b and c complete")
	}

	s.ToCompleted("d", time.Now())
	if !c.IsReady("b", s) || !c.IsReady("c", s) {
		t.Error("b and c should be ready once d completes")
	}

	// a package in SkippedNoChanges satisfies readiness of dependents.
	s2 := execstate.New([]string{"d", "b"})
	s2.ToSkippedNoChanges("d", "no-changes", time.Now())
	c2 := New(mustGraph(t, map[string]pkggraph.Package{
		"d": {Name: "d"},
		"b": {Name: "b", Dependencies: []string{"d"}},
	}, []string{"d", "b"}))
	if !c2.IsReady("b", s2) {
		t.Error("b should be ready when d is SkippedNoChanges")
	}

	// a failed dependency blocks readiness even if the package is
	// otherwise "satisfied" by some other accounting error.
	s3 := execstate.New([]string{"d", "b"})
	s3.ToFailed("d", execstate.FailedSnapshot{Name: "d"}, time.Now())
	if c2.IsReady("b", s3) {
		t.Error("b should not be ready when d has failed")
	}
}

func TestIsReadySkippedDoesNotSatisfy(t *testing.T) {
	g := mustGraph(t, map[string]pkggraph.Package{
		"d": {Name: "d"},
		"b": {Name: "b", Dependencies: []string{"d"}},
	}, []string{"d", "b"})
	c := New(g)
	s := execstate.New([]string{"d", "b"})
	s.ToSkipped("d") // cascaded, not self-skip
	if c.IsReady("b", s) {
		t.Error("b should not be ready when d is merely Skipped (cascade), not SkippedNoChanges")
	}
}

func TestRecomputeReady(t *testing.T) {
	_, c := diamond(t)
	s := execstate.New([]string{"d", "b", "c", "a"})
	s.ToCompleted("d", time.Now())
	c.RecomputeReady(s)
	if _, ok := s.Ready["b"]; !ok {
		t.Error("b should have moved to Ready")
	}
	if _, ok := s.Ready["c"]; !ok {
		t.Error("c should have moved to Ready")
	}
	if _, ok := s.Ready["a"]; ok {
		t.Error("a should not be Ready yet")
	}
}

func mustGraph(t *testing.T, packages map[string]pkggraph.Package, order []string) *pkggraph.Graph {
	t.Helper()
	g, err := pkggraph.New(packages, order)
	if err != nil {
		t.Fatalf("pkggraph.New: %v", err)
	}
	return g
}
