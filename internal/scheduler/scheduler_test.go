package scheduler

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/distr1/batchrun/internal/depcheck"
	"github.com/distr1/batchrun/internal/execstate"
	"github.com/distr1/batchrun/internal/pkggraph"
)

func diamond(t *testing.T) *Scheduler {
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
	return New(g, depcheck.New(g))
}

func TestGetNextEmptyOnZeroSlots(t *testing.T) {
	s := diamond(t)
	state := execstate.New([]string{"d", "b", "c", "a"})
	state.ToReady("d")
	if got := s.GetNext(0, state); len(got) != 0 {
		t.Errorf("GetNext(0, ...) = %v, want empty", got)
	}
}

func TestGetNextEmptyReady(t *testing.T) {
	s := diamond(t)
	state := execstate.New([]string{"d", "b", "c", "a"})
	if got := s.GetNext(5, state); len(got) != 0 {
		t.Errorf("GetNext(n, no Ready) = %v, want empty", got)
	}
}

func TestGetNextPrefersMostDepended(t *testing.T) {
	s := diamond(t)
	state := execstate.New([]string{"d", "b", "c", "a"})
	// d has 2 dependents, a has 0: d should be picked first when both are
	// (hypothetically) ready.
	state.ToReady("d")
	state.ToReady("a")
	got := s.GetNext(2, state)
	want := []string{"d", "a"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetNext order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetNextRetriedPackageDeprioritized(t *testing.T) {
	s := diamond(t)
	state := execstate.New([]string{"d", "b", "c", "a"})
	state.ToReady("b")
	state.ToReady("c")
	state.RetryAttempts["b"] = 2
	got := s.GetNext(2, state)
	want := []string{"c", "b"} // b's retries push it behind fresh c
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetNext order mismatch (-want +got):\n%s", diff)
	}
}

func TestGetNextTruncatesToFreeSlots(t *testing.T) {
	s := diamond(t)
	state := execstate.New([]string{"d", "b", "c", "a"})
	state.ToReady("b")
	state.ToReady("c")
	got := s.GetNext(1, state)
	if len(got) != 1 {
		t.Fatalf("GetNext(1, ...) = %v, want 1 entry", got)
	}
}
