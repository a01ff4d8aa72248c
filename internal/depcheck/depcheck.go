// Package depcheck implements DependencyChecker: pure, stateless queries
// over a (pkggraph.Graph, execstate.State) pair.
package depcheck

import (
	"github.com/distr1/batchrun/internal/execstate"
	"github.com/distr1/batchrun/internal/pkggraph"
)

// Checker answers readiness and topology questions against a fixed graph.
// It holds no state of its own; every method takes the current
// execstate.State explicitly, so a single Checker is safe to share across
// goroutines that only read.
type Checker struct {
	g *pkggraph.Graph
}

func New(g *pkggraph.Graph) *Checker {
	return &Checker{g: g}
}

// IsReady reports whether every direct dependency of pkg is Completed or
// SkippedNoChanges, and none is Failed. Packages in Skipped (cascaded due
// to a failed dependency) do not satisfy readiness.
func (c *Checker) IsReady(pkg string, s *execstate.State) bool {
	for _, dep := range c.g.Dependencies(pkg) {
		if _, failed := s.Failed[dep]; failed {
			return false
		}
		if !s.Satisfied(dep) {
			return false
		}
	}
	return true
}

// DependentCount is the number of packages that directly depend on pkg.
func (c *Checker) DependentCount(pkg string) int {
	return c.g.DependentCount(pkg)
}

// Depth is the longest path from pkg to any leaf.
func (c *Checker) Depth(pkg string) int {
	return c.g.Depth(pkg)
}

// TransitiveDependents is the closure of reverse edges starting at pkg,
// excluding pkg itself.
func (c *Checker) TransitiveDependents(pkg string) []string {
	return c.g.TransitiveDependents(pkg)
}

// RecomputeReady first re-examines Skipped: a package cascaded there because
// a dependency failed is moved back to Pending once every one of its
// dependencies is satisfied (Completed or SkippedNoChanges) and none is
// Failed — the mechanism by which marking the original failure Completed
// (e.g. via a manual retry) unblocks everything that cascaded from it. It
// then moves every Pending package whose dependencies are now satisfied
// into Ready. It never touches Running, Completed, or Failed.
func (c *Checker) RecomputeReady(s *execstate.State) {
	var unskipped []string
	for pkg := range s.Skipped {
		if c.IsReady(pkg, s) {
			unskipped = append(unskipped, pkg)
		}
	}
	for _, pkg := range unskipped {
		s.ToPending(pkg)
	}

	var nowReady []string
	for pkg := range s.Pending {
		if c.IsReady(pkg, s) {
			nowReady = append(nowReady, pkg)
		}
	}
	for _, pkg := range nowReady {
		s.ToReady(pkg)
	}
}
