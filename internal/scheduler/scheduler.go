// Package scheduler picks, from the set of Ready packages, which ones to
// dispatch into free execution slots, ordered by a priority score that
// favours unblocking the most future work first.
package scheduler

import (
	"golang.org/x/exp/slices"

	"github.com/distr1/batchrun/internal/depcheck"
	"github.com/distr1/batchrun/internal/execstate"
	"github.com/distr1/batchrun/internal/pkggraph"
)

// Scheduler orders Ready packages by priority score:
//
//	score(p) = 100*DependentCount(p) - 10*Depth(p) - 50*RetryCount(p) + leafBonus(p)
//
// Heavily-depended-upon packages go first (they unblock the most future
// work); packages closer to leaves go next (shorter critical path);
// freshly-submitted packages go ahead of retried ones (so a flaky package
// doesn't starve the queue); a small bonus for true leaves (no dependents)
// surfaces user-facing packages early. Ties break by the graph's stable
// package order.
type Scheduler struct {
	checker *depcheck.Checker
	order   []string // graph.Names(), the tie-break order
}

func New(g *pkggraph.Graph, checker *depcheck.Checker) *Scheduler {
	return &Scheduler{checker: checker, order: g.Names()}
}

// GetNext returns up to n package names from state.Ready, highest priority
// first. It returns an empty (nil) slice for n<=0 or an empty Ready set.
func (s *Scheduler) GetNext(n int, state *execstate.State) []string {
	if n <= 0 || len(state.Ready) == 0 {
		return nil
	}

	candidates := make([]string, 0, len(state.Ready))
	for _, name := range s.order {
		if _, ok := state.Ready[name]; ok {
			candidates = append(candidates, name)
		}
	}

	scores := make(map[string]int, len(candidates))
	for _, pkg := range candidates {
		scores[pkg] = s.score(pkg, state)
	}

	slices.SortStableFunc(candidates, func(a, b string) bool {
		return scores[a] > scores[b]
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

func (s *Scheduler) score(pkg string, state *execstate.State) int {
	dependents := s.checker.DependentCount(pkg)
	score := 100*dependents - 10*s.checker.Depth(pkg) - 50*state.RetryAttempts[pkg]
	if dependents == 0 {
		score += 5
	}
	return score
}
