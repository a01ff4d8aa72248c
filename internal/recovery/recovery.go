// Package recovery implements the manual recovery operations over a
// suspended or completed ExecutionState: marking outcomes, cascading
// failures to dependents, retrying or force-skipping failed packages, and
// producing human-actionable recovery hints. It mirrors the cascade logic
// of internal/batch/batch.go's markFailed, generalised to operate on
// ExecutionState rather than a live build graph.
package recovery

import (
	"fmt"
	"sort"
	"time"

	"github.com/distr1/batchrun/internal/checkpoint"
	"github.com/distr1/batchrun/internal/depcheck"
	"github.com/distr1/batchrun/internal/execstate"
)

// Manager applies recovery operations to a State, using checker to find
// dependents to cascade to and to recompute readiness afterward.
type Manager struct {
	checker *depcheck.Checker
}

func New(checker *depcheck.Checker) *Manager {
	return &Manager{checker: checker}
}

// MarkCompleted transitions pkg to Completed and recomputes readiness for
// everything downstream.
func (m *Manager) MarkCompleted(s *execstate.State, pkg string, end time.Time) {
	s.ToCompleted(pkg, end)
	m.UpdateReadyState(s)
}

// MarkFailed transitions pkg to Failed and cascades Skipped to every
// transitive dependent, exactly as internal/batch/batch.go's markFailed
// walks reverse edges marking downstream nodes unbuildable. Dependents
// already Completed, Failed, or SkippedNoChanges are left untouched: only
// packages still waiting (Pending, Ready) are cascaded.
func (m *Manager) MarkFailed(s *execstate.State, pkg string, snap execstate.FailedSnapshot, end time.Time) (cascaded []string) {
	s.ToFailed(pkg, snap, end)
	for _, dependent := range m.checker.TransitiveDependents(pkg) {
		bucket, ok := s.Bucket(dependent)
		if !ok {
			continue
		}
		switch bucket {
		case execstate.Pending, execstate.Ready:
			s.ToSkipped(dependent)
			cascaded = append(cascaded, dependent)
		}
	}
	return cascaded
}

// SkipPackages force-transitions the named packages to Skipped regardless
// of their current bucket, then cascades to the transitive closure of
// everything that depends on them — the same Pending/Ready-only guard
// MarkFailed applies, since an operator giving up on a package must also
// give up on whatever would only ever run against it.
func (m *Manager) SkipPackages(s *execstate.State, pkgs []string) {
	for _, pkg := range pkgs {
		s.ToSkipped(pkg)
		for _, dependent := range m.checker.TransitiveDependents(pkg) {
			bucket, ok := s.Bucket(dependent)
			if !ok {
				continue
			}
			switch bucket {
			case execstate.Pending, execstate.Ready:
				s.ToSkipped(dependent)
			}
		}
	}
	m.UpdateReadyState(s)
}

// RetryFailed moves pkg from Failed back to Pending, incrementing its
// retry count, and un-cascades any dependents that were Skipped solely
// because of this failure (best effort: it simply recomputes readiness,
// which naturally re-admits them once pkg succeeds).
func (m *Manager) RetryFailed(s *execstate.State, pkg string) error {
	if _, ok := s.Failed[pkg]; !ok {
		return fmt.Errorf("recovery: %s is not in Failed, cannot retry", pkg)
	}
	delete(s.Failed, pkg)
	s.RetryAttempts[pkg]++
	s.ToPending(pkg)
	m.UpdateReadyState(s)
	return nil
}

// SkipFailed accepts a failure as permanent: pkg moves from Failed to
// Skipped, leaving the cascade already applied by MarkFailed in place.
func (m *Manager) SkipFailed(s *execstate.State, pkg string) error {
	if _, ok := s.Failed[pkg]; !ok {
		return fmt.Errorf("recovery: %s is not in Failed, cannot skip", pkg)
	}
	delete(s.Failed, pkg)
	s.ToSkipped(pkg)
	m.UpdateReadyState(s)
	return nil
}

// ResetPackage returns pkg to Pending from any bucket, clearing its retry
// count. Used by an operator re-running a single package's dependency
// chain from scratch.
func (m *Manager) ResetPackage(s *execstate.State, pkg string) {
	delete(s.RetryAttempts, pkg)
	delete(s.PerPackageStartTimes, pkg)
	delete(s.PerPackageEndTimes, pkg)
	delete(s.PerPackageDurations, pkg)
	s.ToPending(pkg)
	m.UpdateReadyState(s)
}

// UpdateReadyState is the shared post-transition hook every recovery
// operation ends with: recompute which Pending packages are now Ready.
func (m *Manager) UpdateReadyState(s *execstate.State) {
	m.checker.RecomputeReady(s)
}

// ValidateState re-runs the partition invariant check against allNames,
// returning a human-readable error describing any violation found.
func ValidateState(s *execstate.State, allNames []string) error {
	duplicates, missing := s.ValidatePartition(allNames)
	if len(duplicates) == 0 && len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("recovery: state partition invalid: duplicates=%v missing=%v", duplicates, missing)
}

// GenerateRecoveryHints inspects every Failed package and produces one
// actionable hint per failure, plus a non-actionable cascade hint for each
// failure whose snapshot lists transitive dependents. Hints never mutate
// state; they are advisory text for an
// operator deciding what to do next.
func (m *Manager) GenerateRecoveryHints(s *execstate.State) []checkpoint.RecoveryHint {
	var hints []checkpoint.RecoveryHint
	for _, pkg := range sortedKeys(s.Failed) {
		f := s.Failed[pkg]
		if f.IsRetriable {
			hints = append(hints, checkpoint.RecoveryHint{
				Type:             "retry",
				Message:          fmt.Sprintf("%s failed with a retriable error (%s); retry it", pkg, f.Classification),
				Actionable:       true,
				SuggestedCommand: fmt.Sprintf("batchrun retry %s", pkg),
			})
		} else {
			hints = append(hints, checkpoint.RecoveryHint{
				Type:             "inspect",
				Message:          fmt.Sprintf("%s failed permanently (%s): %s", pkg, f.Classification, f.ErrorMessage),
				Actionable:       true,
				SuggestedCommand: fmt.Sprintf("batchrun skip %s", pkg),
			})
		}
		if len(f.TransitiveDependents) > 0 {
			hints = append(hints, checkpoint.RecoveryHint{
				Type:       "cascade",
				Message:    fmt.Sprintf("%d package(s) downstream of %s were skipped as a result: %v", len(f.TransitiveDependents), pkg, f.TransitiveDependents),
				Actionable: false,
			})
		}
	}
	return hints
}

func sortedKeys(m map[string]execstate.FailedSnapshot) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
