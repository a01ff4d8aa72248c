// Package pkggraph models the workspace dependency graph the engine
// schedules over. Construction of the graph (scanning a workspace, parsing
// manifests) is the caller's responsibility; this package only holds the
// resulting (name, path, deps) triples and answers pure graph queries, in
// the same shape internal/batch/batch.go builds with a gonum
// simple.DirectedGraph before handing it to its scheduler.
package pkggraph

import (
	"sort"

	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Package is a single node: a unique name, its filesystem path, its
// declared dependency names, and an opaque version string.
type Package struct {
	Name         string
	Path         string
	Dependencies []string
	Version      string
}

// Graph is the immutable DAG over packages. Build it once with New and
// treat it as read-only for the lifetime of an execution.
type Graph struct {
	packages map[string]Package
	forward  map[string]map[string]struct{} // pkg -> its dependencies
	reverse  map[string]map[string]struct{} // pkg -> its dependents
	order    []string                       // stable insertion order, for tie-breaking

	g    *simple.DirectedGraph
	ids  map[string]int64
	byID map[int64]string
}

// New builds a Graph from a name->Package map plus a stable ordering for
// packages whose iteration order would otherwise be undefined (map
// iteration in Go is randomised). order should list every key of packages
// exactly once; if empty, New derives one by sorting names, which is
// deterministic but not necessarily the caller's intended priority order.
func New(packages map[string]Package, order []string) (*Graph, error) {
	if len(order) == 0 {
		order = make([]string, 0, len(packages))
		for name := range packages {
			order = append(order, name)
		}
		sort.Strings(order)
	}

	g := &Graph{
		packages: make(map[string]Package, len(packages)),
		forward:  make(map[string]map[string]struct{}, len(packages)),
		reverse:  make(map[string]map[string]struct{}, len(packages)),
		order:    order,
		g:        simple.NewDirectedGraph(),
		ids:      make(map[string]int64, len(packages)),
		byID:     make(map[int64]string, len(packages)),
	}

	var id int64
	for _, name := range order {
		pkg, ok := packages[name]
		if !ok {
			return nil, xerrors.Errorf("order lists unknown package %q", name)
		}
		g.packages[name] = pkg
		g.forward[name] = make(map[string]struct{})
		g.reverse[name] = make(map[string]struct{})
		g.ids[name] = id
		g.byID[id] = name
		g.g.AddNode(simple.Node(id))
		id++
	}
	if len(g.packages) != len(packages) {
		return nil, xerrors.Errorf("order (%d entries) does not match packages (%d entries)", len(order), len(packages))
	}

	for name, pkg := range packages {
		for _, dep := range pkg.Dependencies {
			if _, ok := packages[dep]; !ok {
				return nil, xerrors.Errorf("package %q declares dependency on unknown package %q", name, dep)
			}
			g.forward[name][dep] = struct{}{}
			g.reverse[dep][name] = struct{}{}
			// edge points from the dependent to its dependency, so that
			// topo.Sort (and Depth, below) naturally walks toward leaves.
			g.g.SetEdge(g.g.NewEdge(simple.Node(g.ids[name]), simple.Node(g.ids[dep])))
		}
	}

	return g, nil
}

// Names returns every package name in the graph, in the stable order
// supplied to New.
func (g *Graph) Names() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Package returns the Package for name and whether it exists.
func (g *Graph) Package(name string) (Package, bool) {
	pkg, ok := g.packages[name]
	return pkg, ok
}

// Dependencies returns the direct dependencies declared by pkg.
func (g *Graph) Dependencies(pkg string) []string {
	deps := g.forward[pkg]
	out := make([]string, 0, len(deps))
	for d := range deps {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DependentCount returns the number of packages that directly depend on
// pkg (the size of its reverse-edge set).
func (g *Graph) DependentCount(pkg string) int {
	return len(g.reverse[pkg])
}

// TransitiveDependents returns the closure of reverse edges starting at
// pkg, excluding pkg itself.
func (g *Graph) TransitiveDependents(pkg string) []string {
	seen := make(map[string]struct{})
	var walk func(string)
	walk = func(p string) {
		for dependent := range g.reverse[p] {
			if _, ok := seen[dependent]; ok {
				continue
			}
			seen[dependent] = struct{}{}
			walk(dependent)
		}
	}
	walk(pkg)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Depth returns the longest path from pkg to any leaf (a package declaring
// no dependencies); leaves have depth 0. The graph invariant forbids
// cycles, but Depth must still terminate if one is present rather than
// recurse forever: nodes discovered to be part of a cycle are reported at
// depth 0, mirroring internal/batch/batch.go's topo.Unorderable handling
// but without mutating the graph.
func (g *Graph) Depth(pkg string) int {
	memo := make(map[string]int)
	const inProgress = -1
	var stack []string
	cyclic := make(map[string]bool)
	var visit func(string) int
	visit = func(p string) int {
		if d, ok := memo[p]; ok {
			if d == inProgress {
				// cycle: mark every node on it, then stop rather than loop
				for i := len(stack) - 1; i >= 0; i-- {
					cyclic[stack[i]] = true
					if stack[i] == p {
						break
					}
				}
				return 0
			}
			return d
		}
		memo[p] = inProgress
		stack = append(stack, p)
		best := 0
		for dep := range g.forward[p] {
			if d := visit(dep); d+1 > best {
				best = d + 1
			}
		}
		stack = stack[:len(stack)-1]
		if cyclic[p] {
			best = 0
		}
		memo[p] = best
		return best
	}
	return visit(pkg)
}

// HasCycle reports whether the graph, as constructed, contains a cycle.
// The engine's precondition is that the graph is acyclic; callers that
// build graphs from untrusted input should check this before scheduling.
func (g *Graph) HasCycle() ([][]string, bool) {
	_, err := topo.Sort(g.g)
	if err == nil {
		return nil, false
	}
	uo, ok := err.(topo.Unorderable)
	if !ok {
		return nil, false
	}
	out := make([][]string, len(uo))
	for i, component := range uo {
		names := make([]string, len(component))
		for j, n := range component {
			names[j] = g.byID[n.ID()]
		}
		out[i] = names
	}
	return out, true
}

// directed graph interface support (gonum), used only by HasCycle/topo.Sort.
var _ graph.Directed = (*simple.DirectedGraph)(nil)
