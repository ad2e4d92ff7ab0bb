// Copyright 2011 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package swbuild

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Plan is the prepared, topologically-ordered set of nodes a Scheduler
// runs (§4.C5 "Plan construction"). Construct with NewPlan; it is
// immutable once built.
type Plan struct {
	nodes   []Node
	byHash  map[uint64]Node
	ordered []Node // topological order, ties broken as in kahnOrder
}

// planNode is the gonum graph.Node wrapper around a Node, keyed by its
// position in the original node list (gonum IDs must be small dense
// int64s; a Node's own Hash is 64 bits of the wrong kind of uniqueness
// for that, so it is not reused here).
type planNode struct {
	id int64
	n  Node
}

func (p planNode) ID() int64 { return p.id }

// NewPlan prepares every node, rejects duplicate-hash and dangling
// external dependencies, and returns a Plan ready to run. Grounded on the
// batch-file build graph in the teacher's sibling package (distri's
// internal/batch), which builds the same shape of DAG with
// simple.NewDirectedGraph + topo.Sort.
func NewPlan(nodes []Node, bc *BuildContext) (*Plan, error) {
	if len(nodes) == 0 {
		return nil, newConstructionError("no commands without deps were added")
	}
	for _, n := range nodes {
		if err := n.Prepare(bc); err != nil {
			return nil, err
		}
	}

	byHash := make(map[uint64]Node, len(nodes))
	for _, n := range nodes {
		if existing, ok := byHash[n.Hash()]; ok && existing != n {
			return nil, newConstructionError("duplicate command hash for %q and %q", existing.DisplayName(), n.DisplayName())
		}
		byHash[n.Hash()] = n
	}

	inSet := make(map[Node]bool, len(nodes))
	for _, n := range nodes {
		inSet[n] = true
	}
	for _, n := range nodes {
		for _, d := range n.Dependencies() {
			if !inSet[d] {
				return nil, newConstructionError("%q: dependency not in set: %q", n.DisplayName(), d.DisplayName())
			}
		}
	}

	producer := make(map[string]Node, len(nodes)*2)
	// simulProducers tracks every node that declares a given path as a
	// simultaneous (shared-sidecar) output. Unlike producer, more than one
	// node may legitimately appear here for the same path (e.g. a .pdb
	// emitted alongside several .obj compiles); §9 open question 2
	// requires every consumer of that path to depend on ALL of them, not
	// just whichever registered first.
	simulProducers := make(map[string][]Node, len(nodes))
	for _, n := range nodes {
		for _, out := range n.OutputsList() {
			if existing, ok := producer[out]; ok && existing != n {
				return nil, newConstructionError("output %q is produced by both %q and %q", out, existing.DisplayName(), n.DisplayName())
			}
			producer[out] = n
		}
		for _, out := range n.SimultaneousOutputsList() {
			simulProducers[out] = append(simulProducers[out], n)
			if _, ok := producer[out]; !ok {
				producer[out] = n
			}
		}
	}

	g := simple.NewDirectedGraph()
	pnodes := make(map[Node]planNode, len(nodes))
	byID := make(map[int64]Node, len(nodes))
	for i, n := range nodes {
		pn := planNode{id: int64(i), n: n}
		pnodes[n] = pn
		byID[pn.id] = n
		g.AddNode(pn)
	}

	// addEdge is the single place a dependency edge is recorded: it both
	// threads the gonum graph (for topo.Sort) and wires the Node-level
	// deps/dependents pair the scheduler walks at run time, so the two
	// never disagree. Command.Prepare deliberately does not call
	// addDependency itself (see command.go) because doing so there would
	// make the result depend on the order nodes happen to be prepared in;
	// here every node's outputs are already known, so the producer map is
	// complete regardless of iteration order.
	addEdge := func(from, to Node) {
		fpn, fok := pnodes[from]
		tpn, tok := pnodes[to]
		if !fok || !tok || fpn.id == tpn.id {
			return
		}
		if g.HasEdgeFromTo(fpn.id, tpn.id) {
			return
		}
		g.SetEdge(g.NewEdge(fpn, tpn))
		to.addDependency(from)
		from.addDependent(to)
	}

	for _, n := range nodes {
		if gen, ok := producer[n.ProgramPath()]; ok {
			addEdge(gen, n)
		}
		for _, in := range n.InputsList() {
			if gens, ok := simulProducers[in]; ok {
				for _, gen := range gens {
					addEdge(gen, n)
				}
				continue
			}
			if gen, ok := producer[in]; ok {
				addEdge(gen, n)
			}
		}
	}

	// topo.Sort both validates acyclicity and, on failure, hands back the
	// strongly-connected components for cycle diagnosis (§8 "Cycle
	// diagnosis"). The actual placement into `ordered` is computed below
	// by a hand-rolled Kahn's algorithm rather than trusting topo.Sort's
	// own order, because step 7's strict_order tie-break has to be
	// applied *while* picking among nodes with zero remaining
	// dependencies, not as a blind post-hoc resort of the whole
	// vector — a global resort could promote a high-strict_order node
	// ahead of one of its own dependencies and violate §8's topological
	// order property.
	if _, err := topo.Sort(g); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return nil, newConstructionError("ordering plan: %w", err)
		}
		var unprocessed []Node
		for _, cycle := range uo {
			for _, gn := range cycle {
				unprocessed = append(unprocessed, byID[gn.ID()])
			}
		}
		return nil, &ConstructionError{Reason: describeCycles(uo, byID), Unprocessed: unprocessed}
	}

	ordered := kahnOrder(nodes, g, pnodes, byID)

	wireReverse(ordered)

	return &Plan{nodes: nodes, byHash: byHash, ordered: ordered}, nil
}

// describeCycles renders the strongly-connected components the cycle
// lives in, one line of command names per component, matching the
// teacher's own "dependency cycle" diagnostics in spirit.
func describeCycles(uo topo.Unorderable, byID map[int64]Node) string {
	var b strings.Builder
	b.WriteString("dependency cycle detected:\n")
	for _, cycle := range uo {
		names := make([]string, len(cycle))
		for i, gn := range cycle {
			names[i] = byID[gn.ID()].DisplayName()
		}
		fmt.Fprintf(&b, "  %s\n", strings.Join(names, " -> "))
	}
	return b.String()
}

// kahnOrder implements §4.C5 steps 5+7 as a single pass: a standard
// Kahn's-algorithm topological placement, but instead of pulling
// arbitrarily from the ready set it repeatedly picks the ready node that
// sorts first under the spec's comparator (fewer original dependencies,
// then higher strict_order, then more dependents), with original
// insertion order as the final tiebreak for determinism. Selecting the
// tie-break *at* each Kahn's-algorithm step, rather than resorting the
// finished vector, keeps the result a valid topological order by
// construction: a node can never be pulled ahead of one of its own
// dependencies, because it isn't even a candidate until that dependency
// has already been placed.
func kahnOrder(nodes []Node, g *simple.DirectedGraph, pnodes map[Node]planNode, byID map[int64]Node) []Node {
	indexOf := make(map[Node]int, len(nodes))
	for i, n := range nodes {
		indexOf[n] = i
	}

	remaining := make(map[Node]int, len(nodes))
	for _, n := range nodes {
		remaining[n] = len(n.Dependencies())
	}

	less := func(a, b Node) bool {
		da, db := len(a.Dependencies()), len(b.Dependencies())
		if da != db {
			return da < db
		}
		sa, sb := a.StrictOrderValue(), b.StrictOrderValue()
		if sa != sb {
			return sa > sb // higher strict_order runs earlier
		}
		dta, dtb := len(a.Dependents()), len(b.Dependents())
		if dta != dtb {
			return dta > dtb // more dependents runs earlier
		}
		return indexOf[a] < indexOf[b] // stable, deterministic fallback
	}

	var ready []Node
	for _, n := range nodes {
		if remaining[n] == 0 {
			ready = append(ready, n)
		}
	}

	ordered := make([]Node, 0, len(nodes))
	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		ordered = append(ordered, n)

		pn := pnodes[n]
		it := g.From(pn.id)
		for it.Next() {
			dep := byID[it.Node().ID()]
			remaining[dep]--
			if remaining[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return ordered
}

// wireReverse seeds each node's depsLeftCounter from the dependency edges
// addEdge already wired during graph construction, so the scheduler can
// dispatch nodes with no remaining dependencies immediately.
func wireReverse(nodes []Node) {
	for _, n := range nodes {
		n.depsLeftCounter().Store(int64(len(n.Dependencies())))
	}
}

// Nodes returns the plan's nodes in topological execution order.
func (p *Plan) Nodes() []Node { return p.ordered }

// Lookup returns the node with the given command hash, if any.
func (p *Plan) Lookup(hash uint64) (Node, bool) {
	n, ok := p.byHash[hash]
	return n, ok
}
