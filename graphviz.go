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
	"io"
)

// maxGraphvizLabel is the point past which a node's display name (often a
// full command line) stops being useful on a rendered graph and starts
// pushing every box off the page; labels longer than this are mangled down
// to a head...tail form that still lets a reader recognize the command.
const maxGraphvizLabel = 60

// mangleGraphvizLabel shortens s to fit a node box, keeping a prefix and
// suffix and eliding the middle, so a long compiler invocation still shows
// its program name and its final output argument rather than just "...".
func mangleGraphvizLabel(s string) string {
	if len(s) <= maxGraphvizLabel {
		return s
	}
	head := maxGraphvizLabel * 2 / 3
	tail := maxGraphvizLabel - head - 3
	return s[:head] + "..." + s[len(s)-tail:]
}

// WriteGraphviz renders plan as a Graphviz "dot" document (§4.C5
// "Introspection: dependency graph"), one node per command and one edge
// per dependency, adapted from the teacher's own GraphViz dumper (which
// walks a dyndep-loaded node set with a visited-nodes/visited-edges pair
// to avoid printing the same node or edge twice in a diamond-shaped DAG).
// Long labels are mangled (see mangleGraphvizLabel) and a sidecar legend
// subgraph documents what each node shape means.
func WriteGraphviz(w io.Writer, plan *Plan) error {
	visitedNodes := map[Node]bool{}
	visitedEdges := map[[2]Node]bool{}

	if _, err := io.WriteString(w, "digraph swbuild {\n"); err != nil {
		return err
	}

	for _, n := range plan.Nodes() {
		if err := writeGraphvizNode(w, n, visitedNodes); err != nil {
			return err
		}
	}
	for _, n := range plan.Nodes() {
		for _, dep := range n.Dependencies() {
			key := [2]Node{dep, n}
			if visitedEdges[key] {
				continue
			}
			visitedEdges[key] = true
			if _, err := fmt.Fprintf(w, "  %q -> %q\n", mangleGraphvizLabel(dep.DisplayName()), mangleGraphvizLabel(n.DisplayName())); err != nil {
				return err
			}
		}
	}

	if err := writeGraphvizLegend(w); err != nil {
		return err
	}

	_, err := io.WriteString(w, "}\n")
	return err
}

func writeGraphvizNode(w io.Writer, n Node, visited map[Node]bool) error {
	if visited[n] {
		return nil
	}
	visited[n] = true
	shape := "box"
	if _, ok := n.(*CommandSequence); ok {
		shape = "box3d"
	}
	_, err := fmt.Fprintf(w, "  %q [shape=%s]\n", mangleGraphvizLabel(n.DisplayName()), shape)
	return err
}

// writeGraphvizLegend emits a small, disconnected subgraph explaining the
// shapes used above, so a .dot file is self-describing without needing the
// source that generated it.
func writeGraphvizLegend(w io.Writer) error {
	_, err := io.WriteString(w, `  subgraph cluster_legend {
    label="legend"
    style=dashed
    "command" [shape=box]
    "sequence" [shape=box3d]
  }
`)
	return err
}
