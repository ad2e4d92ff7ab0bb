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
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestPlan_OrdersProducerBeforeConsumer(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()
	mid := filepath.Join(dir, "mid.txt")
	final := filepath.Join(dir, "final.txt")

	gen := NewCommand("/bin/sh", "-c", "echo mid > "+mid)
	gen.AddOutput(mid)

	use := NewCommand("/bin/sh", "-c", "cat "+mid+" > "+final)
	use.AddInput(mid)
	use.AddOutput(final)

	plan, err := NewPlan([]Node{use, gen}, bc)
	if err != nil {
		t.Fatal(err)
	}

	ordered := plan.Nodes()
	var genIdx, useIdx int = -1, -1
	for i, n := range ordered {
		if n == Node(gen) {
			genIdx = i
		}
		if n == Node(use) {
			useIdx = i
		}
	}
	if genIdx == -1 || useIdx == -1 {
		t.Fatalf("expected both nodes in the plan")
	}
	if genIdx > useIdx {
		t.Fatalf("expected producer (%d) to be ordered before consumer (%d)", genIdx, useIdx)
	}
}

// A dependent with a higher strict_order than its own dependency must
// still be placed after it: strict_order is only a tie-break among nodes
// that are simultaneously ready, never a license to reorder across a real
// dependency edge (§8 "Topological order").
func TestPlan_StrictOrderNeverInvertsADependencyEdge(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()
	mid := filepath.Join(dir, "mid.txt")
	final := filepath.Join(dir, "final.txt")

	gen := NewCommand("/bin/sh", "-c", "echo mid > "+mid)
	gen.AddOutput(mid)
	gen.StrictOrder = 0

	use := NewCommand("/bin/sh", "-c", "cat "+mid+" > "+final)
	use.AddInput(mid)
	use.AddOutput(final)
	use.StrictOrder = 100 // higher than gen's, should NOT jump ahead of it

	plan, err := NewPlan([]Node{use, gen}, bc)
	if err != nil {
		t.Fatal(err)
	}

	ordered := plan.Nodes()
	var genIdx, useIdx int = -1, -1
	for i, n := range ordered {
		if n == Node(gen) {
			genIdx = i
		}
		if n == Node(use) {
			useIdx = i
		}
	}
	if genIdx > useIdx {
		t.Fatalf("strict_order inverted a real dependency edge: producer at %d, consumer at %d", genIdx, useIdx)
	}
}

// Among nodes with no dependency relationship to each other, a higher
// strict_order should be preferred earlier in the plan's order (§4.C5
// step 7: "higher strict_order" runs earlier when otherwise free).
func TestPlan_StrictOrderBreaksTiesAmongIndependentNodes(t *testing.T) {
	bc := newTestContext(t)
	low := NewCommand("/bin/true", "low")
	low.Name = "low"
	low.StrictOrder = 1

	high := NewCommand("/bin/true", "high")
	high.Name = "high"
	high.StrictOrder = 5

	plan, err := NewPlan([]Node{low, high}, bc)
	if err != nil {
		t.Fatal(err)
	}
	ordered := plan.Nodes()
	if ordered[0] != Node(high) {
		t.Fatalf("expected the higher strict_order node first, got order %v, %v", ordered[0].DisplayName(), ordered[1].DisplayName())
	}
}

func TestPlan_DetectsCycle(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")

	c1 := NewCommand("/bin/true", "c1")
	c1.AddInput(b)
	c1.AddOutput(a)

	c2 := NewCommand("/bin/true", "c2")
	c2.AddInput(a)
	c2.AddOutput(b)

	_, err := NewPlan([]Node{c1, c2}, bc)
	if err == nil {
		t.Fatalf("expected a cycle construction error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("got %q, want a message mentioning a cycle", err.Error())
	}
	var ce *ConstructionError
	if !errors.As(err, &ce) {
		t.Fatalf("got %T, want *ConstructionError", err)
	}
	if len(ce.Unprocessed) != 2 {
		t.Fatalf("got %d unprocessed nodes, want 2 (both cycle members)", len(ce.Unprocessed))
	}
	seen := map[Node]bool{}
	for _, n := range ce.Unprocessed {
		seen[n] = true
	}
	if !seen[Node(c1)] || !seen[Node(c2)] {
		t.Fatalf("unprocessed set %v does not contain both cycle members", ce.Unprocessed)
	}
}

func TestPlan_RejectsConflictingProducers(t *testing.T) {
	bc := newTestContext(t)
	out := filepath.Join(t.TempDir(), "shared.txt")

	c1 := NewCommand("/bin/true")
	c1.AddOutput(out)
	c2 := NewCommand("/bin/false")
	c2.AddOutput(out)

	_, err := NewPlan([]Node{c1, c2}, bc)
	if err == nil {
		t.Fatalf("expected an error for two commands producing the same output")
	}
}

func TestPlan_LookupByHash(t *testing.T) {
	bc := newTestContext(t)
	c := NewCommand("/bin/true")

	plan, err := NewPlan([]Node{c}, bc)
	if err != nil {
		t.Fatal(err)
	}
	n, ok := plan.Lookup(c.Hash())
	if !ok || n != Node(c) {
		t.Fatalf("expected Lookup to find the command by its hash")
	}
}
