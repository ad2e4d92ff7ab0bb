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
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteGraphviz_IncludesNodesEdgesAndLegend(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()
	mid := filepath.Join(dir, "mid.txt")
	final := filepath.Join(dir, "final.txt")

	gen := NewCommand("/bin/sh", "-c", "echo mid > "+mid)
	gen.AddOutput(mid)
	use := NewCommand("/bin/sh", "-c", "cat "+mid+" > "+final)
	use.AddInput(mid)
	use.AddOutput(final)

	plan, err := NewPlan([]Node{gen, use}, bc)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteGraphviz(&buf, plan); err != nil {
		t.Fatal(err)
	}
	out := buf.String()

	if !strings.HasPrefix(out, "digraph swbuild {\n") || !strings.HasSuffix(out, "}\n") {
		t.Fatalf("expected a well-formed digraph wrapper, got:\n%s", out)
	}
	if !strings.Contains(out, "->") {
		t.Fatalf("expected at least one dependency edge, got:\n%s", out)
	}
	if !strings.Contains(out, "cluster_legend") {
		t.Fatalf("expected a sidecar legend subgraph, got:\n%s", out)
	}
}

func TestMangleGraphvizLabel(t *testing.T) {
	short := "gcc -c a.c -o a.o"
	if got := mangleGraphvizLabel(short); got != short {
		t.Fatalf("short label was mangled: got %q, want %q", got, short)
	}

	long := strings.Repeat("x", 200)
	got := mangleGraphvizLabel(long)
	if len(got) >= len(long) {
		t.Fatalf("expected a long label to shrink, got len %d", len(got))
	}
	if !strings.Contains(got, "...") {
		t.Fatalf("expected an elision marker in %q", got)
	}
	if !strings.HasPrefix(got, "xxx") || !strings.HasSuffix(got, "xxx") {
		t.Fatalf("expected both head and tail of the original to survive, got %q", got)
	}
}
