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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestScheduler_RunsChainInOrder(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "b.txt")

	gen := NewCommand("/bin/sh", "-c", "echo a > "+a)
	gen.AddOutput(a)

	use := NewCommand("/bin/sh", "-c", "cat "+a+" > "+b)
	use.AddInput(a)
	use.AddOutput(b)

	plan, err := NewPlan([]Node{gen, use}, bc)
	if err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(plan, bc, 2, time.Time{})
	if err := sched.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(b); err != nil {
		t.Fatalf("expected final output to exist: %v", err)
	}
}

func TestScheduler_FailurePropagatesToDependents(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "never.txt")

	fail := NewCommand("/bin/false")
	fail.Always = true

	dependent := NewCommand("/bin/sh", "-c", "echo x > "+out)
	dependent.AddInput(fail.Program) // not a real dependency edge by itself
	dependent.Always = true

	// Wire an explicit dependency the way Plan construction would from a
	// shared file: fail "produces" a marker dependent declares as input.
	marker := filepath.Join(dir, "marker.txt")
	fail.AddOutput(marker)
	dependent.AddInput(marker)

	plan, err := NewPlan([]Node{fail, dependent}, bc)
	if err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(plan, bc, 2, time.Time{})
	err = sched.Run(context.Background())
	if err == nil {
		t.Fatalf("expected the failing command to surface an error")
	}

	if _, statErr := os.Stat(out); statErr == nil {
		t.Fatalf("expected the dependent command to be skipped, not run")
	}
}

func TestScheduler_InterruptStopsDispatch(t *testing.T) {
	bc := newTestContext(t)
	c := NewCommand("/bin/true")
	c.Always = true

	plan, err := NewPlan([]Node{c}, bc)
	if err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(plan, bc, 1, time.Time{})
	sched.Interrupt()
	// An already-interrupted scheduler may still run nodes dispatched
	// before the interrupt was observed; the call must simply return
	// without hanging.
	_ = sched.Run(context.Background())
}

func TestScheduler_DefaultStopsOnFirstFailure(t *testing.T) {
	bc := newTestContext(t)

	var independents []Node
	for i := 0; i < 3; i++ {
		c := NewCommand("/bin/false", fmt.Sprintf("--marker=%d", i))
		c.Always = true
		c.StrictOrder = 100 - i // force a deterministic dispatch order
		independents = append(independents, c)
	}

	plan, err := NewPlan(independents, bc)
	if err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(plan, bc, 1, time.Time{})
	err = sched.Run(context.Background())
	if err == nil {
		t.Fatalf("expected a failure error")
	}
	if !strings.Contains(err.Error(), "did not perform all steps") && !strings.Contains(err.Error(), "failed") {
		t.Fatalf("got %q, want a failure or partial-progress message", err.Error())
	}
}

func TestScheduler_BestEffortRunsPastFailures(t *testing.T) {
	bc := newTestContext(t)
	dir := t.TempDir()

	var cmds []Node
	outs := make([]string, 3)
	for i := range outs {
		outs[i] = filepath.Join(dir, "out"+string(rune('0'+i)))
		c := NewCommand("/bin/sh", "-c", "touch "+outs[i])
		c.Always = true
		c.AddOutput(outs[i])
		cmds = append(cmds, c)
	}
	// One independent always-failing node alongside the three successes.
	fail := NewCommand("/bin/false")
	fail.Always = true
	cmds = append(cmds, fail)

	plan, err := NewPlan(cmds, bc)
	if err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(plan, bc, 4, time.Time{})
	sched.BestEffort = true
	sched.SkipErrors = -1
	if err := sched.Run(context.Background()); err == nil {
		t.Fatalf("expected the failing node's error to surface")
	}

	for _, o := range outs {
		if _, statErr := os.Stat(o); statErr != nil {
			t.Fatalf("expected independent output %s to exist despite the unrelated failure: %v", o, statErr)
		}
	}
}
