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
	"strings"
	"sync"
)

// CommandSequence is an ordered list of commands the plan schedules and
// accounts for as a single Node (§4.C4b): it participates in the DAG as
// one atomic unit with the union of its members' inputs/outputs, and
// runs its members strictly in order, stopping at the first failure.
//
// This is a deliberately simpler shape than the original's "borrow the
// first child's dependencies and the last child's dependents" wiring: a
// Go interface value makes "the sequence is the node" a direct fit, so
// there is no need to splice edges onto two different children at plan
// construction time.
type CommandSequence struct {
	nodeBase

	Name     string
	Commands []*Command

	hashOnce sync.Once
	hashVal  uint64
}

// NewCommandSequence returns a sequence running cmds in order.
func NewCommandSequence(name string, cmds ...*Command) *CommandSequence {
	return &CommandSequence{Name: name, Commands: cmds}
}

func (s *CommandSequence) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	names := make([]string, len(s.Commands))
	for i, c := range s.Commands {
		names[i] = c.DisplayName()
	}
	return strings.Join(names, " && ")
}

func (s *CommandSequence) InputsList() []string {
	var out []string
	for _, c := range s.Commands {
		out = append(out, c.Inputs...)
	}
	return out
}

func (s *CommandSequence) OutputsList() []string {
	var out []string
	for _, c := range s.Commands {
		out = append(out, c.Outputs...)
	}
	return out
}

func (s *CommandSequence) ImplicitInputsList() []string {
	var out []string
	for _, c := range s.Commands {
		out = append(out, c.ImplicitInputs...)
	}
	return out
}

func (s *CommandSequence) OutputDirsList() []string {
	var out []string
	for _, c := range s.Commands {
		out = append(out, c.OutputDirs...)
	}
	return out
}

func (s *CommandSequence) SimultaneousOutputsList() []string {
	var out []string
	for _, c := range s.Commands {
		out = append(out, c.SimultaneousOutputs...)
	}
	return out
}

// ProgramPath returns the first command's program, used only for cosmetic
// purposes (e.g. response-file scratch directory naming); a sequence has
// no single identity-bearing program.
func (s *CommandSequence) ProgramPath() string {
	if len(s.Commands) == 0 {
		return ""
	}
	return s.Commands[0].Program
}

// StrictOrderValue is the maximum of its members', so a sequence never
// schedules ahead of a strict_order constraint any of its members declared.
func (s *CommandSequence) StrictOrderValue() int {
	max := 0
	for _, c := range s.Commands {
		if c.StrictOrder > max {
			max = c.StrictOrder
		}
	}
	return max
}

// AlwaysRun reports true if any member always runs, since a sequence
// can't skip a later member without having run the earlier ones.
func (s *CommandSequence) AlwaysRun() bool {
	for _, c := range s.Commands {
		if c.Always {
			return true
		}
	}
	return false
}

// StorageScope is the narrowest scope among its members: a sequence with
// one unscoped (ScopeNone) member is itself always outdated, so it can
// never report a persisted scope in that case.
func (s *CommandSequence) StorageScope() CommandScope {
	scope := ScopeGlobal
	for _, c := range s.Commands {
		if c.Scope < scope {
			scope = c.Scope
		}
	}
	return scope
}

func (s *CommandSequence) Pool() *ResourcePool {
	if len(s.Commands) == 0 {
		return nil
	}
	return s.Commands[0].Pool_
}

// Hash combines every member's hash, in order: two sequences with the
// same commands in a different order are different work.
func (s *CommandSequence) Hash() uint64 {
	s.hashOnce.Do(func() {
		var h uint64 = 1469598103934665603 // FNV offset basis, reused as a simple combinator seed
		for _, c := range s.Commands {
			h ^= c.Hash()
			h *= 1099511628211 // FNV prime
		}
		s.hashVal = h
	})
	return s.hashVal
}

// Prepare prepares every member in order; a sequence has no setup of its
// own beyond that.
func (s *CommandSequence) Prepare(bc *BuildContext) error {
	for _, c := range s.Commands {
		if err := c.Prepare(bc); err != nil {
			return err
		}
	}
	return nil
}

// Execute runs every member in order, stopping at the first failure. Each
// member still goes through its own outdatedness check and persists its
// own record, so a sequence re-run after a mid-sequence failure only
// re-executes the members that are still outdated.
func (s *CommandSequence) Execute(ctx context.Context, bc *BuildContext, prog *Progress) error {
	if !s.executed.CompareAndSwap(false, true) {
		return nil
	}
	for _, c := range s.Commands {
		if err := c.Execute(ctx, bc, prog); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return &CancellationError{Reason: ctx.Err().Error()}
		}
	}
	return nil
}
