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
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Scheduler runs a Plan's nodes with a bounded worker pool, respecting
// each node's dependency count and any per-command ResourcePool (§4.C5
// "Scheduling"). Grounded on the worker-loop/errgroup shape of the
// teacher's sibling package (distri's internal/batch.Do), adapted from a
// single flat package-build loop to a general dependency-count-gated
// dispatcher.
type Scheduler struct {
	plan     *Plan
	bc       *BuildContext
	workers  int
	stopTime time.Time // zero means no deadline

	// Tracer, if set, receives one span per executed node.
	Tracer *Tracer

	// SkipErrors is the failure budget (§4.C5/§7 "skip_errors"): how many
	// node failures are tolerated before Run stops dispatching new nodes.
	// Zero (the default) means the ninja-style default of one: the first
	// failure halts further dispatch. Negative means unlimited. Only
	// consulted when BestEffort is true; see BestEffort.
	SkipErrors int

	// BestEffort disables "throw_on_errors" (§7): by default (false) the
	// very first node failure halts further dispatch regardless of
	// SkipErrors, matching "throw_on_errors" defaulting on. Set true to
	// collect failures up to the SkipErrors budget instead, for runs that
	// want to surface as many independent failures as possible in one pass.
	BestEffort bool

	stopped      atomic.Bool
	interrupted  atomic.Bool
	tid          atomic.Int64
	failureCount atomic.Int64
}

// NewScheduler returns a scheduler for plan with the given worker count
// (<=0 means 1). stopTime, if non-zero, is a wall-clock deadline after
// which no new node starts (§4.C5 "stop_time").
func NewScheduler(plan *Plan, bc *BuildContext, workers int, stopTime time.Time) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	return &Scheduler{plan: plan, bc: bc, workers: workers, stopTime: stopTime}
}

// Interrupt requests that the scheduler stop dispatching new nodes as
// soon as possible; nodes already running are allowed to finish.
func (s *Scheduler) Interrupt() { s.interrupted.Store(true) }

// Run executes the plan to completion or first stop condition, returning
// an *AggregateError of every node that failed, or nil if no node failed
// and no stop condition left nodes unrun. When a stop, interrupt or
// deadline left nodes unrun, the aggregate also carries a
// *CancellationError with the partial-progress reason. Nodes whose
// dependencies never became available because an ancestor failed are
// skipped, not counted as failures of their own.
func (s *Scheduler) Run(ctx context.Context) error {
	prog := &Progress{}
	prog.Total.Store(int64(s.countOutdated()))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)

	var (
		mu     sync.Mutex
		failed = map[Node]bool{}
		errs   []error
	)

	total := len(s.plan.Nodes())
	ready := make(chan Node, total)
	// remaining counts nodes not yet accounted for (dispatched or
	// permanently blocked by a failed ancestor); the goroutine whose
	// decrement brings it to zero is the one that closes ready, so a
	// close can never race with a still-pending send.
	var remaining atomic.Int64
	remaining.Store(int64(total))

	finishOne := func() {
		if remaining.Add(-1) == 0 {
			close(ready)
		}
	}

	// cascadeSkip accounts for a node (and everything downstream of it)
	// that will now never run, once a stop condition has fired: each
	// skipped node still needs its single finishOne so remaining reaches
	// zero and ready eventually closes. skippedByStop tallies them so Run
	// can report the "(i/N)" partial-progress error (§4.C5 "Termination")
	// distinctly from an ordinary failed-ancestor skip, which never calls
	// cascadeSkip (see runOne).
	var skippedByStop atomic.Int64
	var cascadeSkip func(Node)
	cascadeSkip = func(n Node) {
		skippedByStop.Add(1)
		finishOne()
		for _, dep := range n.Dependents() {
			if dep.depsLeftCounter().Add(-1) == 0 {
				cascadeSkip(dep)
			}
		}
	}

	var dispatch func(Node)
	dispatch = func(n Node) {
		eg.Go(func() error {
			if s.shouldStop(egCtx) {
				cascadeSkip(n)
				return nil
			}
			s.runOne(egCtx, n, prog, &mu, failed, &errs)
			defer finishOne()
			for _, dep := range n.Dependents() {
				if dep.depsLeftCounter().Add(-1) == 0 {
					ready <- dep
				}
			}
			return nil
		})
	}

	for _, n := range s.plan.Nodes() {
		if n.depsLeftCounter().Load() == 0 {
			dispatch(n)
		}
	}

	for n := range ready {
		if s.shouldStop(egCtx) {
			cascadeSkip(n)
			continue
		}
		dispatch(n)
	}

	_ = eg.Wait()

	if skipped := skippedByStop.Load(); skipped > 0 {
		ran := int64(total) - skipped
		errs = append(errs, s.partialProgressError(ran, int64(total)))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(errs) == 0 {
		return nil
	}
	return &AggregateError{Errs: errs}
}

// partialProgressError renders the §4.C5 "Termination" partial-progress
// message: a specific reason when the stop was caused by cancellation, or
// the generic "(i/N)" count otherwise (e.g. the skip_errors budget was
// exhausted).
func (s *Scheduler) partialProgressError(ran, total int64) error {
	switch {
	case s.interrupted.Load():
		return &CancellationError{Reason: "Interrupted"}
	case !s.stopTime.IsZero() && time.Now().After(s.stopTime):
		return &CancellationError{Reason: "Time limit exceeded"}
	default:
		return &CancellationError{Reason: fmt.Sprintf("Executor did not perform all steps (%d/%d)", ran, total)}
	}
}

func (s *Scheduler) shouldStop(ctx context.Context) bool {
	if s.stopped.Load() || s.interrupted.Load() || ctx.Err() != nil {
		return true
	}
	if !s.stopTime.IsZero() && time.Now().After(s.stopTime) {
		s.stopped.Store(true)
		return true
	}
	return false
}

// runOne executes a single node, skipping it (without counting a failure)
// if any of its dependencies already failed, recording its own error
// otherwise.
func (s *Scheduler) runOne(ctx context.Context, n Node, prog *Progress, mu *sync.Mutex, failed map[Node]bool, errs *[]error) {
	mu.Lock()
	skip := false
	for _, dep := range n.Dependencies() {
		if failed[dep] {
			skip = true
			break
		}
	}
	mu.Unlock()
	if skip {
		mu.Lock()
		failed[n] = true
		mu.Unlock()
		return
	}

	var end func()
	if s.Tracer != nil {
		if cmd, ok := n.(*Command); ok {
			end = s.Tracer.Span(n.DisplayName(), "command", int(s.tid.Add(1))%s.workers, traceCommandArgs(cmd))
		} else {
			end = s.Tracer.Span(n.DisplayName(), "command", int(s.tid.Add(1))%s.workers, nil)
		}
	}
	err := n.Execute(ctx, s.bc, prog)
	if end != nil {
		end()
	}
	if err != nil {
		mu.Lock()
		failed[n] = true
		*errs = append(*errs, err)
		mu.Unlock()
		s.recordFailure()
	}
}

// recordFailure applies the skip_errors/throw_on_errors policy (§4.C5
// "On exception") after a node failure: with BestEffort off (the
// throw_on_errors default), the first failure halts further dispatch
// outright; with BestEffort on, dispatch continues until SkipErrors
// failures have accumulated (negative SkipErrors means never auto-stop
// from failures alone).
func (s *Scheduler) recordFailure() {
	if !s.BestEffort {
		s.stopped.Store(true)
		return
	}
	budget := s.SkipErrors
	if budget == 0 {
		budget = 1
	}
	if budget < 0 {
		return
	}
	if s.failureCount.Add(1) >= int64(budget) {
		s.stopped.Store(true)
	}
}

// countOutdated is a best-effort estimate for the "[i/N]" status line's
// denominator: it re-evaluates Outdated for every Command-shaped node
// up front. A sequence's members are counted individually since each one
// independently decides whether to run.
func (s *Scheduler) countOutdated() int {
	total := 0
	for _, n := range s.plan.Nodes() {
		total += countOutdatedNode(n, s.bc)
	}
	return total
}

func countOutdatedNode(n Node, bc *BuildContext) int {
	switch v := n.(type) {
	case *Command:
		if outdated, _ := v.Outdated(bc); outdated {
			return 1
		}
		return 0
	case *CommandSequence:
		total := 0
		for _, c := range v.Commands {
			total += countOutdatedNode(c, bc)
		}
		return total
	default:
		return 0
	}
}
