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
	"strings"

	"golang.org/x/xerrors"
)

// ConstructionError is returned by NewPlan: duplicate command
// hashes, dependencies on commands outside the set, files produced by more
// than one command, or a plan with no node free of dependencies. Unprocessed
// holds the nodes that could not be topologically placed (§3 "Execution
// plan" unprocessed field) — non-empty only for a cycle diagnosis, so a
// caller can introspect the offending nodes without re-running the
// strongly-connected-components pass itself.
type ConstructionError struct {
	Reason      string
	Unprocessed []Node
}

func (e *ConstructionError) Error() string { return e.Reason }

// newConstructionError wraps reason with xerrors so callers that want a
// stack-annotated chain (xerrors.Errorf with %w) can still unwrap to this
// type via errors.As.
func newConstructionError(format string, args ...interface{}) error {
	return &ConstructionError{Reason: xerrors.Errorf(format, args...).Error()}
}

// PreparationError is returned by Command.Prepare: an unresolvable
// program, an invalid redirection target, or a response-file materialization
// failure.
type PreparationError struct {
	Command string
	Reason  string
}

func (e *PreparationError) Error() string {
	return e.Command + ": " + e.Reason
}

// ExecutionError is returned when a command's process exits non-zero, the
// OS fails to spawn it, or a declared output is missing after a reported
// success. It carries everything the spec requires a user-visible failure
// to include.
type ExecutionError struct {
	CommandName string
	Stdout      string
	Stderr      string
	Underlying  error
	Reproducer  string
	PID         int
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	b.WriteString(e.CommandName)
	b.WriteString(" failed")
	if e.Underlying != nil {
		b.WriteString(": ")
		b.WriteString(e.Underlying.Error())
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(s)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(s)
	}
	if e.Reproducer != "" {
		b.WriteString("\nreproducer: ")
		b.WriteString(e.Reproducer)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Underlying }

// StorageError wraps a command-record DB load/save/append failure. A
// failed log append is logged but not fatal to the current build; a
// failed save (on graceful shutdown) is returned to the caller.
type StorageError struct {
	Op         string
	Underlying error
}

func (e *StorageError) Error() string {
	return "command record db: " + e.Op + ": " + e.Underlying.Error()
}

func (e *StorageError) Unwrap() error { return e.Underlying }

// CancellationError is returned when a plan run stops early because of an
// external cancellation, an exceeded stop-time deadline, or an exhausted
// failure budget that left nodes unrun.
type CancellationError struct {
	Reason string // "Interrupted", "Time limit exceeded", or "Executor did not perform all steps (i/N)"
}

func (e *CancellationError) Error() string { return e.Reason }

// AggregateError collects one error per failed node when a plan run lets
// more than one worker fail in parallel (skip_errors > 1, throw_on_errors
// off). Scheduler.Run always returns either nil or an *AggregateError (which may
// itself wrap a single *CancellationError when the run was stopped rather
// than failed node-by-node).
type AggregateError struct {
	Errs []error
}

func (e *AggregateError) Error() string {
	if len(e.Errs) == 1 {
		return e.Errs[0].Error()
	}
	var b strings.Builder
	b.WriteString(xerrors.Errorf("%d commands failed:", len(e.Errs)).Error())
	for _, err := range e.Errs {
		b.WriteString("\n- ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e *AggregateError) Unwrap() []error { return e.Errs }
