// Copyright 2016 Google Inc. All Rights Reserved.
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
	"strings"
	"sync"
)

// StatusPrinter is the human-facing progress surface, adapted from the
// teacher's StatusPrinter/LinePrinter pair: every command that actually
// runs prints one "[i/N] name" line, and captured output (when ShowOutput
// is set on the command) is printed right after, serialized through a
// single mutex so multi-line output from concurrent workers never
// interleaves.
type StatusPrinter struct {
	w io.Writer

	mu sync.Mutex
}

// NewStatusPrinter returns a printer writing to w.
func NewStatusPrinter(w io.Writer) *StatusPrinter {
	return &StatusPrinter{w: w}
}

// Started prints the "[i/N] name" line for a command about to run.
func (s *StatusPrinter) Started(current, total int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "[%d/%d] %s\n", current, total, name)
}

// Output prints trimmed stdout/stderr right after a command's status line,
// when the command requested it (Command.ShowOutput).
func (s *StatusPrinter) Output(stdout, stderr string) {
	stdout = strings.TrimSpace(strings.ReplaceAll(stdout, "\r", ""))
	stderr = strings.TrimSpace(strings.ReplaceAll(stderr, "\r", ""))
	if stdout == "" && stderr == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stdout != "" {
		fmt.Fprintln(s.w, stdout)
	}
	if stderr != "" {
		fmt.Fprintln(s.w, stderr)
	}
}

// Warn prints a warning line, serialized the same as Started/Output so it
// never tears a concurrent multi-line write.
func (s *StatusPrinter) Warn(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "warning: "+format+"\n", args...)
}
