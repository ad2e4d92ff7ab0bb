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
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// traceEvent is one Chrome "About tracing" JSON event, the same shape the
// teacher's sibling package (distri's internal/trace) emits: this format
// is directly loadable by chrome://tracing or Perfetto, which is the
// entire point — a build's schedule is otherwise hard to eyeball.
type traceEvent struct {
	Name     string            `json:"name"`
	Category string            `json:"cat"`
	Phase    string            `json:"ph"`
	Time     int64             `json:"ts"`
	Duration int64             `json:"dur"`
	PID      int               `json:"pid"`
	TID      int               `json:"tid"`
	Args     map[string]string `json:"args,omitempty"`
}

// Tracer accumulates Command execution spans and writes them out as a
// Chrome trace JSON array (§4.C5 "Introspection: execution trace").
type Tracer struct {
	mu     sync.Mutex
	w      io.Writer
	start  time.Time
	enc    *json.Encoder
	opened bool
}

// NewTracer returns a Tracer writing to w. Events are flushed as they
// complete; call Close to write the closing bracket.
func NewTracer(w io.Writer) *Tracer {
	return &Tracer{w: w, start: time.Now()}
}

// OpenTraceFile is a convenience wrapper creating path and returning a
// ready Tracer plus the file to Close alongside it.
func OpenTraceFile(path string) (*Tracer, *os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	t := NewTracer(f)
	return t, f, nil
}

func (t *Tracer) writeRaw(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		io.WriteString(t.w, "[\n")
		t.opened = true
	} else {
		io.WriteString(t.w, ",\n")
	}
	io.WriteString(t.w, s)
}

// Span records the start time; call the returned function when the work
// finishes to write one complete ("X") event carrying the start and the
// duration. Nothing is written when the span begins.
func (t *Tracer) Span(name, category string, tid int, args map[string]string) func() {
	begin := time.Since(t.start)
	return func() {
		dur := time.Since(t.start) - begin
		ev := traceEvent{
			Name:     name,
			Category: category,
			Phase:    "X",
			Time:     begin.Microseconds(),
			Duration: dur.Microseconds(),
			PID:      os.Getpid(),
			TID:      tid,
			Args:     args,
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return
		}
		t.writeRaw(string(b))
	}
}

// Close writes the closing bracket. Safe to call even if no event was
// ever recorded.
func (t *Tracer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.opened {
		_, err := io.WriteString(t.w, "[]\n")
		return err
	}
	_, err := io.WriteString(t.w, "\n]\n")
	return err
}

// traceCommandArgs renders the program, working directory, argv and env a
// reader would want attached to a command's trace span; argv and env are
// stored as JSON-encoded strings.
func traceCommandArgs(c *Command) map[string]string {
	args := make(map[string]string, 4)
	args["program"] = c.Program
	if c.Dir != "" {
		args["dir"] = c.Dir
	}
	argv := make([]string, len(c.Args))
	for i, a := range c.Args {
		argv[i] = a.Render()
	}
	if b, err := json.Marshal(argv); err == nil {
		args["argv"] = string(b)
	}
	if len(c.Env) > 0 {
		if b, err := json.Marshal(c.Env); err == nil {
			args["env"] = string(b)
		}
	}
	return args
}
