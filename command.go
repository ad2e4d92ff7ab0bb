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
	"context"
	"fmt"
	"hash"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Argument is one element of a Command's argument list. The spec allows an
// argument to be either a plain string or a structured object that knows
// how to quote/escape itself (§6): PlainArg is rendered as-is and quoted
// only when it contains characters a shell or response file would split
// on; QuotedArg is always quoted, for values (paths, in particular) that
// must stay one token even when they happen not to contain whitespace
// today.
type Argument interface {
	// Render is the literal token handed to exec.Cmd.Args.
	Render() string
	// Quote is how the argument is written into a response file or
	// reproducer script: one line, quoted and backslash-escaped if
	// necessary.
	Quote() string
}

// PlainArg is the common case: a bare string, quoted only if it is empty
// or contains a space, tab, or quote character.
type PlainArg string

func (a PlainArg) Render() string { return string(a) }
func (a PlainArg) Quote() string  { return quoteIfNeeded(string(a)) }

// QuotedArg always renders its response-file/reproducer form quoted,
// regardless of content; useful for arguments a caller knows must stay a
// single token (e.g. an output path a generator always wants protected).
type QuotedArg string

func (a QuotedArg) Render() string { return string(a) }
func (a QuotedArg) Quote() string  { return quoteAlways(string(a)) }

// Args is a convenience constructor turning plain strings into PlainArg
// values, for the common case of a command with no need for forced
// quoting.
func Args(ss ...string) []Argument {
	out := make([]Argument, len(ss))
	for i, s := range ss {
		out[i] = PlainArg(s)
	}
	return out
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return quoteAlways(s)
	}
	return s
}

func quoteAlways(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
	return b.String()
}

// Redirect describes one stdin/stdout/stderr redirection target.
type Redirect struct {
	File   string
	Append bool
}

// ResponseFilePolicy selects whether Command.Execute materializes a
// response file (§4.C4 "use_response_files"): Auto decides from the
// platform-specific byte-length heuristic, ForceOn/ForceOff override it.
type ResponseFilePolicy int

const (
	ResponseFileAuto ResponseFilePolicy = iota
	ResponseFileForceOn
	ResponseFileForceOff
)

// CommandScope is a command's storage_scope (§3 "Command node"):
// whether its outdatedness record lives in the per-build-directory store,
// the per-user store, or isn't persisted at all (always outdated).
type CommandScope int

const (
	ScopeNone CommandScope = iota
	ScopeLocal
	ScopeGlobal
)

// Node is the common DAG-membership surface of Command and
// CommandSequence (§9 "Dynamic dispatch on nodes": modeled here as an
// interface with two implementations rather than a tagged union, since a
// builtin command is just a Command whose Program/Args were populated to
// re-invoke this executable — see builtin.go).
type Node interface {
	Hash() uint64
	DisplayName() string
	InputsList() []string
	OutputsList() []string
	ImplicitInputsList() []string
	OutputDirsList() []string
	SimultaneousOutputsList() []string
	ProgramPath() string
	StrictOrderValue() int
	AlwaysRun() bool
	StorageScope() CommandScope
	Pool() *ResourcePool

	Dependencies() []Node
	Dependents() []Node
	addDependency(Node)
	addDependent(Node)
	depsLeftCounter() *atomic.Int64
	executedFlag() *atomic.Bool

	Prepare(bc *BuildContext) error
	Execute(ctx context.Context, bc *BuildContext, prog *Progress) error
}

// nodeBase is the shared dependency/dependent bookkeeping every Node
// implementation embeds, matching the "reverse links are computed from
// forward links during plan construction" design note (§9): NewPlan's
// addEdge calls addDependency on the consumer and addDependent on the
// producer in the same step.
type nodeBase struct {
	deps       []Node
	dependents []Node
	depsLeft   atomic.Int64
	executed   atomic.Bool
}

func (n *nodeBase) Dependencies() []Node         { return n.deps }
func (n *nodeBase) Dependents() []Node           { return n.dependents }
func (n *nodeBase) addDependency(d Node)         { n.deps = append(n.deps, d) }
func (n *nodeBase) addDependent(d Node)          { n.dependents = append(n.dependents, d) }
func (n *nodeBase) depsLeftCounter() *atomic.Int64 { return &n.depsLeft }
func (n *nodeBase) executedFlag() *atomic.Bool   { return &n.executed }

// Progress is the pair of shared atomics the spec's "Output printing"
// section draws progress indices from: current_command/total_commands,
// shared across every node in a single Plan run.
type Progress struct {
	Current atomic.Int64
	Total   atomic.Int64
}

// BuiltinCall marks a Command as a builtin/in-process command (§4.C4c):
// when set, Prepare rewrites Program/Args to re-invoke this executable
// with the jumppad sentinel instead of resolving Program as an external
// binary, and Hash excludes the program path in favor of function name,
// version, and sorted arguments.
type BuiltinCall struct {
	Function string
	Version  int
	Args     []string // typed-encoded argument stream, see ArgEncoder
}

// Command is a single external process invocation, the DAG's unit of work
// (§3/§4.C4). Zero value is not usable; build one with NewCommand.
type Command struct {
	nodeBase

	Name string

	Program string
	Args    []Argument
	Env     map[string]string
	Dir     string

	Stdin  string
	Stdout Redirect
	Stderr Redirect

	Inputs              []string
	Outputs             []string
	ImplicitInputs       []string
	OutputDirs           []string
	SimultaneousOutputs  []string

	Always                       bool
	RemoveOutputsBeforeExecution bool
	ResponseFiles                ResponseFilePolicy
	FirstResponseFileArgument    int
	StrictOrder                  int
	Silent                       bool
	ShowOutput                   bool
	WriteOutputToFile            bool

	Scope CommandScope
	Pool_ *ResourcePool

	// Builtin is non-nil for an in-process command (§4.C4c).
	Builtin *BuiltinCall

	prepareOnce sync.Once
	prepareErr  error
	hashOnce    sync.Once
	hashVal     uint64
}

// NewCommand returns a Command invoking program with args, stored as
// PlainArg so the common case needs no explicit quoting decisions.
func NewCommand(program string, args ...string) *Command {
	return &Command{
		Program: program,
		Args:    Args(args...),
		Env:     map[string]string{},
		Scope:   ScopeLocal,
	}
}

func (c *Command) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if len(c.Outputs) > 0 {
		return "generate: " + strings.Join(c.Outputs, ", ")
	}
	return filepath.Base(c.Program)
}

func (c *Command) InputsList() []string              { return c.Inputs }
func (c *Command) OutputsList() []string             { return c.Outputs }
func (c *Command) ImplicitInputsList() []string       { return c.ImplicitInputs }
func (c *Command) OutputDirsList() []string           { return c.OutputDirs }
func (c *Command) SimultaneousOutputsList() []string  { return c.SimultaneousOutputs }
func (c *Command) ProgramPath() string                { return c.Program }
func (c *Command) StrictOrderValue() int              { return c.StrictOrder }
func (c *Command) AlwaysRun() bool                    { return c.Always }
func (c *Command) StorageScope() CommandScope         { return c.Scope }
func (c *Command) Pool() *ResourcePool                { return c.Pool_ }

// AddInput appends p to the explicit input set if non-empty.
func (c *Command) AddInput(p string) {
	if p != "" {
		c.Inputs = append(c.Inputs, p)
	}
}

// AddOutput appends p to the explicit output set if non-empty.
func (c *Command) AddOutput(p string) {
	if p != "" {
		c.Outputs = append(c.Outputs, p)
	}
}

// RedirectStdin sets stdin and registers p as an input.
func (c *Command) RedirectStdin(p string) {
	c.Stdin = p
	c.AddInput(p)
}

// RedirectStdout sets stdout (optionally appending) and registers p as an
// output.
func (c *Command) RedirectStdout(p string, appendFile bool) {
	c.Stdout = Redirect{File: p, Append: appendFile}
	c.AddOutput(p)
}

// RedirectStderr sets stderr (optionally appending) and registers p as an
// output.
func (c *Command) RedirectStderr(p string, appendFile bool) {
	c.Stderr = Redirect{File: p, Append: appendFile}
	c.AddOutput(p)
}

// Hash computes command_hash (§4.C4 "Hashing"), cached after the first
// call. Deliberately excludes explicit inputs/outputs; includes program,
// sorted deduplicated stringified arguments, redirection paths, working
// directory, and sorted environment pairs. A builtin command (Builtin !=
// nil) hashes function name + version + sorted arguments instead, and
// excludes the program path entirely, since Program is just this
// executable's own path and carries no identity for the work being done.
//
// Uses FNV-1a rather than hash/maphash: command_hash is the key under
// which a command's record is persisted to and looked up from disk
// across separate build invocations (§3 "Command record"), so it must be
// stable across process restarts. maphash's seed is randomized per
// process and would make every record miss on the very next build.
func (c *Command) Hash() uint64 {
	c.hashOnce.Do(func() {
		h := fnv.New64a()
		if c.Builtin != nil {
			writeHashString(h, c.Builtin.Function)
			writeHashString(h, fmt.Sprint(c.Builtin.Version))
			writeSortedSet(h, c.Builtin.Args)
		} else {
			writeHashString(h, c.Program)
			argStrings := make([]string, len(c.Args))
			for i, a := range c.Args {
				argStrings[i] = a.Render()
			}
			writeSortedSet(h, argStrings)
			if c.Stdin != "" {
				writeHashString(h, c.Stdin)
			}
			if c.Stdout.File != "" {
				writeHashString(h, c.Stdout.File)
			}
			if c.Stderr.File != "" {
				writeHashString(h, c.Stderr.File)
			}
			writeHashString(h, c.Dir)
			keys := make([]string, 0, len(c.Env))
			for k := range c.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				writeHashString(h, k)
				writeHashString(h, c.Env[k])
			}
		}
		c.hashVal = h.Sum64()
	})
	return c.hashVal
}

func writeHashString(h hash.Hash, s string) {
	_, _ = h.Write([]byte(s))
	_, _ = h.Write([]byte{0})
}

// writeSortedSet hashes ss as a *set*: duplicates collapse to one entry,
// matching the original's std::set<String> before hashing (§4.C4
// "Sort-before-hash is mandatory").
func writeSortedSet(h hash.Hash, ss []string) {
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		set[s] = struct{}{}
	}
	sorted := make([]string, 0, len(set))
	for s := range set {
		sorted = append(sorted, s)
	}
	sort.Strings(sorted)
	for _, s := range sorted {
		writeHashString(h, s)
	}
}

// Prepare resolves the program, computes and caches the hash, and records
// this command as the generator of each of its declared outputs (§4.C4
// "Execution lifecycle" step 1). It does not wire dependency edges; NewPlan
// does that. Idempotent and safe to call more than once.
func (c *Command) Prepare(bc *BuildContext) error {
	c.prepareOnce.Do(func() {
		c.prepareErr = c.prepare(bc)
	})
	return c.prepareErr
}

func (c *Command) prepare(bc *BuildContext) error {
	if c.Builtin != nil {
		exe, err := os.Executable()
		if err != nil {
			return &PreparationError{Command: c.DisplayName(), Reason: "resolving self executable: " + err.Error()}
		}
		c.Program = exe
		c.Args = builtinArgs(c.Builtin)
	} else if c.Program != "" && !filepath.IsAbs(c.Program) {
		if rec, err := bc.FileState.Register(c.Program); err == nil && rec.Generated() {
			// Generated program: left as-is, resolved once its generator runs.
		} else if _, statErr := os.Stat(c.Program); statErr != nil {
			resolved, err := bc.resolveProgram(c.Program)
			if err != nil {
				return &PreparationError{Command: c.DisplayName(), Reason: err.Error()}
			}
			c.Program = resolved
		}
	}

	c.Hash()

	// FileRecord.SetGenerator records which command produces each declared
	// output; NewPlan reads it back (via the producer map it builds from
	// OutputsList) to wire the actual DAG edges, so Prepare itself does not
	// need to discover or order-sensitively depend on other nodes' Prepare
	// calls having already run.
	for _, out := range c.Outputs {
		rec, err := bc.FileState.Register(out)
		if err != nil {
			return &PreparationError{Command: c.DisplayName(), Reason: err.Error()}
		}
		rec.SetGenerator(c)
	}
	return nil
}

// Outdated evaluates the five-step decision in §4.C4 "Outdatedness
// decision", in order, short-circuiting on the first hit. It returns the
// reason string for the structured explain log even when bc.Explain is
// off, so callers (tests) can assert on it cheaply.
func (c *Command) Outdated(bc *BuildContext) (bool, string) {
	if c.Always {
		return true, "always build"
	}

	store, persists := bc.storeFor(c.Scope)
	if !persists {
		return true, "command storage is disabled"
	}

	rec, ok := store.Lookup(c.Hash())
	if !ok {
		return true, "new command: " + c.DisplayName()
	}
	recordTime := time.Unix(0, int64(rec.Mtime))

	if c.Program != "" {
		if reason := c.checkNewer(bc, c.Program, "program", recordTime); reason != "" {
			return true, reason
		}
	}
	for _, in := range c.Inputs {
		if reason := c.checkNewer(bc, in, "input", recordTime); reason != "" {
			return true, reason
		}
	}
	for _, h := range rec.ImplicitInputs {
		p, ok := store.PathForHash(h)
		if !ok {
			continue
		}
		if reason := c.checkNewer(bc, p, "implicit input", recordTime); reason != "" {
			return true, reason
		}
	}

	for _, out := range c.Outputs {
		rec2, err := bc.FileState.Register(out)
		if err != nil {
			return true, "output path invalid: " + out
		}
		rec2.Refresh(bc.FileState)
		if reason := rec2.IsChangedSince(recordTime); reason != "" {
			return true, "output " + reason
		}
	}

	return false, ""
}

func (c *Command) checkNewer(bc *BuildContext, path, what string, recordTime time.Time) string {
	rec, err := bc.FileState.Register(path)
	if err != nil {
		return what + " path invalid: " + path
	}
	rec.Refresh(bc.FileState)
	if reason := rec.IsChangedSince(recordTime); reason != "" {
		if bc.Explain {
			bc.Logger.Debug().
				Str("command", c.DisplayName()).
				Uint64("hash", c.Hash()).
				Str("what", what).
				Str("path", path).
				Msg(reason)
		}
		return what + " changed " + path + ": " + reason
	}
	return ""
}

// Execute is the scheduler-facing entry point (§4.C4 "Execution
// lifecycle" steps 2-3): a no-op if already executed this plan run,
// otherwise checks outdatedness, and if outdated, prepares, runs, and
// records the process. prog supplies the shared progress counters the
// "[i/N] name" status line draws from.
func (c *Command) Execute(ctx context.Context, bc *BuildContext, prog *Progress) error {
	if !c.executed.CompareAndSwap(false, true) {
		return nil
	}

	outdated, reason := c.Outdated(bc)
	if !outdated {
		return nil
	}
	current := prog.Current.Add(1)
	if bc.Explain {
		bc.Logger.Debug().Str("command", c.DisplayName()).Bool("outdated", true).Str("reason", reason).Msg("outdated")
	}

	if c.Pool_ != nil {
		if err := c.Pool_.Lock(ctx); err != nil {
			return &CancellationError{Reason: err.Error()}
		}
		defer c.Pool_.Unlock()
	}

	if !c.Silent {
		bc.Status.Started(current, prog.Total.Load(), c.DisplayName())
	}

	if c.RemoveOutputsBeforeExecution {
		for _, o := range c.Outputs {
			_ = os.Remove(o)
		}
	}

	for _, d := range dedupStrings(append(append([]string{}, c.OutputDirs...), parentDirs(c.Outputs)...)) {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return &ExecutionError{CommandName: c.DisplayName(), Underlying: err}
		}
	}

	args, rspFile, err := c.materializeArgs(bc)
	if err != nil {
		return &PreparationError{Command: c.DisplayName(), Reason: err.Error()}
	}
	if rspFile != "" {
		defer os.Remove(rspFile)
	}

	cmd := exec.CommandContext(ctx, c.Program, args...)
	cmd.Dir = c.Dir
	cmd.Env = c.envSlice()

	var stdout, stderr bytes.Buffer
	if err := c.wireStdio(cmd, &stdout, &stderr); err != nil {
		return &PreparationError{Command: c.DisplayName(), Reason: err.Error()}
	}

	runErr := cmd.Run()

	if c.ShowOutput {
		bc.Status.Output(stdout.String(), stderr.String())
	}

	if runErr != nil || bc.SaveAllCommands {
		if runErr != nil {
			reproPath := ""
			if path, werr := writeReproducer(bc, c, args); werr == nil {
				reproPath = path
			}
			pid := 0
			if cmd.Process != nil {
				pid = cmd.Process.Pid
			}
			return &ExecutionError{
				CommandName: c.DisplayName(),
				Stdout:      stdout.String(),
				Stderr:      stderr.String(),
				Underlying:  runErr,
				Reproducer:  reproPath,
				PID:         pid,
			}
		}
		_, _ = writeReproducer(bc, c, args)
	}

	return c.afterSuccess(bc)
}

func (c *Command) envSlice() []string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (c *Command) wireStdio(cmd *exec.Cmd, stdout, stderr *bytes.Buffer) error {
	if c.Stdin != "" {
		f, err := os.Open(c.Stdin)
		if err != nil {
			return err
		}
		cmd.Stdin = f
	}

	openOut := func(r Redirect) (*os.File, error) {
		flags := os.O_CREATE | os.O_WRONLY
		if r.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		return os.OpenFile(r.File, flags, 0o644)
	}

	if c.Stdout.File != "" {
		f, err := openOut(c.Stdout)
		if err != nil {
			return err
		}
		cmd.Stdout = f
	} else {
		cmd.Stdout = stdout
	}
	if c.Stderr.File != "" {
		f, err := openOut(c.Stderr)
		if err != nil {
			return err
		}
		cmd.Stderr = f
	} else {
		cmd.Stderr = stderr
	}
	return nil
}

// afterSuccess refreshes the mtime cache for every input/output, takes the
// maximum as the new record mtime, and submits it to the store
// asynchronously (§4.C4 "Execution lifecycle" step 2f).
func (c *Command) afterSuccess(bc *BuildContext) error {
	store, _ := bc.storeFor(c.Scope)

	var maxTime time.Time
	observe := func(path string) error {
		rec, err := bc.FileState.Register(path)
		if err != nil {
			return err
		}
		rec.state.Store(int32(unrefreshed))
		rec.Refresh(bc.FileState)
		if t := rec.LastWriteTime(); t.After(maxTime) {
			maxTime = t
		}
		return nil
	}

	if c.Program != "" {
		if err := observe(c.Program); err != nil {
			return &ExecutionError{CommandName: c.DisplayName(), Underlying: err}
		}
	}
	for _, in := range c.Inputs {
		if err := observe(in); err != nil {
			return &ExecutionError{CommandName: c.DisplayName(), Underlying: err}
		}
	}
	for _, out := range c.Outputs {
		if _, err := os.Stat(out); err != nil {
			return &ExecutionError{CommandName: c.DisplayName(), Underlying: fmt.Errorf("declared output missing after success: %s", out)}
		}
		if err := observe(out); err != nil {
			return &ExecutionError{CommandName: c.DisplayName(), Underlying: err}
		}
	}

	if store != nil {
		store.Update(c.Hash(), uint64(maxTime.UnixNano()), c.ImplicitInputs)
	}
	return nil
}

func parentDirs(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, filepath.Dir(p))
		}
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
