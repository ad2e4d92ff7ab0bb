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
	"strconv"
	"sync"
)

// jumppadSentinel is the first argv token that tells a re-exec of this
// binary "don't run main, dispatch a registered builtin instead" (§4.C4c
// "Builtin commands"). It is deliberately not a flag so it never collides
// with a flag a normal CLI invocation might define.
const jumppadSentinel = "--swbuild-jumppad"

// BuiltinFunc is an in-process command body: it receives the decoded
// argument stream and returns an error exactly like an external command
// returning a non-zero exit status would.
type BuiltinFunc func(args []string) error

type builtinEntry struct {
	fn      BuiltinFunc
	version int
}

var (
	builtinMu       sync.Mutex
	builtinRegistry = map[string]builtinEntry{}
)

// RegisterBuiltin adds fn to the set of functions reachable through the
// jumppad re-exec protocol, keyed by name. version is baked into the
// command hash (via BuiltinCall.Version) so that shipping a new binary
// with a changed implementation of the same function invalidates every
// command that called it, without needing to touch the inputs list.
func RegisterBuiltin(name string, version int, fn BuiltinFunc) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtinRegistry[name] = builtinEntry{fn: fn, version: version}
}

// NewBuiltinCommand returns a Command that, instead of resolving Program
// to an external binary, re-invokes the current executable with the
// jumppad sentinel to run the named registered builtin in-process. The
// caller still populates Inputs/Outputs/etc. as normal; only the
// program-resolution and hashing steps differ (see Command.prepare and
// Command.Hash).
func NewBuiltinCommand(name string, args []string) (*Command, error) {
	builtinMu.Lock()
	entry, ok := builtinRegistry[name]
	builtinMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("swbuild: no builtin registered with name %q", name)
	}
	return &Command{
		Env:   map[string]string{},
		Scope: ScopeLocal,
		Builtin: &BuiltinCall{
			Function: name,
			Version:  entry.version,
			Args:     args,
		},
	}, nil
}

// builtinArgs renders the argv a prepared builtin Command re-execs itself
// with: sentinel, function name, version, then the raw argument stream.
func builtinArgs(call *BuiltinCall) []Argument {
	out := make([]Argument, 0, len(call.Args)+3)
	out = append(out,
		PlainArg(jumppadSentinel),
		PlainArg(call.Function),
		PlainArg(strconv.Itoa(call.Version)),
	)
	for _, a := range call.Args {
		out = append(out, QuotedArg(a))
	}
	return out
}

// RunBuiltinJumppad inspects argv (as passed to a freshly started
// process, not including the program name) and, if it begins with the
// jumppad sentinel, dispatches to the registered builtin and returns
// (true, err). A caller (cmd/swb's main) should check ok before doing
// anything else and os.Exit according to err when it is true.
func RunBuiltinJumppad(argv []string) (ok bool, err error) {
	if len(argv) < 3 || argv[0] != jumppadSentinel {
		return false, nil
	}
	name, versionStr, rest := argv[1], argv[2], argv[3:]

	version, verr := strconv.Atoi(versionStr)
	if verr != nil {
		return true, fmt.Errorf("swbuild: malformed jumppad version %q: %w", versionStr, verr)
	}

	builtinMu.Lock()
	entry, found := builtinRegistry[name]
	builtinMu.Unlock()
	if !found {
		return true, fmt.Errorf("swbuild: no builtin registered with name %q", name)
	}
	if entry.version != version {
		return true, fmt.Errorf("swbuild: builtin %q version mismatch: binary has %d, caller expected %d", name, entry.version, version)
	}
	return true, entry.fn(rest)
}

// ArgEncoder builds the typed argument stream a BuiltinCall carries,
// mirroring the original jumppad's wire format: scalars are a single
// token, vectors (Strings/Files) are a decimal count token followed by
// that many elements, so ArgReader can walk the flat stream without
// embedded delimiters (§4.C4c, adapted from jumppad.h's
// from_string<T>/get_n_args machinery).
type ArgEncoder struct {
	out []string
}

func NewArgEncoder() *ArgEncoder { return &ArgEncoder{} }

func (e *ArgEncoder) String(s string) *ArgEncoder {
	e.out = append(e.out, s)
	return e
}

func (e *ArgEncoder) Int(n int) *ArgEncoder {
	e.out = append(e.out, strconv.Itoa(n))
	return e
}

func (e *ArgEncoder) Strings(ss []string) *ArgEncoder {
	e.out = append(e.out, strconv.Itoa(len(ss)))
	e.out = append(e.out, ss...)
	return e
}

func (e *ArgEncoder) Files(ss []string) *ArgEncoder {
	return e.Strings(ss)
}

// Args returns the accumulated flat argument stream.
func (e *ArgEncoder) Args() []string { return e.out }

// ArgReader walks the flat stream an ArgEncoder produced, in the same
// field order it was written.
type ArgReader struct {
	args []string
	pos  int
}

func NewArgReader(args []string) *ArgReader { return &ArgReader{args: args} }

func (r *ArgReader) String() (string, error) {
	if r.pos >= len(r.args) {
		return "", fmt.Errorf("swbuild: jumppad arg stream exhausted reading string")
	}
	s := r.args[r.pos]
	r.pos++
	return s, nil
}

func (r *ArgReader) Int() (int, error) {
	s, err := r.String()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("swbuild: jumppad arg stream: %w", err)
	}
	return n, nil
}

func (r *ArgReader) Strings() ([]string, error) {
	n, err := r.Int()
	if err != nil {
		return nil, err
	}
	if r.pos+n > len(r.args) {
		return nil, fmt.Errorf("swbuild: jumppad arg stream exhausted reading %d strings", n)
	}
	out := append([]string(nil), r.args[r.pos:r.pos+n]...)
	r.pos += n
	return out, nil
}

func (r *ArgReader) Files() ([]string, error) {
	return r.Strings()
}
