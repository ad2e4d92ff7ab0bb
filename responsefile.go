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
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Response-file byte thresholds (§4.C4 "Response files"): Windows and
// Linux share the conservative 8,100-byte argv limit; macOS tolerates a
// much larger argument vector before a response file is worth the extra
// process-creation overhead.
const (
	responseFileThresholdWindowsLinux = 8100
	responseFileThresholdDarwin       = 260000
)

func responseFileThreshold() int {
	if runtime.GOOS == "darwin" {
		return responseFileThresholdDarwin
	}
	return responseFileThresholdWindowsLinux
}

// commandLineSize estimates the argv byte length the way the original
// does: program length plus 3 (quotes + space), plus each argument's
// rendered length plus 3, counting only from firstResponseFileArgument
// onward (the leading arguments, typically the subcommand name, are
// assumed to always be present and are excluded from the decision).
func commandLineSize(c *Command) int {
	total := len(c.Program) + 3
	first := c.FirstResponseFileArgument
	if first < 0 {
		first = 0
	}
	for i, a := range c.Args {
		if i < first {
			continue
		}
		total += len(a.Render()) + 3
	}
	return total
}

func (c *Command) needsResponseFile() bool {
	switch c.ResponseFiles {
	case ResponseFileForceOn:
		return true
	case ResponseFileForceOff:
		return false
	default:
		return commandLineSize(c) > responseFileThreshold()
	}
}

// responseFilePath is where a materialized response file for this
// invocation of c lives: keyed by hash so distinct commands never share a
// file, and so a leftover file from a previous run of the same command is
// simply overwritten. It sits under bc.ScratchDir, so two build directories
// never share one.
func responseFilePath(bc *BuildContext, c *Command) string {
	dir := filepath.Join(bc.ScratchDir, filepath.Base(c.Program), "rsp")
	return filepath.Join(dir, fmt.Sprintf("%x.rsp", c.Hash()))
}

// responseFileContents renders the portion of c.Args from
// FirstResponseFileArgument onward, one quoted argument per line, the
// format every common rsp-file consumer (link.exe, ar, clang -@) expects.
func responseFileContents(c *Command) string {
	first := c.FirstResponseFileArgument
	if first < 0 {
		first = 0
	}
	var b strings.Builder
	for i, a := range c.Args {
		if i < first {
			continue
		}
		b.WriteString(a.Quote())
		b.WriteByte('\n')
	}
	return b.String()
}

// materializeArgs returns the argv swbuild should actually pass to
// exec.Cmd: either every argument rendered in place, or — when a
// response file is called for — the leading arguments followed by a
// single "@path" token, with the rest of the argument list written to
// path. rspFile is "" when no file was materialized, so the caller knows
// whether to clean it up afterward.
func (c *Command) materializeArgs(bc *BuildContext) (args []string, rspFile string, err error) {
	if !c.needsResponseFile() || len(c.Args) == 0 {
		args = make([]string, len(c.Args))
		for i, a := range c.Args {
			args[i] = a.Render()
		}
		return args, "", nil
	}

	path := responseFilePath(bc, c)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	if err := os.WriteFile(path, []byte(responseFileContents(c)), 0o644); err != nil {
		return nil, "", err
	}

	first := c.FirstResponseFileArgument
	if first < 0 {
		first = 0
	}
	if first > len(c.Args) {
		first = len(c.Args)
	}
	args = make([]string, 0, first+1)
	for i := 0; i < first; i++ {
		args = append(args, c.Args[i].Render())
	}
	args = append(args, "@"+path)
	return args, path, nil
}
